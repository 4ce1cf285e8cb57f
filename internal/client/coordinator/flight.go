package coordinator

import (
	"math/rand/v2"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
)

type flightState int

const (
	flightIdle flightState = iota
	flightInFlight
	flightInFlightQueued
)

// flightKey identifies one payload: a record at a stage.
type flightKey struct {
	recordID string
	stage    models.Stage
}

// flight serializes cycles of one payload. While a cycle runs, further
// notices collapse into a single queued follow-up.
type flight struct {
	state  flightState
	queued models.Notice
}

// schedule starts a cycle for n, or queues one follow-up if a cycle for the
// same payload is already running.
func (c *Coordinator) schedule(n models.Notice) {
	key := flightKey{n.RecordID, n.Stage}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}

	f := c.flights[key]
	if f == nil {
		f = &flight{}
		c.flights[key] = f
	}

	switch f.state {
	case flightIdle:
		f.state = flightInFlight
		c.wg.Add(1)
		go c.runFlight(key, f, n)
	case flightInFlight:
		f.state = flightInFlightQueued
		f.queued = n
	case flightInFlightQueued:
		f.queued = coalesce(f.queued, n)
	}
}

// coalesce keeps the newer of two queued notices. A terminal flag survives.
func coalesce(queued, n models.Notice) models.Notice {
	terminal := queued.Terminal || n.Terminal
	if n.Revision >= queued.Revision || n.SessionID != queued.SessionID {
		queued = n
	}
	queued.Terminal = terminal
	return queued
}

func (c *Coordinator) runFlight(key flightKey, f *flight, n models.Notice) {
	defer c.wg.Done()

	for {
		if !c.sleep(c.jitter()) {
			c.endFlight(key)
			return
		}

		if err := c.cycle(c.ctx, n); err != nil {
			if n.Terminal {
				c.forgetTerminal(n.RecordID)
			}
			c.logger.Warn(c.ctx, "reconciliation cycle abandoned", "record_id", n.RecordID, "stage", n.Stage, "error", err)
		}

		c.mu.Lock()
		if f.state == flightInFlightQueued {
			n = f.queued
			f.state = flightInFlight
			f.queued = models.Notice{}
			c.mu.Unlock()
			continue
		}
		f.state = flightIdle
		delete(c.flights, key)
		c.mu.Unlock()
		return
	}
}

func (c *Coordinator) endFlight(key flightKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flights, key)
}

// jitter returns the fetch delay, uniformly drawn from
// [FetchDelayMin, FetchDelayMax].
func (c *Coordinator) jitter() time.Duration {
	spread := c.opts.FetchDelayMax - c.opts.FetchDelayMin
	if spread <= 0 {
		return c.opts.FetchDelayMin
	}
	return c.opts.FetchDelayMin + rand.N(spread+1)
}

// sleep waits for d and reports false if the coordinator closed meanwhile.
func (c *Coordinator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
