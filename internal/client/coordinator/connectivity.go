package coordinator

import (
	"context"
	"time"
)

const pingTimeout = 3 * time.Second

// Pinger checks that the remote source is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WatchConnectivity pings p right away and then every interval, switching
// the coordinator online or offline with the outcome. It returns when ctx
// is done.
func (c *Coordinator) WatchConnectivity(ctx context.Context, p Pinger, interval time.Duration) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := p.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		c.SetOnline(err == nil)
	}

	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			check()
		case <-ctx.Done():
			return
		}
	}
}
