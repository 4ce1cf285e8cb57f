package broadcast

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/common"
	"github.com/dmitrijs2005/fieldsync/internal/filex"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultMessageTTL    = time.Minute
	defaultSweepInterval = 15 * time.Second
	messageExt           = ".msg.json"
)

// DirChannel is a Channel shared by processes of one device through a spool
// directory. Each message is a file written atomically; endpoints observe
// new files with fsnotify and skip the files they wrote themselves.
// Expired messages are swept by every endpoint.
type DirChannel struct {
	dir    string
	id     string
	ttl    time.Duration
	logger logging.Logger

	watcher *fsnotify.Watcher
	seq     atomic.Uint64

	mu     sync.Mutex
	subs   map[int]func([]byte)
	next   int
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// OpenDir starts an endpoint on the spool directory dir, creating it if
// needed. A ttl of zero takes DefaultMessageTTL.
func OpenDir(dir string, ttl time.Duration, l logging.Logger) (*DirChannel, error) {
	dir, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	c := &DirChannel{
		dir:     dir,
		id:      common.NewID(),
		ttl:     ttl,
		logger:  l.With("module", "broadcast_dir"),
		watcher: w,
		subs:    make(map[int]func([]byte)),
		done:    make(chan struct{}),
	}

	c.wg.Add(2)
	go c.processEvents()
	go c.sweepLoop(min(defaultSweepInterval, ttl))
	return c, nil
}

func (c *DirChannel) Post(msg []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	name := fmt.Sprintf("%020d-%s-%06d%s", time.Now().UnixNano(), c.id, c.seq.Add(1), messageExt)
	return filex.WriteFileAtomic(filepath.Join(c.dir, name), msg, 0o660)
}

func (c *DirChannel) Subscribe(fn func([]byte)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Close stops watching and waits for the background goroutines to exit.
func (c *DirChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.watcher.Close()
	c.wg.Wait()
	return err
}

func (c *DirChannel) processEvents() {
	defer c.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-c.done:
			return

		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) || !c.isPeerMessage(ev.Name) {
				continue
			}
			data, err := os.ReadFile(ev.Name)
			if err != nil {
				// Swept before we got to it.
				c.logger.Debug(ctx, "message vanished", "file", filepath.Base(ev.Name), "error", err)
				continue
			}
			c.dispatch(data)

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn(ctx, "watcher error", "error", err)
		}
	}
}

func (c *DirChannel) isPeerMessage(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, messageExt) &&
		!strings.HasPrefix(name, ".") &&
		!strings.Contains(name, c.id)
}

func (c *DirChannel) dispatch(msg []byte) {
	c.mu.Lock()
	fns := make([]func([]byte), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (c *DirChannel) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

// sweep removes message files older than the channel ttl.
func (c *DirChannel) sweep(now time.Time) int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn(context.Background(), "sweep failed", "error", err)
		return 0
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), messageExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < c.ttl {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed
}
