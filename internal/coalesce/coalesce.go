// Package coalesce deduplicates concurrent identical subgraph fetches.
package coalesce

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type flight struct {
	key       string
	done      chan struct{}
	body      []byte
	err       error
	waiters   int
	cancel    context.CancelFunc
	startTime time.Time
}

// Coalescer lets concurrent callers with the same key share one execution.
type Coalescer struct {
	flights map[string]*flight
	mu      sync.Mutex
	config  Config
	logger  *slog.Logger
	stats   Stats
	statsMu sync.RWMutex
}

// Config configures the coalescer.
type Config struct {
	// MaxWaiters is the maximum number of callers sharing a single flight.
	MaxWaiters int
	// Timeout bounds a flight. Flights run detached from the context of the
	// caller that started them.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Stats tracks coalescing statistics.
type Stats struct {
	TotalRequests     int64 `json:"total_requests"`
	CoalescedRequests int64 `json:"coalesced_requests"`
	ActiveFlights     int   `json:"active_flights"`
}

// New creates a new coalescer.
func New(cfg Config) *Coalescer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxWaiters == 0 {
		cfg.MaxWaiters = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Coalescer{
		flights: make(map[string]*flight),
		config:  cfg,
		logger:  cfg.Logger,
	}
}

// Key hashes the parts of a fetch into a flight key.
func Key(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Do runs fn once for all concurrent callers using key. The second return
// value reports whether the caller joined an existing flight.
//
// fn runs on its own goroutine under a context that keeps the starting
// caller's values but not its cancellation. Every caller, the starter
// included, stops waiting when its own ctx is done; the flight is cancelled
// once no caller is left waiting for it.
func (c *Coalescer) Do(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	c.statsMu.Lock()
	c.stats.TotalRequests++
	c.statsMu.Unlock()

	c.mu.Lock()
	f, joined := c.flights[key]
	if joined && f.waiters >= c.config.MaxWaiters {
		joined = false
	}
	if joined {
		f.waiters++
		c.mu.Unlock()

		c.statsMu.Lock()
		c.stats.CoalescedRequests++
		c.statsMu.Unlock()
	} else {
		// A full flight is replaced; its callers still hold their own reference.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.Timeout)
		f = &flight{
			key:       key,
			done:      make(chan struct{}),
			waiters:   1,
			cancel:    cancel,
			startTime: time.Now(),
		}
		c.flights[key] = f
		c.setActive(len(c.flights))
		c.mu.Unlock()

		go c.run(fctx, f, fn)
	}

	select {
	case <-f.done:
		return f.body, joined, f.err
	case <-ctx.Done():
		c.leave(f)
		return nil, joined, ctx.Err()
	}
}

func (c *Coalescer) run(ctx context.Context, f *flight, fn func(context.Context) ([]byte, error)) {
	defer f.cancel()
	f.body, f.err = fn(ctx)

	c.mu.Lock()
	c.forget(f)
	waiters := f.waiters
	c.mu.Unlock()
	close(f.done)

	c.logger.Debug("flight completed",
		"key", f.key,
		"waiters", waiters,
		"duration", time.Since(f.startTime),
		"error", f.err,
	)
}

// leave drops one waiter. The last one out cancels the flight and removes it
// so later callers start afresh.
func (c *Coalescer) leave(f *flight) {
	c.mu.Lock()
	f.waiters--
	abandoned := f.waiters == 0
	if abandoned {
		c.forget(f)
	}
	c.mu.Unlock()
	if abandoned {
		f.cancel()
	}
}

// forget removes f from the flight table. c.mu must be held.
func (c *Coalescer) forget(f *flight) {
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	c.setActive(len(c.flights))
}

func (c *Coalescer) setActive(n int) {
	c.statsMu.Lock()
	c.stats.ActiveFlights = n
	c.statsMu.Unlock()
}

// Stats returns a copy of the current statistics.
func (c *Coalescer) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}
