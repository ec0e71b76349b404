package pathfeed

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller keeps a PathSlot approximately fresh without ever blocking the
// reader. It owns one background goroutine that fetches, stores on success,
// and sleeps the poll interval; transient fetch failures never end the loop.
//
// Lifecycle: New → Start → Stop. Start on a running poller and Stop on a
// stopped one are logged no-ops.
type Poller struct {
	client      *Client
	slot        *PathSlot
	interval    time.Duration
	joinTimeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller builds a poller that refreshes slot every interval. joinTimeout
// bounds how long Stop waits for the background goroutine before giving up.
func NewPoller(client *Client, slot *PathSlot, interval, joinTimeout time.Duration) *Poller {
	return &Poller{
		client:      client,
		slot:        slot,
		interval:    interval,
		joinTimeout: joinTimeout,
	}
}

// Start spawns the polling goroutine. The goroutine runs until Stop is
// called or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		slog.Info("pathfeed: poller already running")
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(pollCtx, p.done)

	slog.Info("pathfeed: poller started",
		"endpoint", p.client.Endpoint(),
		"interval", p.interval,
	)
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Only an explicit Stop may end the loop; an internal fault is logged,
	// never propagated to the detection side.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pathfeed: poller terminated by internal fault", "panic", r)
		}
	}()

	for {
		rec, err := p.client.Fetch(ctx)
		switch {
		case ctx.Err() != nil:
			slog.Info("pathfeed: poller stopped")
			return
		case err != nil:
			slog.Warn("pathfeed: fetch failed", "error", err)
		default:
			p.slot.Store(rec)
			slog.Debug("pathfeed: path updated", "path", rec.Name)
		}

		// Interruptible sleep so Stop terminates promptly.
		select {
		case <-ctx.Done():
			slog.Info("pathfeed: poller stopped")
			return
		case <-time.After(p.interval):
		}
	}
}

// Stop signals the polling goroutine to exit and waits up to joinTimeout.
// Shutdown is best-effort: on timeout it proceeds regardless.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(p.joinTimeout):
		slog.Warn("pathfeed: poller join timeout exceeded, continuing shutdown")
	}
}
