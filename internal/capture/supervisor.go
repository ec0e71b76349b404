package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SupervisorStats is a snapshot of supervisor counters.
type SupervisorStats struct {
	FramesRead uint64
	Reopens    uint64
}

// Supervisor owns the lifecycle of a Source and hides transient failures
// behind a fixed cool-down reconnect. Camera controllers in this deployment
// recover on a roughly constant timescale, so a fixed delay avoids retry
// storms without the complexity of backoff scheduling.
//
// If a reopen does not yield a working source, the failure is terminal for
// the run and is reported to the caller.
type Supervisor struct {
	src         Source
	readTimeout time.Duration
	cooldown    time.Duration

	framesRead uint64
	reopens    uint64

	closeOnce sync.Once

	// sleep is swapped in tests to count cool-down waits without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisor wraps src with the given read timeout and reconnect
// cool-down.
func NewSupervisor(src Source, readTimeout, cooldown time.Duration) *Supervisor {
	return &Supervisor{
		src:         src,
		readTimeout: readTimeout,
		cooldown:    cooldown,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Open acquires the source.
func (s *Supervisor) Open(ctx context.Context) error {
	if err := s.src.Open(ctx); err != nil {
		return fmt.Errorf("capture: open failed: %w", err)
	}
	return nil
}

// ReadFrame returns the next frame or a failure signal. On failure the
// caller decides whether to Reopen.
func (s *Supervisor) ReadFrame() (*Frame, error) {
	frame, err := s.src.Read(s.readTimeout)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.framesRead, 1)
	return frame, nil
}

// Reopen releases the current handle fully, waits the fixed cool-down, and
// acquires the source again. The old handle is released before the new one
// is created so no two handles coexist.
func (s *Supervisor) Reopen(ctx context.Context) error {
	atomic.AddUint64(&s.reopens, 1)

	slog.Warn("capture: releasing stream for reopen", "cooldown", s.cooldown)
	if err := s.src.Close(); err != nil {
		slog.Error("capture: release before reopen failed", "error", err)
	}

	if err := s.sleep(ctx, s.cooldown); err != nil {
		return fmt.Errorf("capture: reopen cancelled: %w", err)
	}

	if err := s.src.Open(ctx); err != nil {
		return fmt.Errorf("capture: reopen failed: %w", err)
	}

	slog.Info("capture: stream reopened")
	return nil
}

// Close releases the source exactly once, no matter how many shutdown
// paths reach it.
func (s *Supervisor) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.src.Close()
	})
	return err
}

// Stats returns current counters.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		FramesRead: atomic.LoadUint64(&s.framesRead),
		Reopens:    atomic.LoadUint64(&s.reopens),
	}
}
