package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeSource scripts read and open outcomes for supervisor tests.
type fakeSource struct {
	mu        sync.Mutex
	readFails int // reads failing before frames flow again
	openErr   error
	opens     int
	closes    int
	seq       uint64
}

func (f *fakeSource) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeSource) Read(timeout time.Duration) (*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readFails > 0 {
		f.readFails--
		return nil, ErrReadTimeout
	}
	f.seq++
	return &Frame{Seq: f.seq, Width: 640, Height: 480}, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// countingSleep replaces the cool-down wait and records each invocation.
func countingSleep(n *int) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*n++
		return ctx.Err()
	}
}

func TestSupervisorReadThenReopenCycle(t *testing.T) {
	src := &fakeSource{readFails: 3}
	sup := NewSupervisor(src, time.Second, 10*time.Second)

	cooldowns := 0
	sup.sleep = countingSleep(&cooldowns)

	ctx := context.Background()
	if err := sup.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	// Drive the supervisor the way the orchestrator does: every failed
	// read triggers exactly one cool-down plus one reopen attempt.
	failures := 0
	for {
		frame, err := sup.ReadFrame()
		if err != nil {
			failures++
			if err := sup.Reopen(ctx); err != nil {
				t.Fatalf("Reopen() failed: %v", err)
			}
			continue
		}
		if frame.Seq == 0 {
			t.Fatal("frame without sequence number")
		}
		break
	}

	if failures != 3 {
		t.Errorf("read failures = %d, want 3", failures)
	}
	if cooldowns != 3 {
		t.Errorf("cool-down waits = %d, want exactly one per failure", cooldowns)
	}
	if src.opens != 4 { // initial open + 3 reopens
		t.Errorf("opens = %d, want 4", src.opens)
	}
	if src.closes != 3 { // handle released before each reopen
		t.Errorf("closes = %d, want 3", src.closes)
	}
	if got := sup.Stats().Reopens; got != 3 {
		t.Errorf("Stats().Reopens = %d, want 3", got)
	}
}

func TestSupervisorReopenFailureIsTerminal(t *testing.T) {
	src := &fakeSource{readFails: 1, openErr: nil}
	sup := NewSupervisor(src, time.Second, time.Second)

	cooldowns := 0
	sup.sleep = countingSleep(&cooldowns)

	ctx := context.Background()
	if err := sup.Open(ctx); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if _, err := sup.ReadFrame(); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("ReadFrame() = %v, want ErrReadTimeout", err)
	}

	src.mu.Lock()
	src.openErr = errors.New("endpoint gone")
	src.mu.Unlock()

	if err := sup.Reopen(ctx); err == nil {
		t.Fatal("Reopen() with a dead endpoint succeeded")
	}
	if cooldowns != 1 {
		t.Errorf("cool-down waits = %d, want 1 (handle released, waited, open failed)", cooldowns)
	}
	if src.closes != 1 {
		t.Errorf("old handle releases = %d, want 1", src.closes)
	}
}

func TestSupervisorReopenCancelledDuringCooldown(t *testing.T) {
	src := &fakeSource{}
	sup := NewSupervisor(src, time.Second, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sup.Reopen(ctx); err == nil {
		t.Fatal("Reopen() with a cancelled context succeeded")
	}
	if src.opens != 0 {
		t.Errorf("opens = %d, want 0 (cancel must win over the cool-down)", src.opens)
	}
}

func TestSupervisorCloseReleasesExactlyOnce(t *testing.T) {
	src := &fakeSource{}
	sup := NewSupervisor(src, time.Second, time.Second)

	if err := sup.Open(context.Background()); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	sup.Close()
	sup.Close()
	sup.Close()

	if src.closes != 1 {
		t.Errorf("closes = %d, want exactly 1 across repeated shutdown paths", src.closes)
	}
}
