package capture

import (
	"errors"
	"testing"
	"time"
)

func TestMailboxPutTake(t *testing.T) {
	m := newFrameMailbox()
	m.put(&Frame{Seq: 1})

	f, err := m.take(time.Second)
	if err != nil {
		t.Fatalf("take() failed: %v", err)
	}
	if f.Seq != 1 {
		t.Errorf("seq = %d, want 1", f.Seq)
	}
}

func TestMailboxOverwritesUnconsumed(t *testing.T) {
	m := newFrameMailbox()
	m.put(&Frame{Seq: 1})
	m.put(&Frame{Seq: 2})
	m.put(&Frame{Seq: 3})

	f, err := m.take(time.Second)
	if err != nil {
		t.Fatalf("take() failed: %v", err)
	}
	if f.Seq != 3 {
		t.Errorf("reader got seq %d, want the freshest frame (3)", f.Seq)
	}
	if got := m.dropped(); got != 2 {
		t.Errorf("drops = %d, want 2", got)
	}
}

func TestMailboxTakeTimesOut(t *testing.T) {
	m := newFrameMailbox()

	start := time.Now()
	_, err := m.take(50 * time.Millisecond)
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("take() on empty mailbox = %v, want ErrReadTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("take() blocked %v past its timeout", elapsed)
	}
}

func TestMailboxTakeWakesOnPut(t *testing.T) {
	m := newFrameMailbox()

	got := make(chan *Frame, 1)
	go func() {
		f, _ := m.take(2 * time.Second)
		got <- f
	}()

	time.Sleep(20 * time.Millisecond)
	m.put(&Frame{Seq: 7})

	select {
	case f := <-got:
		if f == nil || f.Seq != 7 {
			t.Fatalf("blocked take() returned %+v, want seq 7", f)
		}
	case <-time.After(time.Second):
		t.Fatal("put() did not wake the blocked reader")
	}
}

func TestMailboxCloseUnblocksReader(t *testing.T) {
	m := newFrameMailbox()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.take(5 * time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSourceClosed) {
			t.Fatalf("take() after close = %v, want ErrSourceClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close() did not unblock the reader")
	}

	// put after close is a no-op.
	m.put(&Frame{Seq: 9})
	if _, err := m.take(10 * time.Millisecond); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("take() on closed mailbox = %v, want ErrSourceClosed", err)
	}
}
