package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/visiona/patrol-sensor/internal/capture"
	"github.com/visiona/patrol-sensor/internal/detect"
	"github.com/visiona/patrol-sensor/internal/pathfeed"
	"github.com/visiona/patrol-sensor/internal/report"
)

// logCapture records log messages so gating dedup can be asserted.
type logCapture struct {
	mu   sync.Mutex
	msgs []string
}

func (h *logCapture) Enabled(context.Context, slog.Level) bool { return true }
func (h *logCapture) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h *logCapture) WithGroup(string) slog.Handler            { return h }

func (h *logCapture) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, r.Message)
	h.mu.Unlock()
	return nil
}

func (h *logCapture) count(substr string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

// fakeFrames scripts the stream supervisor.
type fakeFrames struct {
	mu        sync.Mutex
	readErr   error
	reopenErr error
	reads     int
	reopens   int
	seq       uint64
	onRead    func(reads int)
}

func (f *fakeFrames) ReadFrame() (*capture.Frame, error) {
	f.mu.Lock()
	f.reads++
	reads := f.reads
	err := f.readErr
	var frame *capture.Frame
	if err == nil {
		f.seq++
		frame = &capture.Frame{Seq: f.seq, Width: 640, Height: 480}
	}
	f.mu.Unlock()

	if f.onRead != nil {
		f.onRead(reads)
	}
	return frame, err
}

func (f *fakeFrames) Reopen(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopens++
	return f.reopenErr
}

// fakeDetector returns a scripted box list.
type fakeDetector struct {
	mu    sync.Mutex
	boxes []detect.Box
	err   error
	calls int
}

func (d *fakeDetector) Detect(ctx context.Context, frame *capture.Frame, params detect.Params) ([]detect.Box, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.boxes, d.err
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakePublisher records published envelopes.
type fakePublisher struct {
	mu   sync.Mutex
	envs []*report.Envelope
}

func (p *fakePublisher) Publish(ctx context.Context, env *report.Envelope) error {
	p.mu.Lock()
	p.envs = append(p.envs, env)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) published() []*report.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*report.Envelope(nil), p.envs...)
}

// smallBox covers ~20% of a 640x480 frame.
var smallBox = detect.Box{X1: 100, Y1: 100, X2: 348, Y2: 348, Width: 248, Height: 248}

// fullFrameBox covers ~95% of a 640x480 frame.
var fullFrameBox = detect.Box{X1: 0, Y1: 0, X2: 624, Y2: 468, Width: 624, Height: 468}

type harness struct {
	orch *Orchestrator
	slot *pathfeed.PathSlot
	det  *fakeDetector
	pub  *fakePublisher
	logs *logCapture
}

func newHarness(t *testing.T, frames FrameReader) *harness {
	t.Helper()
	h := &harness{
		slot: &pathfeed.PathSlot{},
		det:  &fakeDetector{},
		pub:  &fakePublisher{},
		logs: &logCapture{},
	}
	h.orch = New(Deps{
		Slot:      h.slot,
		Frames:    frames,
		Detector:  h.det,
		Publisher: h.pub,
		ModelType: "person",
		Approved:  []string{"a", "b"},
		Robot:     map[string]any{"id": "patrol-01"},
		Camera:    map[string]any{"id": "cam-front"},
		Location:  time.UTC,
		Logger:    slog.New(h.logs),
	})
	return h
}

func (h *harness) attempt(t *testing.T) {
	t.Helper()
	path, ok := h.slot.Load()
	h.orch.attemptDetection(context.Background(), path, ok, &capture.Frame{Seq: 1, Width: 640, Height: 480})
}

func TestInitialCadenceIsThreeSeconds(t *testing.T) {
	h := newHarness(t, &fakeFrames{})
	if h.orch.cadence != 3*time.Second {
		t.Errorf("initial cadence = %v, want 3s", h.orch.cadence)
	}
}

func TestGatingSuppressesPublishWithOneWarning(t *testing.T) {
	h := newHarness(t, &fakeFrames{})
	h.det.boxes = []detect.Box{smallBox}
	h.slot.Store(pathfeed.PathRecord{Name: "c"}) // not approved

	for i := 0; i < 5; i++ {
		h.attempt(t)
	}

	if got := len(h.pub.published()); got != 0 {
		t.Fatalf("published %d envelopes from an ineligible path", got)
	}
	if h.det.callCount() != 0 {
		t.Errorf("detector invoked %d times despite gating", h.det.callCount())
	}
	if got := h.logs.count("not in detection area"); got != 1 {
		t.Errorf("out-of-area warning logged %d times, want exactly 1", got)
	}

	// Back in the approved set: resume notice, warning re-armed.
	h.slot.Store(pathfeed.PathRecord{Name: "a"})
	h.attempt(t)
	if got := h.logs.count("back in detection area"); got != 1 {
		t.Errorf("resume notice logged %d times, want 1", got)
	}
	if got := len(h.pub.published()); got != 1 {
		t.Fatalf("published %d envelopes after re-entry, want 1", got)
	}

	// Leaving again warns once more (once per contiguous ineligible period).
	h.slot.Store(pathfeed.PathRecord{Name: "c"})
	h.attempt(t)
	h.attempt(t)
	if got := h.logs.count("not in detection area"); got != 2 {
		t.Errorf("warnings across two ineligible periods = %d, want 2", got)
	}
}

func TestEmptySlotGatesDetection(t *testing.T) {
	h := newHarness(t, &fakeFrames{})
	h.det.boxes = []detect.Box{smallBox}

	// No location has arrived yet; nothing may be published.
	h.attempt(t)
	if got := len(h.pub.published()); got != 0 {
		t.Errorf("published %d envelopes with no known location", got)
	}
}

func TestDetectionPublishesAndBacksOff(t *testing.T) {
	h := newHarness(t, &fakeFrames{})
	h.det.boxes = []detect.Box{smallBox}
	h.slot.Store(pathfeed.PathRecord{Name: "a"})

	h.attempt(t)

	envs := h.pub.published()
	if len(envs) != 1 {
		t.Fatalf("published %d envelopes, want 1", len(envs))
	}
	env := envs[0]
	if env.ModelType != "person" {
		t.Errorf("model_type = %q", env.ModelType)
	}
	if env.PeopleCount == nil || *env.PeopleCount != 1 {
		t.Errorf("people_count = %v, want 1", env.PeopleCount)
	}
	if len(env.BoundingBox) != 1 || env.BoundingBox[0] != smallBox {
		t.Errorf("bounding_box = %+v, want the unmodified surviving box", env.BoundingBox)
	}
	if h.orch.cadence != 15*time.Second {
		t.Errorf("cadence after a publish = %v, want 15s", h.orch.cadence)
	}
}

func TestEmptyCycleSetsModerateCadence(t *testing.T) {
	h := newHarness(t, &fakeFrames{})
	h.slot.Store(pathfeed.PathRecord{Name: "a"})

	h.attempt(t)

	if got := len(h.pub.published()); got != 0 {
		t.Fatalf("published %d envelopes on an empty cycle", got)
	}
	if h.orch.cadence != 7*time.Second {
		t.Errorf("cadence after an empty cycle = %v, want 7s", h.orch.cadence)
	}
}

func TestFullFrameDetectionIsDiscarded(t *testing.T) {
	h := newHarness(t, &fakeFrames{})
	h.det.boxes = []detect.Box{fullFrameBox}
	h.slot.Store(pathfeed.PathRecord{Name: "a"})

	h.attempt(t)

	if got := len(h.pub.published()); got != 0 {
		t.Fatalf("published %d envelopes for a spurious full-frame box", got)
	}
	if h.orch.cadence != 7*time.Second {
		t.Errorf("cadence = %v, want 7s (cycle counted as empty)", h.orch.cadence)
	}
}

func TestDetectorErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, &fakeFrames{})
	h.det.err = errors.New("inference sidecar down")
	h.slot.Store(pathfeed.PathRecord{Name: "a"})

	h.attempt(t)

	if got := len(h.pub.published()); got != 0 {
		t.Errorf("published %d envelopes from a failed inference", got)
	}
	if h.orch.cadence != 7*time.Second {
		t.Errorf("cadence = %v, want 7s", h.orch.cadence)
	}
}

func TestRunThrottlesByCadence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	frames := &fakeFrames{}
	frames.onRead = func(reads int) {
		if reads >= 10 {
			cancel()
		}
	}

	h := newHarness(t, frames)
	h.slot.Store(pathfeed.PathRecord{Name: "a"})

	// Freeze the clock: the first frame triggers an attempt, every later
	// frame falls inside the cadence window and is skipped.
	fixed := time.Now()
	h.orch.now = func() time.Time { return fixed }

	count, err := h.orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if count != 10 {
		t.Errorf("frames processed = %d, want 10", count)
	}
	if h.det.callCount() != 1 {
		t.Errorf("detector invoked %d times under a frozen clock, want 1", h.det.callCount())
	}
}

func TestRunAttemptsAgainOnceCadenceElapses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	frames := &fakeFrames{}
	frames.onRead = func(reads int) {
		if reads >= 4 {
			cancel()
		}
	}

	h := newHarness(t, frames)
	h.slot.Store(pathfeed.PathRecord{Name: "a"})

	// Advance the clock 10s per observation: every frame clears the
	// 3s/7s cadence window.
	base := time.Now()
	h.orch.now = func() time.Time {
		base = base.Add(10 * time.Second)
		return base
	}

	if _, err := h.orch.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if h.det.callCount() < 2 {
		t.Errorf("detector invoked %d times, want one attempt per elapsed window", h.det.callCount())
	}
}

func TestRunTerminatesWhenReopenFails(t *testing.T) {
	frames := &fakeFrames{
		readErr:   capture.ErrReadTimeout,
		reopenErr: errors.New("endpoint gone"),
	}
	h := newHarness(t, frames)

	count, err := h.orch.Run(context.Background())
	if err == nil {
		t.Fatal("Run() survived a failed reopen")
	}
	if count != 0 {
		t.Errorf("frames processed = %d, want 0 (no frame ever arrived)", count)
	}
	if frames.reopens != 1 {
		t.Errorf("reopen attempts = %d, want 1", frames.reopens)
	}
}

func TestRunRecoversAfterReopen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	frames := &fakeFrames{readErr: capture.ErrReadTimeout}
	var once sync.Once
	frames.onRead = func(reads int) {
		if reads >= 2 {
			// First read fails, reopen succeeds, reads flow again.
			once.Do(func() {
				frames.mu.Lock()
				frames.readErr = nil
				frames.mu.Unlock()
			})
		}
		if reads >= 5 {
			cancel()
		}
	}

	h := newHarness(t, frames)
	h.slot.Store(pathfeed.PathRecord{Name: "a"})

	count, err := h.orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed after recovery: %v", err)
	}
	if count == 0 {
		t.Error("no frames processed after the stream recovered")
	}
	if frames.reopens == 0 {
		t.Error("stream failure never triggered a reopen")
	}
}
