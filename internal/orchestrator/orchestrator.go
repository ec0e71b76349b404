// Package orchestrator runs the detection main loop: read the current
// path, read the next frame, throttle by adaptive cadence, gate by
// approved locations, detect, filter, assemble and publish.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/visiona/patrol-sensor/internal/capture"
	"github.com/visiona/patrol-sensor/internal/detect"
	"github.com/visiona/patrol-sensor/internal/pathfeed"
	"github.com/visiona/patrol-sensor/internal/report"
)

// FrameReader is the slice of the stream supervisor the loop needs.
// *capture.Supervisor satisfies it.
type FrameReader interface {
	ReadFrame() (*capture.Frame, error)
	Reopen(ctx context.Context) error
}

// Cadence groups the adaptive pacing intervals. The loop starts at
// Initial, backs off to Active once something is detected (near-duplicate
// reports help nobody) and settles at Idle while nothing is happening.
type Cadence struct {
	Initial time.Duration
	Active  time.Duration
	Idle    time.Duration
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Slot      *pathfeed.PathSlot
	Frames    FrameReader
	Detector  detect.Detector
	Publisher report.Publisher

	ModelType    string
	Params       detect.Params
	Approved     []string
	Cadence      Cadence
	MaxAreaRatio float64

	Robot    map[string]any
	Camera   map[string]any
	Location *time.Location

	Logger *slog.Logger
}

// Orchestrator owns the per-iteration control state. Not safe for
// concurrent use; exactly one loop runs per process.
type Orchestrator struct {
	slot     *pathfeed.PathSlot
	frames   FrameReader
	detector detect.Detector
	pub      report.Publisher

	modelType    string
	params       detect.Params
	approved     map[string]bool
	cadenceCfg   Cadence
	maxAreaRatio float64

	robot  map[string]any
	camera map[string]any
	loc    *time.Location
	log    *slog.Logger

	// Loop state, mutated only by Run's goroutine.
	cadence     time.Duration
	lastAttempt time.Time
	warned      bool
	frameCount  uint64

	// now is swapped in tests to drive cadence without waiting.
	now func() time.Time
}

// New builds an orchestrator. Zero-valued optional deps get defaults.
func New(d Deps) *Orchestrator {
	approved := make(map[string]bool, len(d.Approved))
	for _, p := range d.Approved {
		approved[p] = true
	}

	if d.Cadence.Initial <= 0 {
		d.Cadence.Initial = 3 * time.Second
	}
	if d.Cadence.Active <= 0 {
		d.Cadence.Active = 15 * time.Second
	}
	if d.Cadence.Idle <= 0 {
		d.Cadence.Idle = 7 * time.Second
	}
	if d.MaxAreaRatio <= 0 {
		d.MaxAreaRatio = detect.MaxAreaRatio
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	return &Orchestrator{
		slot:         d.Slot,
		frames:       d.Frames,
		detector:     d.Detector,
		pub:          d.Publisher,
		modelType:    d.ModelType,
		params:       d.Params,
		approved:     approved,
		cadenceCfg:   d.Cadence,
		maxAreaRatio: d.MaxAreaRatio,
		robot:        d.Robot,
		camera:       d.Camera,
		loc:          d.Location,
		log:          d.Logger,
		cadence:      d.Cadence.Initial,
		now:          time.Now,
	}
}

// Run drives the loop until ctx is cancelled or the stream cannot be
// reopened. It returns the number of frames processed either way; the
// error is non-nil only for the terminal stream failure.
func (o *Orchestrator) Run(ctx context.Context) (uint64, error) {
	o.log.Info("orchestrator: loop started",
		"model_type", o.modelType,
		"approved_paths", len(o.approved),
		"cadence", o.cadence,
	)

	for {
		if ctx.Err() != nil {
			o.log.Info("orchestrator: loop cancelled", "frames", o.frameCount)
			return o.frameCount, nil
		}

		path, havePath := o.slot.Load()

		frame, err := o.frames.ReadFrame()
		if err != nil {
			o.log.Warn("orchestrator: frame read failed", "error", err)
			if ctx.Err() != nil {
				return o.frameCount, nil
			}
			if err := o.frames.Reopen(ctx); err != nil {
				if ctx.Err() != nil {
					return o.frameCount, nil
				}
				o.log.Error("orchestrator: stream reopen failed, stopping", "error", err)
				return o.frameCount, err
			}
			continue
		}
		o.frameCount++

		if o.now().Sub(o.lastAttempt) < o.cadence {
			continue
		}

		o.attemptDetection(ctx, path, havePath, frame)
	}
}

// attemptDetection runs one gated detection cycle for a frame that passed
// the cadence throttle.
func (o *Orchestrator) attemptDetection(ctx context.Context, path pathfeed.PathRecord, havePath bool, frame *capture.Frame) {
	if !havePath || !o.approved[path.Name] {
		if !o.warned {
			o.log.Warn("orchestrator: current path not in detection area, skipping",
				"path", path.Name,
			)
			o.warned = true
		}
		o.lastAttempt = o.now()
		return
	}
	if o.warned {
		o.log.Info("orchestrator: path back in detection area, resuming",
			"path", path.Name,
		)
		o.warned = false
	}

	boxes, err := o.detector.Detect(ctx, frame, o.params)
	if err != nil {
		// A failed inference cycle yields no result; the loop carries on.
		o.log.Error("orchestrator: detection failed", "error", err, "trace_id", frame.TraceID)
		boxes = nil
	}

	kept := detect.FilterBoxes(boxes, frame.Width, frame.Height, o.maxAreaRatio)

	env := &report.Envelope{
		ModelType:   o.modelType,
		Time:        report.Stamp(o.now(), o.loc),
		Robot:       o.robot,
		Camera:      o.camera,
		Pose:        o.robotPose(),
		BoundingBox: kept,
	}

	if len(kept) > 0 {
		count := len(kept)
		env.PeopleCount = &count
		if err := o.pub.Publish(ctx, env); err != nil {
			o.log.Warn("orchestrator: publish failed", "error", err)
		}
		o.cadence = o.cadenceCfg.Active
	} else {
		o.cadence = o.cadenceCfg.Idle
	}

	o.log.Info("orchestrator: detection cycle complete",
		"frame", frame.Seq,
		"boxes", len(kept),
		"next_cadence", o.cadence,
	)
	o.lastAttempt = o.now()
}

// robotPose returns the pose reported in envelopes.
// TODO: read the live pose from the robot controller feed once it is
// exposed; the controller currently publishes no pose endpoint.
func (o *Orchestrator) robotPose() report.Pose {
	return report.Pose{}
}

// FrameCount reports frames processed so far.
func (o *Orchestrator) FrameCount() uint64 { return o.frameCount }
