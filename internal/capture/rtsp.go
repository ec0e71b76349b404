package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// RTSPSource implements Source using a GStreamer decode pipeline:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter → appsink
//
// The appsink keeps a single buffer and drops old frames, so reads see the
// freshest frame at the cost of completeness. Decoded frames land in a
// single-slot mailbox that Read pulls from with a bounded wait.
type RTSPSource struct {
	url       string
	width     int
	height    int
	targetFPS float64

	mu       sync.Mutex
	pipeline *gst.Pipeline
	mbox     *frameMailbox
	watch    sync.WaitGroup
	stopBus  context.CancelFunc
	opened   bool

	seq       uint64
	bytesRead uint64
}

// NewRTSPSource validates the options and returns an unopened source.
func NewRTSPSource(opts Options) (*RTSPSource, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("capture: stream URL is required")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid frame dimensions %dx%d", opts.Width, opts.Height)
	}
	if opts.TargetFPS < 0.1 || opts.TargetFPS > 30 {
		return nil, fmt.Errorf("capture: invalid FPS %.2f (must be 0.1-30)", opts.TargetFPS)
	}
	return &RTSPSource{
		url:       opts.URL,
		width:     opts.Width,
		height:    opts.Height,
		targetFPS: opts.TargetFPS,
	}, nil
}

// Open builds the pipeline, wires the appsink callback into the mailbox
// and moves the pipeline to PLAYING. Frames arrive asynchronously once the
// pipeline settles.
func (s *RTSPSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return fmt.Errorf("capture: source already open")
	}

	gst.Init(nil)

	pipeline, appsink, rtspsrc, depay, err := s.buildPipeline()
	if err != nil {
		return err
	}

	mbox := newFrameMailbox()

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink, mbox)
		},
	})

	// rtspsrc pads are dynamic; link to the depayloader when they appear.
	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			slog.Error("capture: failed to get depayloader sink pad")
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Error("capture: failed to link rtspsrc pad",
				"pad", srcPad.GetName(),
				"ret", ret,
			)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("capture: failed to start pipeline: %w", err)
	}

	busCtx, stopBus := context.WithCancel(context.Background())
	s.pipeline = pipeline
	s.mbox = mbox
	s.stopBus = stopBus
	s.opened = true

	s.watch.Add(1)
	go s.watchBus(busCtx, pipeline, mbox)

	slog.Info("capture: RTSP source opened",
		"url", s.url,
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
		"target_fps", s.targetFPS,
	)
	return nil
}

func (s *RTSPSource) buildPipeline() (*gst.Pipeline, *app.Sink, *gst.Element, *gst.Element, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", s.url)
	rtspsrc.SetProperty("protocols", 4) // TCP only
	rtspsrc.SetProperty("latency", 200)
	rtspsrc.SetProperty("tcp-timeout", uint64(10000000)) // 10s, microseconds

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create rtph264depay: %w", err)
	}

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(framerateCaps(s.width, s.height, s.targetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1) // keep only the latest frame
	appsink.SetProperty("drop", true)

	pipeline.AddMany(rtspsrc, depay, decoder, converter, scaler, videorate, capsfilter, appsink.Element)

	if err := gst.ElementLinkMany(depay, decoder, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("capture: failed to link pipeline elements: %w", err)
	}

	return pipeline, appsink, rtspsrc, depay, nil
}

// framerateCaps builds the RGB caps string with the target framerate as a
// fraction (whole rates as n/1, fractional rates as 10n/10).
func framerateCaps(width, height int, fps float64) string {
	num, den := int(fps), 1
	if fps != float64(int(fps)) {
		num, den = int(fps*10), 10
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, num, den)
}

// onNewSample copies the decoded buffer out of GStreamer and publishes it
// to the mailbox. A corrupt sample skips the frame, never kills the stream.
func (s *RTSPSource) onNewSample(sink *app.Sink, mbox *frameMailbox) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("capture: empty buffer received")
		return gst.FlowOK
	}

	// Copy out: GStreamer reuses the buffer after Unmap.
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(&s.seq, 1)
	atomic.AddUint64(&s.bytesRead, uint64(len(frameData)))

	mbox.put(&Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	})

	return gst.FlowOK
}

// watchBus surfaces pipeline errors by closing the mailbox, which turns a
// blocked Read into ErrSourceClosed and lets the supervisor reopen.
func (s *RTSPSource) watchBus(ctx context.Context, pipeline *gst.Pipeline, mbox *frameMailbox) {
	defer s.watch.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("capture: end of stream received", "url", s.url)
			mbox.close()
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"url", s.url,
			)
			mbox.close()
			return
		}
	}
}

// Read returns the next frame, waiting up to timeout. ErrReadTimeout and
// ErrSourceClosed both signal the caller to reopen.
func (s *RTSPSource) Read(timeout time.Duration) (*Frame, error) {
	s.mu.Lock()
	mbox := s.mbox
	s.mu.Unlock()

	if mbox == nil {
		return nil, ErrSourceClosed
	}
	return mbox.take(timeout)
}

// Close fully releases the pipeline. Idempotent; after Close the source can
// be opened again.
func (s *RTSPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}

	s.stopBus()
	s.mbox.close()

	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		slog.Error("capture: failed to stop pipeline", "error", err)
	}

	s.watch.Wait()

	slog.Info("capture: RTSP source closed",
		"url", s.url,
		"frames_decoded", atomic.LoadUint64(&s.seq),
		"frames_dropped", s.mbox.dropped(),
	)

	s.pipeline = nil
	s.mbox = nil
	s.stopBus = nil
	s.opened = false
	return nil
}
