// Command patrold runs the edge detection pipeline: it consumes one RTSP
// stream, polls the robot's location feed in the background, and reports
// location-gated detections to the central collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visiona/patrol-sensor/internal/capture"
	"github.com/visiona/patrol-sensor/internal/config"
	"github.com/visiona/patrol-sensor/internal/detect"
	"github.com/visiona/patrol-sensor/internal/orchestrator"
	"github.com/visiona/patrol-sensor/internal/pathfeed"
	"github.com/visiona/patrol-sensor/internal/report"
)

const version = "v0.1.0"

func main() {
	var (
		modelType  = flag.String("type", "person", "Model type (e.g. person, pets, vehicle)")
		streamURL  = flag.String("stream", "rtsp://localhost:8554/patrol", "RTSP stream URL")
		configPath = flag.String("config", "config.yaml", "Path to the config file")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("patrold starting",
		"version", version,
		"model_type", *modelType,
		"stream", *streamURL,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(logger, err)
	}

	// Resolve every model- and stream-keyed table up front; a missing
	// entry is a startup fault, not something to discover mid-loop.
	modelPath, err := cfg.ModelPath(*modelType)
	if err != nil {
		fatal(logger, err)
	}
	confidence, err := cfg.ConfidenceFor(*modelType)
	if err != nil {
		fatal(logger, err)
	}
	classes, err := cfg.ClassList(*modelType)
	if err != nil {
		fatal(logger, err)
	}
	robotMeta, err := cfg.RobotMeta(*streamURL)
	if err != nil {
		fatal(logger, err)
	}
	cameraMeta, err := cfg.CameraMeta(*streamURL)
	if err != nil {
		fatal(logger, err)
	}
	loc, err := cfg.Location()
	if err != nil {
		fatal(logger, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, stopping gracefully")
		cancel()
	}()

	frames, err := run(ctx, cfg, *modelType, modelPath, *streamURL, confidence, classes, robotMeta, cameraMeta, loc, logger)
	logger.Info("total frames processed", "frames", frames)
	if err != nil && ctx.Err() == nil {
		logger.Error("pipeline stopped on stream failure", "error", err)
	}
}

func run(
	ctx context.Context,
	cfg *config.Config,
	modelType, modelPath, streamURL string,
	confidence float64,
	classes []int,
	robotMeta, cameraMeta map[string]any,
	loc *time.Location,
	logger *slog.Logger,
) (uint64, error) {
	// Background location poller feeding the shared slot.
	slot := &pathfeed.PathSlot{}
	client := pathfeed.NewClient(cfg.PathFeed.BaseURL, cfg.PathFeed.TimeoutDuration())
	poller := pathfeed.NewPoller(client, slot, cfg.PathFeed.PollIntervalDuration(), config.DefaultPollJoinTimeout)
	poller.Start(ctx)
	defer poller.Stop()

	// Stream acquisition under supervision.
	source, err := capture.NewRTSPSource(capture.Options{
		URL:       streamURL,
		Width:     cfg.Stream.Width,
		Height:    cfg.Stream.Height,
		TargetFPS: cfg.Stream.FPS,
	})
	if err != nil {
		return 0, err
	}
	supervisor := capture.NewSupervisor(source, cfg.Stream.ReadTimeoutDuration(), cfg.Stream.CooldownDuration())
	if err := supervisor.Open(ctx); err != nil {
		return 0, err
	}
	defer supervisor.Close()

	detector := detect.NewRemoteDetector(cfg.Detector.Addr)
	defer detector.Close()

	publisher, closePub, err := buildPublisher(cfg)
	if err != nil {
		return 0, err
	}
	defer closePub()

	orch := orchestrator.New(orchestrator.Deps{
		Slot:      slot,
		Frames:    supervisor,
		Detector:  detector,
		Publisher: publisher,
		ModelType: modelType,
		Params: detect.Params{
			ModelPath:  modelPath,
			Confidence: confidence,
			Classes:    classes,
		},
		Approved: cfg.Detection.ApprovedPaths,
		Cadence: orchestrator.Cadence{
			Initial: cfg.Detection.InitialCadenceDuration(),
			Active:  cfg.Detection.ActiveCadenceDuration(),
			Idle:    cfg.Detection.IdleCadenceDuration(),
		},
		Robot:    robotMeta,
		Camera:   cameraMeta,
		Location: loc,
		Logger:   logger,
	})

	return orch.Run(ctx)
}

// buildPublisher assembles the HTTP publisher, fanned out with MQTT when
// the optional broker feed is enabled.
func buildPublisher(cfg *config.Config) (report.Publisher, func(), error) {
	httpPub := report.NewHTTPPublisher(cfg.API.PostEndpoint, cfg.API.TimeoutDuration())
	if !cfg.MQTT.Enabled {
		return httpPub, func() {}, nil
	}

	mqttPub, err := report.NewMQTTPublisher(
		cfg.MQTT.Broker,
		cfg.MQTT.ClientID,
		cfg.MQTT.Topic,
		cfg.API.TimeoutDuration(),
	)
	if err != nil {
		return nil, nil, err
	}
	return report.Fanout{httpPub, mqttPub}, mqttPub.Close, nil
}

func fatal(logger *slog.Logger, err error) {
	logger.Error("startup failed", "error", err)
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
