// Package config loads the YAML configuration document that drives the
// patrol sensor: model registry, collector endpoints, per-model detection
// tables and per-stream robot/camera metadata.
//
// Model-keyed lookups are fail-fast: a missing entry is a startup error
// that names the missing key and lists the keys that exist.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the document omits a value.
const (
	DefaultPostEndpoint = "http://post-server:8080/api/detections"
	DefaultAPITimeout   = 10 * time.Second

	DefaultPathFeedBase     = "http://path-server:8081"
	DefaultPollInterval     = 5 * time.Second
	DefaultPathFeedTimeout  = 5 * time.Second
	DefaultPollJoinTimeout  = 5 * time.Second

	DefaultFrameWidth  = 640
	DefaultFrameHeight = 480
	DefaultTargetFPS   = 15.0
	DefaultReadTimeout = 60 * time.Second
	DefaultCooldown    = 10 * time.Second

	DefaultInitialCadence = 3 * time.Second
	DefaultActiveCadence  = 15 * time.Second
	DefaultIdleCadence    = 7 * time.Second
	DefaultMaxAreaRatio   = 0.9

	DefaultTimezone     = "Asia/Hong_Kong"
	DefaultDetectorAddr = "localhost:8080"
)

// APIConfig configures the detection collector endpoint.
type APIConfig struct {
	PostEndpoint string `yaml:"post_endpoint"`
	Timeout      int    `yaml:"timeout"` // seconds
}

// PathFeedConfig configures the location feed poller.
type PathFeedConfig struct {
	BaseURL      string `yaml:"base_url"`
	PollInterval int    `yaml:"poll_interval"` // seconds
	Timeout      int    `yaml:"timeout"`       // seconds
}

// StreamConfig configures RTSP acquisition.
type StreamConfig struct {
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	FPS         float64 `yaml:"fps"`
	ReadTimeout int     `yaml:"read_timeout"` // seconds
	Cooldown    int     `yaml:"cooldown"`     // seconds between release and reopen
}

// DetectionConfig configures gating and cadence.
type DetectionConfig struct {
	ApprovedPaths  []string `yaml:"approved_paths"`
	InitialCadence int      `yaml:"initial_cadence"` // seconds
	ActiveCadence  int      `yaml:"active_cadence"`  // seconds, after a publish
	IdleCadence    int      `yaml:"idle_cadence"`    // seconds, after an empty cycle
}

// DetectorConfig configures the remote inference sidecar.
type DetectorConfig struct {
	Addr string `yaml:"addr"`
}

// MQTTConfig configures the optional MQTT result feed.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Config is the full configuration document.
type Config struct {
	Models     map[string]string         `yaml:"models"`
	API        APIConfig                 `yaml:"api"`
	PathFeed   PathFeedConfig            `yaml:"pathfeed"`
	Stream     StreamConfig              `yaml:"stream"`
	Detection  DetectionConfig           `yaml:"detection"`
	Detector   DetectorConfig            `yaml:"detector"`
	Robot      map[string]map[string]any `yaml:"robot"`
	Camera     map[string]map[string]any `yaml:"camera"`
	Classes    map[string][]int          `yaml:"classes"`
	Confidence map[string]float64        `yaml:"confidence"`
	Timezone   string                    `yaml:"timezone"`
	MQTT       MQTTConfig                `yaml:"mqtt"`
}

// Load reads and parses the configuration file at path, then fills defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.PostEndpoint == "" {
		c.API.PostEndpoint = DefaultPostEndpoint
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = int(DefaultAPITimeout.Seconds())
	}
	if c.PathFeed.BaseURL == "" {
		c.PathFeed.BaseURL = DefaultPathFeedBase
	}
	if c.PathFeed.PollInterval <= 0 {
		c.PathFeed.PollInterval = int(DefaultPollInterval.Seconds())
	}
	if c.PathFeed.Timeout <= 0 {
		c.PathFeed.Timeout = int(DefaultPathFeedTimeout.Seconds())
	}
	if c.Stream.Width <= 0 {
		c.Stream.Width = DefaultFrameWidth
	}
	if c.Stream.Height <= 0 {
		c.Stream.Height = DefaultFrameHeight
	}
	if c.Stream.FPS <= 0 {
		c.Stream.FPS = DefaultTargetFPS
	}
	if c.Stream.ReadTimeout <= 0 {
		c.Stream.ReadTimeout = int(DefaultReadTimeout.Seconds())
	}
	if c.Stream.Cooldown <= 0 {
		c.Stream.Cooldown = int(DefaultCooldown.Seconds())
	}
	if c.Detection.InitialCadence <= 0 {
		c.Detection.InitialCadence = int(DefaultInitialCadence.Seconds())
	}
	if c.Detection.ActiveCadence <= 0 {
		c.Detection.ActiveCadence = int(DefaultActiveCadence.Seconds())
	}
	if c.Detection.IdleCadence <= 0 {
		c.Detection.IdleCadence = int(DefaultIdleCadence.Seconds())
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Detector.Addr == "" {
		c.Detector.Addr = DefaultDetectorAddr
	}
}

// lookup fetches table[key] or reports the available keys, so a misconfigured
// model type fails loudly at startup instead of deep inside the loop.
func lookup[V any](table map[string]V, section, key string) (V, error) {
	v, ok := table[key]
	if !ok {
		keys := make([]string, 0, len(table))
		for k := range table {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var zero V
		return zero, fmt.Errorf("config: %q not found in %s (available: %v)", key, section, keys)
	}
	return v, nil
}

// ModelPath returns the model file registered for the given model type.
func (c *Config) ModelPath(modelType string) (string, error) {
	return lookup(c.Models, "models", modelType)
}

// ConfidenceFor returns the confidence threshold for the given model type.
func (c *Config) ConfidenceFor(modelType string) (float64, error) {
	return lookup(c.Confidence, "confidence", modelType)
}

// classedModels are the model families that must carry an explicit class
// list; any other model type detects class 0 only.
var classedModels = map[string]bool{
	"bicycle": true,
	"pets":    true,
	"vehicle": true,
	"person":  true,
}

// ClassList returns the allowed object classes for the given model type.
func (c *Config) ClassList(modelType string) ([]int, error) {
	if classedModels[modelType] {
		return lookup(c.Classes, "classes", modelType)
	}
	return []int{0}, nil
}

// RobotMeta returns the robot metadata registered for the given stream.
func (c *Config) RobotMeta(streamID string) (map[string]any, error) {
	return lookup(c.Robot, "robot", streamID)
}

// CameraMeta returns the camera metadata registered for the given stream.
func (c *Config) CameraMeta(streamID string) (map[string]any, error) {
	return lookup(c.Camera, "camera", streamID)
}

// Location resolves the configured reporting timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Duration helpers: the document stores whole seconds the way the collector
// side expects them; components consume time.Duration.

func (a APIConfig) TimeoutDuration() time.Duration { return time.Duration(a.Timeout) * time.Second }

func (p PathFeedConfig) PollIntervalDuration() time.Duration {
	return time.Duration(p.PollInterval) * time.Second
}

func (p PathFeedConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

func (s StreamConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s StreamConfig) CooldownDuration() time.Duration {
	return time.Duration(s.Cooldown) * time.Second
}

func (d DetectionConfig) InitialCadenceDuration() time.Duration {
	return time.Duration(d.InitialCadence) * time.Second
}

func (d DetectionConfig) ActiveCadenceDuration() time.Duration {
	return time.Duration(d.ActiveCadence) * time.Second
}

func (d DetectionConfig) IdleCadenceDuration() time.Duration {
	return time.Duration(d.IdleCadence) * time.Second
}
