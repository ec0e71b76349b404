// Package report assembles detection result envelopes and publishes them
// to the collector. Publishing is fire-and-forget: one attempt, failures
// logged by the caller, no acknowledgement tracking.
package report

import (
	"time"

	"github.com/visiona/patrol-sensor/internal/detect"
)

// TimeLayout is the zone-local timestamp format the collector expects.
const TimeLayout = "2006-01-02 15:04:05"

// Pose is the robot pose at detection time. The upstream feed used a
// duplicate "y" key for yaw, which JSON cannot carry; yaw gets its own key.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"r"`
	Pitch float64 `json:"p"`
	Yaw   float64 `json:"yaw"`
}

// Envelope is one reported detection cycle. It is built fresh per cycle
// and immutable once handed to a Publisher. PeopleCount is attached only
// on cycles that publish (at least one surviving box).
type Envelope struct {
	ModelType   string         `json:"model_type"`
	Time        string         `json:"time"`
	Robot       map[string]any `json:"robot"`
	Camera      map[string]any `json:"camera"`
	Pose        Pose           `json:"pose"`
	BoundingBox []detect.Box   `json:"bounding_box"`
	PeopleCount *int           `json:"people_count,omitempty"`
}

// Stamp formats t as the collector's zone-local timestamp.
func Stamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(TimeLayout)
}
