// Package detect defines the object-detection contract consumed by the
// orchestrator and a remote inference implementation over websocket.
package detect

import (
	"context"

	"github.com/visiona/patrol-sensor/internal/capture"
)

// Box is a pixel-space axis-aligned detection rectangle. X2 >= X1 and
// Y2 >= Y1 in frame coordinates.
type Box struct {
	X1     int `json:"x1"`
	Y1     int `json:"y1"`
	X2     int `json:"x2"`
	Y2     int `json:"y2"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Params selects the per-model inference settings.
type Params struct {
	ModelPath  string  `json:"model"`
	Confidence float64 `json:"confidence"`
	Classes    []int   `json:"classes"`
}

// Detector runs object detection on a single frame. Confidence filtering
// is applied inside the detector; callers receive boxes only.
type Detector interface {
	Detect(ctx context.Context, frame *capture.Frame, params Params) ([]Box, error)
}

// MaxAreaRatio is the fraction of the frame area above which a box is
// treated as a spurious full-frame detection and discarded.
const MaxAreaRatio = 0.9

// FilterBoxes drops boxes covering maxRatio or more of the frame area.
// Surviving boxes keep their coordinates untouched.
func FilterBoxes(boxes []Box, frameWidth, frameHeight int, maxRatio float64) []Box {
	frameArea := float64(frameWidth * frameHeight)
	if frameArea <= 0 {
		return nil
	}

	kept := make([]Box, 0, len(boxes))
	for _, b := range boxes {
		area := float64((b.X2 - b.X1) * (b.Y2 - b.Y1))
		if area/frameArea < maxRatio {
			kept = append(kept, b)
		}
	}
	return kept
}
