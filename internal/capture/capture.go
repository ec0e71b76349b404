// Package capture acquires video frames from a network stream and hides
// transient connectivity failures behind a supervisor with a fixed
// cool-down reconnect policy.
package capture

import (
	"context"
	"errors"
	"time"
)

// Frame is a single decoded video frame.
//
// Data is raw RGB (3 bytes per pixel) and is shared by reference: it must
// not be modified after the frame leaves the source.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source.
	Seq uint64
	// Timestamp is when the frame was decoded.
	Timestamp time.Time
	// Width in pixels.
	Width int
	// Height in pixels.
	Height int
	// Data contains the raw RGB frame bytes.
	Data []byte
	// TraceID is a unique identifier for correlating a frame across logs.
	TraceID string
}

// Source is a video source that can be opened, read, and fully released.
//
// Implementations must guarantee:
//   - Read blocks at most for the given timeout
//   - Close releases every underlying handle and is idempotent
//   - after Close, the source may be opened again
type Source interface {
	Open(ctx context.Context) error
	Read(timeout time.Duration) (*Frame, error)
	Close() error
}

// Options fixes the quality/latency trade-off at open time.
type Options struct {
	// URL is the stream location (required).
	URL string
	// Width and Height are the decoded frame dimensions.
	Width  int
	Height int
	// TargetFPS caps the decode rate.
	TargetFPS float64
}

var (
	// ErrReadTimeout reports that no frame arrived within the read timeout.
	ErrReadTimeout = errors.New("capture: frame read timed out")
	// ErrSourceClosed reports a read from a released source.
	ErrSourceClosed = errors.New("capture: source closed")
)
