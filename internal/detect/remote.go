package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/visiona/patrol-sensor/internal/capture"
)

// RemoteDetector talks to an inference sidecar over websocket. Each Detect
// call sends a JSON request header (model, confidence, classes) followed by
// the JPEG-encoded frame as a binary message, then reads one JSON reply
// holding the detected boxes.
//
// The connection is dialed lazily and redialed on the next call after any
// failure. Detect is synchronous; the orchestrator blocks on it by design.
type RemoteDetector struct {
	serverURL   string
	jpegQuality int

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRemoteDetector builds a detector for ws://{addr}/ws.
func NewRemoteDetector(addr string) *RemoteDetector {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	return &RemoteDetector{
		serverURL:   u.String(),
		jpegQuality: 90,
	}
}

// Detect runs one inference round-trip for the frame.
func (d *RemoteDetector) Detect(ctx context.Context, frame *capture.Frame, params Params) ([]Box, error) {
	payload, err := encodeJPEG(frame, d.jpegQuality)
	if err != nil {
		return nil, fmt.Errorf("detect: frame encode failed: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteJSON(params); err != nil {
		d.dropConn()
		return nil, fmt.Errorf("detect: request write failed: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		d.dropConn()
		return nil, fmt.Errorf("detect: frame write failed: %w", err)
	}

	var boxes []Box
	if err := conn.ReadJSON(&boxes); err != nil {
		d.dropConn()
		return nil, fmt.Errorf("detect: result read failed: %w", err)
	}

	slog.Debug("detect: inference complete",
		"trace_id", frame.TraceID,
		"boxes", len(boxes),
	)
	return boxes, nil
}

// ensureConn dials the sidecar if no connection is held. Callers hold d.mu.
func (d *RemoteDetector) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if d.conn != nil {
		return d.conn, nil
	}

	slog.Info("detect: connecting to inference server", "url", d.serverURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("detect: dial failed: %w", err)
	}

	d.conn = conn
	return conn, nil
}

// dropConn closes and forgets the connection so the next Detect redials.
// Callers hold d.mu.
func (d *RemoteDetector) dropConn() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// Close releases the connection if one is held.
func (d *RemoteDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropConn()
	return nil
}

// encodeJPEG converts a raw RGB frame into JPEG bytes for the wire.
func encodeJPEG(frame *capture.Frame, quality int) ([]byte, error) {
	expected := frame.Width * frame.Height * 3
	if len(frame.Data) != expected {
		return nil, fmt.Errorf("invalid RGB data size: got %d bytes, expected %d (%dx%d*3)",
			len(frame.Data), expected, frame.Width, frame.Height)
	}

	img := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for i, j := 0, 0; i < expected; i, j = i+3, j+4 {
		img.Pix[j+0] = frame.Data[i+0]
		img.Pix[j+1] = frame.Data[i+1]
		img.Pix[j+2] = frame.Data[i+2]
		img.Pix[j+3] = 0xff
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
