package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Publisher delivers one envelope to a collector. Implementations make a
// single attempt; retry policy belongs to nobody (fire-and-forget).
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// HTTPPublisher POSTs envelopes as JSON to the configured collector
// endpoint with a bounded request timeout.
type HTTPPublisher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPPublisher builds a publisher for the given endpoint.
func NewHTTPPublisher(endpoint string, timeout time.Duration) *HTTPPublisher {
	return &HTTPPublisher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Publish sends the envelope. Non-2xx responses and transport faults are
// returned as errors; the caller logs and moves on.
func (p *HTTPPublisher) Publish(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("report: envelope marshal failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: request build failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("report: post to %s failed: %w", p.endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("report: collector returned status %d", resp.StatusCode)
	}

	slog.Info("report: envelope posted",
		"endpoint", p.endpoint,
		"boxes", len(env.BoundingBox),
	)
	return nil
}

// Fanout publishes to every target, returning the first error after all
// targets were attempted.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, env *Envelope) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
