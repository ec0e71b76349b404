// Package pathfeed tracks the robot's current path by polling the
// location feed over HTTP and publishing the latest known value into a
// lock-guarded slot the detection loop reads without blocking.
package pathfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// PathRecord names the path/zone the robot is currently in.
type PathRecord struct {
	Name string
}

// Reason classifies why a fetch yielded no usable record. A tagged reason
// keeps "absent" unambiguous: a transport fault, a garbled body and an
// explicit error status are different conditions and are logged as such.
type Reason int

const (
	ReasonTransport Reason = iota
	ReasonHTTPStatus
	ReasonBadJSON
	ReasonErrorStatus
	ReasonNoDetection
	ReasonNoPathName
)

func (r Reason) String() string {
	switch r {
	case ReasonTransport:
		return "transport"
	case ReasonHTTPStatus:
		return "http_status"
	case ReasonBadJSON:
		return "bad_json"
	case ReasonErrorStatus:
		return "error_status"
	case ReasonNoDetection:
		return "no_detection"
	case ReasonNoPathName:
		return "no_path_name"
	default:
		return "unknown"
	}
}

// FetchError is the structured parse-failure result of a Fetch.
type FetchError struct {
	Reason Reason
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pathfeed: fetch failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pathfeed: fetch failed (%s)", e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Err }

type feedEnvelope struct {
	Status    string         `json:"status"`
	Detection *feedDetection `json:"detection"`
}

type feedDetection struct {
	InPathName string `json:"InPathName"`
}

// Client performs one bounded GET against the location feed per Fetch call.
// It holds no state; retry cadence belongs to the Poller.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a client for {baseURL}/api/detections with the given
// request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/detections",
		http:     &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the resolved feed URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Fetch retrieves the newest location record. Every failure mode returns a
// *FetchError; nothing is retried here.
func (c *Client) Fetch(ctx context.Context) (PathRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return PathRecord{}, &FetchError{Reason: ReasonTransport, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return PathRecord{}, &FetchError{Reason: ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PathRecord{}, &FetchError{
			Reason: ReasonHTTPStatus,
			Err:    fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PathRecord{}, &FetchError{Reason: ReasonTransport, Err: err}
	}

	var env feedEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return PathRecord{}, &FetchError{Reason: ReasonBadJSON, Err: err}
	}

	if env.Status != "success" {
		return PathRecord{}, &FetchError{
			Reason: ReasonErrorStatus,
			Err:    fmt.Errorf("server status %q", env.Status),
		}
	}
	if env.Detection == nil {
		return PathRecord{}, &FetchError{Reason: ReasonNoDetection}
	}
	if env.Detection.InPathName == "" {
		return PathRecord{}, &FetchError{Reason: ReasonNoPathName}
	}

	return PathRecord{Name: env.Detection.InPathName}, nil
}

// PathSlot is the single most-recently-fetched PathRecord, shared between
// the poller (sole writer) and the detection loop (sole reader). The
// critical section is a value swap, so Load never blocks meaningfully.
type PathSlot struct {
	mu  sync.Mutex
	rec PathRecord
	set bool
}

// Store publishes a new record into the slot.
func (s *PathSlot) Store(rec PathRecord) {
	s.mu.Lock()
	s.rec = rec
	s.set = true
	s.mu.Unlock()
}

// Load returns the latest record, or ok=false if none has arrived yet.
func (s *PathSlot) Load() (PathRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, s.set
}
