// Package dispatch moves frames to the external detection service and takes
// detection results back in.
//
// Results arrive on the inbound callback (POST /detection_results) or directly
// from a detection-model channel session. The response to the outbound POST is
// only an acknowledgement ("queued" or "queue_full") and carries no result.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"relayNode/internal/monitoring"
)

// HTTPClient abstracts the outbound transport so tests can stub it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Dispatcher.
type Config struct {
	URL string

	// Timeout bounds each request; expiry counts as a failed dispatch.
	Timeout time.Duration

	// MaxInFlight bounds concurrent requests. Frames arriving while saturated are dropped.
	MaxInFlight int

	// Client overrides the default *http.Client.
	Client HTTPClient
}

// Stats counts outbound dispatch outcomes.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Dispatcher posts completed frames to the detection service. It implements
// assembler.FrameSink.
type Dispatcher struct {
	url     string
	timeout time.Duration
	client  HTTPClient
	slots   chan struct{}
	wg      sync.WaitGroup

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Dispatcher{
		url:     cfg.URL,
		timeout: timeout,
		client:  client,
		slots:   make(chan struct{}, maxInFlight),
	}
}

// HandleFrame starts an asynchronous POST of frame and returns immediately.
func (d *Dispatcher) HandleFrame(frame []byte) {
	select {
	case d.slots <- struct{}{}:
	default:
		d.dropped.Add(1)
		monitoring.Logf("Detection service busy, dropping %d byte frame", len(frame))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()

		if err := d.post(frame); err != nil {
			d.failed.Add(1)
			monitoring.Logf("Failed to dispatch frame: %v", err)
			return
		}
		d.sent.Add(1)
	}()
}

func (d *Dispatcher) post(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("detection service returned %s", resp.Status)
	}
	return nil
}

// Wait blocks until every in-flight request has finished. Shutdown does not
// call it; in-flight requests are left to complete on their own.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stats returns a copy of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}
