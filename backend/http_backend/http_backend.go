package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/objstash/objstash/job"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 30

// reportBuffer bounds how many unread delivery reports are held before
// further reports are dropped.
const reportBuffer = 16

var (
	// Based on http.DefaultTransport
	transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
)

// Backend delivers job events by POSTing them to a webhook URL.
type Backend struct {
	client *http.Client

	mu      sync.Mutex
	stopped bool
	reports chan job.Event
}

// ID returns "http"
func (b *Backend) ID() string {
	return "http"
}

// Start starts the backend based on configuration provided by cfg.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	clientTimeout := time.Duration(DefaultClientTimeoutSec) * time.Second
	if cfgTimeout, ok := cfg["timeout"]; ok {
		t, err := cfgTimeout.(json.Number).Int64()
		if err != nil {
			return err
		}
		clientTimeout = time.Duration(t) * time.Second
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   clientTimeout, // Larger than Dial + TLS timeouts
	}
	b.reports = make(chan job.Event, reportBuffer)

	return nil
}

// Notify POSTs ev to url as JSON.
func (b *Backend) Notify(url string, ev job.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		ev.Delivered = false
		ev.DeliveryError = err.Error()
		return err
	}

	res, err := b.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		if err == nil {
			err = fmt.Errorf("received status: %s", res.Status)
		}
		ev.Delivered = false
		ev.DeliveryError = err.Error()
		return err
	}

	ev.Delivered = true
	ev.DeliveryError = ""
	b.report(ev)

	return nil
}

// report hands a delivery report to the consumer. It never blocks and
// never races Stop: a report arriving after shutdown, or while the buffer
// is full, is dropped.
func (b *Backend) report(ev job.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	select {
	case b.reports <- ev:
	default:
	}
}

// DeliveryReports returns a channel of successfully delivered events.
// Failures are returned directly by Notify as errors.
func (b *Backend) DeliveryReports() <-chan job.Event {
	return b.reports
}

// Stop shuts down the backend. Safe to call with deliveries in flight;
// their reports are dropped.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	close(b.reports)
	return nil
}
