package backend

import (
	"context"

	"github.com/objstash/objstash/job"
)

// Backend is the interface that wraps the basic Notify method.
//
// Backend implementations deliver job terminal-stage events through some
// notification channel (eg. HTTP, Kafka).
type Backend interface {
	// Start initializes the backend. Start must be called once, before
	// any calls to Notify.
	Start(context.Context, map[string]interface{}) error

	// Notify delivers a job event to the given destination (a webhook
	// URL, a topic name). Depending on the underlying implementation,
	// Notify might be an asynchronous operation so a nil error does NOT
	// necessarily mean the event was delivered. To check for the result
	// of a delivery use DeliveryReports.
	Notify(dst string, ev job.Event) error

	// ID returns a constant string identifying the concrete backend
	// implementation.
	ID() string

	// DeliveryReports communicates the results of deliveries.
	DeliveryReports() <-chan job.Event

	// Stop closes the delivery reports channel and performs finalization
	// actions. After calling Stop the backend is no longer usable.
	Stop() error
}
