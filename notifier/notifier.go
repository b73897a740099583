// Package notifier watches the job registry for jobs reaching a terminal
// stage and delivers an event per job through a pluggable backend.
package notifier

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/objstash/objstash/backend"
	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/registry"
)

const (
	maxDeliveryRetries = 2
	retryDelay         = 2 * time.Second
	eventBuffer        = 128
)

// Notifier is the component responsible for announcing terminal jobs.
//
// It subscribes to the registry and diffs each snapshot against the stages
// it has already announced, so a job transitions into exactly one event no
// matter how many registry updates follow. Cancelled jobs are deliberate
// operator actions and produce no event.
type Notifier struct {
	registry *registry.Registry
	backend  backend.Backend

	// dst is the backend-specific destination: a webhook URL for the
	// http backend, a topic name for kafka.
	dst string

	log    *log.Logger
	events chan job.Event

	mu        sync.Mutex
	announced map[string]job.Stage
	handle    int
}

func New(reg *registry.Registry, b backend.Backend, dst string, logger *log.Logger) *Notifier {
	return &Notifier{
		registry:  reg,
		backend:   b,
		dst:       dst,
		log:       logger,
		events:    make(chan job.Event, eventBuffer),
		announced: make(map[string]job.Stage),
	}
}

// Start initializes the backend with cfg, subscribes to the registry and
// spawns the delivery goroutines. It returns once the notifier is running.
func (n *Notifier) Start(ctx context.Context, cfg map[string]interface{}) error {
	if err := n.backend.Start(ctx, cfg); err != nil {
		return err
	}

	n.handle = n.registry.Subscribe(n.observe)

	go n.run(ctx)
	go n.drainReports(ctx)

	return nil
}

// Stop detaches from the registry and shuts the backend down.
func (n *Notifier) Stop() error {
	n.registry.Unsubscribe(n.handle)
	return n.backend.Stop()
}

// observe is the registry listener. It must not block; a full event buffer
// drops the event with a log line rather than stalling registry updates.
func (n *Notifier) observe(jobs []job.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()

	current := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		current[j.ID] = true
		if !j.Stage.Terminal() || j.Stage == job.Cancelled {
			continue
		}
		if n.announced[j.ID] == j.Stage {
			continue
		}
		n.announced[j.ID] = j.Stage

		select {
		case n.events <- job.NewEvent(j):
		default:
			n.log.Printf("Event buffer full, dropping event for %q", j.ID)
		}
	}

	// Forget ids that left the registry so a re-enqueued job can be
	// announced again.
	for id := range n.announced {
		if !current[id] {
			delete(n.announced, id)
		}
	}
}

func (n *Notifier) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			if err := n.backend.Notify(n.dst, ev); err != nil {
				n.retryOrDrop(ctx, ev, err)
			}
		}
	}
}

// retryOrDrop re-queues a failed delivery up to maxDeliveryRetries times.
func (n *Notifier) retryOrDrop(ctx context.Context, ev job.Event, cause error) {
	if ev.Attempt >= maxDeliveryRetries {
		n.log.Printf("Giving up on event for %q after %d attempts: %s", ev.ID, ev.Attempt+1, cause)
		return
	}
	ev.Attempt++
	n.log.Printf("Delivery of event for %q failed (attempt %d): %s", ev.ID, ev.Attempt, cause)

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
			select {
			case n.events <- ev:
			default:
				n.log.Printf("Event buffer full, dropping retry for %q", ev.ID)
			}
		}
	}()
}

func (n *Notifier) drainReports(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-n.backend.DeliveryReports():
			if !ok {
				return
			}
			if !rep.Delivered {
				n.log.Printf("Delivery report for %q: failed: %s", rep.ID, rep.DeliveryError)
			}
		}
	}
}
