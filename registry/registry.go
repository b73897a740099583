// Package registry holds the process-wide job registry: an in-memory
// read/write-through cache over the state store's persisted job records.
// Every mutation is persisted before subscribers are notified with a full,
// deterministically sorted job list.
package registry

import (
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"

	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/statestore"
)

// clearBatchSize bounds how many jobs a bulk clear removes between
// cooperative yields, so clearing hundreds of jobs cannot monopolize the
// store locks in one burst.
const clearBatchSize = 50

// Listener receives the full current job list after every mutation. A
// panicking listener is isolated; it never blocks other listeners or the
// mutating caller.
type Listener func(jobs []job.Job)

// Registry is the single process-wide job registry.
type Registry struct {
	store statestore.Store
	log   *log.Logger

	mu   sync.RWMutex
	jobs map[string]*job.Job

	lmu          sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// New builds a registry hydrated from every persisted job record.
func New(store statestore.Store, logger *log.Logger) (*Registry, error) {
	r := &Registry{
		store:     store,
		log:       logger,
		jobs:      make(map[string]*job.Job),
		listeners: make(map[int]Listener),
	}

	ids, err := store.JobIDs()
	if err != nil {
		return nil, fmt.Errorf("hydrate registry: %w", err)
	}
	for _, id := range ids {
		j, err := store.GetJob(id)
		if err != nil {
			r.log.Printf("Error hydrating job %q: %s", id, err)
			continue
		}
		r.jobs[j.ID] = &j
	}
	return r, nil
}

// AddJob creates and persists a new record in the queued rest state with
// zero progress, and returns it.
func (r *Registry) AddJob(id string, obj job.Object) (job.Job, error) {
	j := job.Job{ID: id, Object: obj, Stage: job.Queued, Progress: 0, Message: "Queued"}

	r.mu.Lock()
	r.jobs[id] = &j
	err := r.store.SaveJob(&j)
	r.mu.Unlock()
	if err != nil {
		return job.Job{}, err
	}

	r.notify()
	return j, nil
}

// UpdateJob updates stage, progress, message and error text of an existing
// record. If the in-memory copy is missing it is hydrated from the
// persisted record first, which covers a process restart mid-flight; a
// record missing from both surfaces statestore.ErrNotFound rather than
// being recreated, so a stage worker racing a cancellation cannot
// resurrect the deleted job. The record is persisted before subscribers
// hear about it.
func (r *Registry) UpdateJob(id string, stage job.Stage, progress int, message, errText string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		stored, err := r.store.GetJob(id)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		j = &stored
		r.jobs[id] = j
	}

	j.Stage = stage
	j.Progress = progress
	j.Message = message
	j.LastError = errText
	err := r.store.SaveJob(j)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.notify()
	return nil
}

// UpdateJobObject replaces only the metadata snapshot of an existing
// record, leaving stage and progress untouched. Used once authoritative
// details arrive from the API. Missing records surface
// statestore.ErrNotFound, as in UpdateJob.
func (r *Registry) UpdateJobObject(id string, obj job.Object) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		stored, err := r.store.GetJob(id)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		j = &stored
		r.jobs[id] = j
	}

	j.Object = obj
	err := r.store.SaveJob(j)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.notify()
	return nil
}

// GetJob returns a copy of the record for id.
func (r *Registry) GetJob(id string) (job.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return job.Job{}, false
	}
	return *j, true
}

// GetJobs returns a snapshot of every record, sorted by object name with
// id as the tiebreak so the order is deterministic for UIs and tests.
func (r *Registry) GetJobs() []job.Job {
	r.mu.RLock()
	jobs := make([]job.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, *j)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].Object.Name != jobs[b].Object.Name {
			return jobs[a].Object.Name < jobs[b].Object.Name
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs
}

// RemoveJob deletes the record from memory and storage and defensively
// purges the id from every stage set, without assuming the caller knows the
// job's current stage.
func (r *Registry) RemoveJob(id string) error {
	if err := r.remove(id); err != nil {
		return err
	}
	r.notify()
	return nil
}

func (r *Registry) remove(id string) error {
	r.mu.Lock()
	delete(r.jobs, id)
	err := r.store.RemoveJob(id)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	for _, set := range job.SetNames() {
		if err := r.store.Remove(set, id); err != nil {
			return err
		}
	}
	return nil
}

// Forget drops the record from memory and storage but leaves stage-set
// membership alone. The cancellation path uses it so the cancelled set
// keeps the id for operator inspection.
func (r *Registry) Forget(id string) error {
	r.mu.Lock()
	delete(r.jobs, id)
	err := r.store.RemoveJob(id)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify()
	return nil
}

// ClearCompleted bulk-removes every job currently completed.
func (r *Registry) ClearCompleted() error {
	return r.clearStages([]job.Stage{job.Completed})
}

// ClearFailed bulk-removes every job in a failure end state, plus the
// cancelled leftovers.
func (r *Registry) ClearFailed() error {
	stages := append(job.FailureStages(), job.Cancelled)
	return r.clearStages(stages)
}

// clearStages removes jobs in batches with a cooperative yield between
// batches; a large clear must not starve other scheduled work.
func (r *Registry) clearStages(stages []job.Stage) error {
	var ids []string
	for _, st := range stages {
		setIDs, err := r.store.GetAll(st.String())
		if err != nil {
			return err
		}
		ids = append(ids, setIDs...)
	}

	for start := 0; start < len(ids); start += clearBatchSize {
		end := start + clearBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			if err := r.remove(id); err != nil {
				return err
			}
		}
		r.notify()
		runtime.Gosched()
	}
	return nil
}

// Subscribe registers a listener and returns its handle.
func (r *Registry) Subscribe(l Listener) int {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = l
	return id
}

// Unsubscribe removes the listener registered under handle.
func (r *Registry) Unsubscribe(handle int) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	delete(r.listeners, handle)
}

// notify synchronously delivers the sorted snapshot to every listener.
// Delivery happens outside the registry mutex and each listener runs under
// its own recover so one bad subscriber cannot take the rest down.
func (r *Registry) notify() {
	snapshot := r.GetJobs()

	r.lmu.Lock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.lmu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Printf("Registry listener panicked: %v", rec)
				}
			}()
			l(snapshot)
		}()
	}
}
