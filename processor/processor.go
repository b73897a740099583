// Processor is the heart of objstash: it owns the dispatch loop that moves
// jobs through the pipeline and the stage workers that do the per-stage
// work.
//
// The scheduler inspects state-set sizes, computes the free capacity of two
// pools and fires stage workers without waiting for them:
//
//	light pool: validate / prepare / fetch-images
//	heavy pool: archive file downloads
//
//	queued -> validating -> validated -> preparing -> prepared ->
//	downloading_images -> images_downloaded -> downloading_files -> completed
//
// Occupancy is read back from the durable sets, never from an in-memory
// counter, so caps hold across restarts. Every worker re-invokes the
// scheduler from its final deferred cleanup; that keeps the pipeline
// self-driving without a polling timer (a slow rescan ticker only mops up
// work enqueued by other processes against the shared store).
package processor

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objstash/objstash/fetcher"
	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/processor/diskcheck"
	"github.com/objstash/objstash/processor/filestorage"
	"github.com/objstash/objstash/registry"
	"github.com/objstash/objstash/statestore"
	"github.com/objstash/objstash/stats"
	"github.com/objstash/objstash/validation"
	"github.com/objstash/objstash/vendorapi"
)

const (
	// Metric identifiers
	statsDispatched     = "dispatched"     // Counter
	statsCompleted      = "completed"      // Counter
	statsFailures       = "failures"       // Counter
	statsShortCircuited = "shortCircuited" // Counter

	// diskcheck thresholds (%)
	diskHigh     = 95
	diskLow      = 90
	diskInterval = 1 * time.Minute
)

// Config carries the processor's tunables.
type Config struct {
	// BaseDir is where job folders are created.
	BaseDir string

	// MaxHeavy caps concurrent archive downloads, MaxLight caps
	// concurrent validate/prepare/image workers.
	MaxHeavy int
	MaxLight int

	// ScanInterval is how often the scheduler re-runs even without a
	// trigger, to pick up ids enqueued by other processes.
	ScanInterval time.Duration

	// StatsInterval is the metric flush period.
	StatsInterval time.Duration
}

// Processor wires the scheduler, the stage workers and their collaborators.
type Processor struct {
	cfg Config

	store     statestore.Store
	registry  *registry.Registry
	vendor    vendorapi.Client
	fetcher   fetcher.Fetcher
	validator validation.Runner

	// Mirror, when set, receives a copy of every completed job folder.
	Mirror filestorage.FileStorage

	Log   *log.Logger
	stats *stats.Stats

	// scheduling guards a single Schedule invocation at a time; a second
	// caller no-ops and relies on the next natural trigger.
	scheduling atomic.Bool

	paused      atomic.Bool
	filesPaused atomic.Bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	baseCtx context.Context
}

// New returns a Processor, or an error if baseDir is not writable.
func New(cfg Config, store statestore.Store, reg *registry.Registry, vendor vendorapi.Client,
	f fetcher.Fetcher, validator validation.Runner, logger *log.Logger) (*Processor, error) {

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	tmpf, err := os.CreateTemp(cfg.BaseDir, "write-check-")
	if err != nil {
		return nil, errors.New("base directory is not writable: " + err.Error())
	}
	tmpf.Close()
	os.Remove(tmpf.Name())

	if cfg.MaxHeavy <= 0 {
		cfg.MaxHeavy = 2
	}
	if cfg.MaxLight <= 0 {
		cfg.MaxLight = 4
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}

	return &Processor{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		vendor:    vendor,
		fetcher:   f,
		validator: validator,
		Log:       logger,
		stats: stats.New("pipeline", cfg.StatsInterval, func(m *expvar.Map) {
			logger.Printf("stats: %s", m.String())
		}),
		cancels: make(map[string]context.CancelFunc),
		baseCtx: context.Background(),
	}, nil
}

// Start runs crash recovery, spawns the helper goroutines and blocks
// driving the rescan ticker until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.Log.Println("Starting...")

	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	p.recoverStrays()

	go p.stats.Run(ctx)

	checker, err := diskcheck.New(p.cfg.BaseDir, diskHigh, diskLow, diskInterval)
	if err != nil {
		p.Log.Println("Error initializing disk checker:", err)
	} else {
		go checker.Run(ctx)
		go p.watchDisk(ctx, checker)
	}

	p.Schedule()

	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Log.Println("Shutting down...")
			return
		case <-ticker.C:
			p.Schedule()
		}
	}
}

// watchDisk pauses heavy dispatch while the disk is sick and resumes it on
// recovery. Light-pool work keeps flowing either way.
func (p *Processor) watchDisk(ctx context.Context, checker diskcheck.Checker) {
	for {
		select {
		case <-ctx.Done():
			return
		case health := <-checker.C():
			if health == diskcheck.Sick {
				p.Log.Println("Sick disk, pausing file downloads...")
				p.PauseFileDownloads()
			} else {
				p.Log.Println("Healthy disk, resuming file downloads...")
				p.ResumeFileDownloads()
			}
		}
	}
}

// lane pairs a rest set with the active stage and worker that drain it.
type lane struct {
	rest   job.Stage
	active job.Stage
	run    func(ctx context.Context, id string)
}

// Schedule is the dispatch loop. It is guarded against concurrent
// invocations: if a run is already in progress the call is a silent no-op,
// which is safe because every stage completion and every enqueue triggers a
// fresh invocation.
func (p *Processor) Schedule() {
	if !p.scheduling.CompareAndSwap(false, true) {
		return
	}
	defer p.scheduling.Store(false)

	if p.paused.Load() {
		return
	}

	p.scheduleLight()
	p.scheduleHeavy()
}

// scheduleLight fills the light pool, draining the furthest-along rest
// state first so jobs close to completion are never starved by fresh
// arrivals.
func (p *Processor) scheduleLight() {
	occupied := 0
	for _, st := range []job.Stage{job.Validating, job.Preparing, job.DownloadingImages} {
		n, err := p.store.Size(st.String())
		if err != nil {
			p.Log.Println("Error sizing light pool:", err)
			return
		}
		occupied += n
	}

	free := p.cfg.MaxLight - occupied
	lanes := []lane{
		{rest: job.Prepared, active: job.DownloadingImages, run: p.runImages},
		{rest: job.Validated, active: job.Preparing, run: p.runPrepare},
		{rest: job.Queued, active: job.Validating, run: p.runValidate},
	}
	for _, l := range lanes {
		for free > 0 {
			if !p.dispatchOne(l) {
				break
			}
			free--
		}
	}
}

// scheduleHeavy fills the heavy pool unless file downloads are paused.
func (p *Processor) scheduleHeavy() {
	if p.filesPaused.Load() {
		return
	}

	occupied, err := p.store.Size(job.DownloadingFiles.String())
	if err != nil {
		p.Log.Println("Error sizing heavy pool:", err)
		return
	}

	free := p.cfg.MaxHeavy - occupied
	l := lane{rest: job.ImagesDownloaded, active: job.DownloadingFiles, run: p.runFiles}
	for free > 0 {
		if !p.dispatchOne(l) {
			break
		}
		free--
	}
}

// dispatchOne pops one id from the lane's rest set, moves it into the
// active stage and fires the worker without waiting for it. Reports whether
// anything was dispatched.
func (p *Processor) dispatchOne(l lane) bool {
	id, err := p.store.Pop(l.rest.String())
	if err != nil {
		if !errors.Is(err, statestore.ErrEmptySet) {
			p.Log.Printf("Error popping from %q: %s", l.rest, err)
		}
		return false
	}
	if err := p.store.Add(l.active.String(), id); err != nil {
		p.Log.Printf("Error marking %q as %s: %s", id, l.active, err)
		return false
	}

	p.stats.Add(statsDispatched, 1)
	ctx := p.jobContext(id)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				p.Log.Printf("Worker for %q panicked: %v\n%s", id, rec, buf[:n])
				p.failUnknown(id, l.active, fmt.Errorf("worker panic: %v", rec))
			}
			p.releaseJobContext(id)
			p.Schedule()
		}()
		l.run(ctx, id)
	}()

	// Yield between dispatches so a burst of ready jobs does not
	// monopolize the scheduler's turn.
	runtime.Gosched()
	return true
}

// markStage records a stage entry or progress update in the registry and
// reports whether the worker should keep going. A missing record means a
// concurrent cancellation already deleted the job; the worker must stop
// rather than recreate it.
func (p *Processor) markStage(id string, stage job.Stage, progress int, message string) bool {
	err := p.registry.UpdateJob(id, stage, progress, message, "")
	if err == nil {
		return true
	}
	if errors.Is(err, statestore.ErrNotFound) {
		p.Log.Printf("Stopping %s worker for %q: record gone, job was cancelled", stage, id)
		return false
	}
	p.Log.Printf("Error updating registry for %q: %s", id, err)
	return true
}

// jobContext derives and registers the cancellation handle for id.
func (p *Processor) jobContext(id string) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.cancels[id] = cancel
	return ctx
}

func (p *Processor) releaseJobContext(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
}

// abortJob cancels the in-flight work for id, if any.
func (p *Processor) abortJob(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
	}
}

// Enqueue registers a brand-new id in the queued rest state and triggers a
// dispatch round.
func (p *Processor) Enqueue(id string) error {
	known, err := p.isKnown(id)
	if err != nil {
		return err
	}
	if known {
		return fmt.Errorf("job %q already exists", id)
	}

	if _, err := p.registry.AddJob(id, job.Object{ID: id, Name: id}); err != nil {
		return err
	}
	if err := p.store.Add(job.Queued.String(), id); err != nil {
		return err
	}

	p.Schedule()
	return nil
}

func (p *Processor) isKnown(id string) (bool, error) {
	for _, set := range job.SetNames() {
		ok, err := p.store.Contains(set, id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Cancel aborts any in-flight work for id, force-moves it out of whichever
// non-terminal stage it occupies into cancelled, and deletes its registry
// record. The cancelled set keeps the id for operator inspection.
func (p *Processor) Cancel(id string) error {
	p.abortJob(id)

	candidates := make([]string, 0, 8)
	for _, st := range job.NonTerminalStages() {
		candidates = append(candidates, st.String())
	}
	if err := p.store.MoveAcross(candidates, job.Cancelled.String(), id); err != nil {
		return err
	}
	if err := p.registry.Forget(id); err != nil {
		return err
	}

	p.Schedule()
	return nil
}

// Retry clears a failed job's failure-set membership and re-queues it from
// the earliest stage. Idempotent skip-if-exists checks then reuse whatever
// partial folder contents the failed run left behind. Ids not currently in
// a failure or cancelled set are rejected; a bare registry update for an
// unknown id would fabricate a record with no stage membership.
func (p *Processor) Retry(id string) error {
	failed, err := p.inFailureSet(id)
	if err != nil {
		return err
	}
	if !failed {
		return fmt.Errorf("job %q is not in a failure state", id)
	}

	candidates := make([]string, 0, len(job.FailureStages())+1)
	for _, st := range job.FailureStages() {
		candidates = append(candidates, st.String())
	}
	candidates = append(candidates, job.Cancelled.String())

	if err := p.store.MoveAcross(candidates, job.Queued.String(), id); err != nil {
		return err
	}

	// Cancelled jobs had their record deleted; rebuild the stub the same
	// way a fresh enqueue does.
	if _, ok := p.registry.GetJob(id); !ok {
		if _, err := p.registry.AddJob(id, job.Object{ID: id, Name: id}); err != nil {
			return err
		}
	}
	if err := p.registry.UpdateJob(id, job.Queued, 0, "Requeued", ""); err != nil {
		return err
	}

	p.Schedule()
	return nil
}

// Pause stops all dispatch. In-flight workers finish their current stage.
func (p *Processor) Pause() { p.paused.Store(true) }

// Resume lifts a global pause and triggers a dispatch round.
func (p *Processor) Resume() {
	p.paused.Store(false)
	p.Schedule()
}

// Paused reports whether all dispatch is paused.
func (p *Processor) Paused() bool { return p.paused.Load() }

// PauseFileDownloads suppresses only heavy-pool dispatch; validation,
// preparation and image work for other jobs keeps flowing. Used when the
// vendor signals an authorization problem specific to file endpoints, or
// when the disk runs hot.
func (p *Processor) PauseFileDownloads() { p.filesPaused.Store(true) }

// ResumeFileDownloads lifts the heavy-pool pause.
func (p *Processor) ResumeFileDownloads() {
	p.filesPaused.Store(false)
	p.Schedule()
}

// FileDownloadsPaused reports whether heavy-pool dispatch is suppressed.
func (p *Processor) FileDownloadsPaused() bool { return p.filesPaused.Load() }

// Audit runs the validation engine against a job's folder on demand.
func (p *Processor) Audit(ctx context.Context, id string) (validation.Result, error) {
	j, err := p.store.GetJob(id)
	if err != nil {
		return validation.Result{}, err
	}
	return p.validator.Check(ctx, j.Object, j.Object.Dir(p.cfg.BaseDir))
}

// recoverStrays repairs state left behind by an interrupted previous run:
// ids stuck in an active stage fall back to the preceding rest state, and
// persisted job records with no set membership at all (a crash between a
// pop and an add) are re-queued.
func (p *Processor) recoverStrays() {
	rogue := 0
	for _, st := range []job.Stage{job.Validating, job.Preparing, job.DownloadingImages, job.DownloadingFiles} {
		rest, _ := st.RestBefore()
		ids, err := p.store.GetAll(st.String())
		if err != nil {
			p.Log.Printf("Error scanning %q for rogue jobs: %s", st, err)
			continue
		}
		for _, id := range ids {
			if err := p.store.Move(st.String(), rest.String(), id); err != nil {
				p.Log.Printf("Error recovering rogue job %q: %s", id, err)
				continue
			}
			p.registry.UpdateJob(id, rest, 0, "Recovered after restart", "")
			rogue++
		}
	}
	if rogue > 0 {
		p.Log.Printf("Recovered %d rogue jobs", rogue)
	}

	known, err := p.store.AllKnownIDs()
	if err != nil {
		p.Log.Println("Error listing known ids:", err)
		return
	}
	knownSet := make(map[string]bool, len(known))
	for _, id := range known {
		knownSet[id] = true
	}

	jobIDs, err := p.store.JobIDs()
	if err != nil {
		p.Log.Println("Error listing persisted jobs:", err)
		return
	}
	orphans := 0
	for _, id := range jobIDs {
		if knownSet[id] {
			continue
		}
		if err := p.store.Add(job.Queued.String(), id); err != nil {
			p.Log.Printf("Error re-queueing orphan job %q: %s", id, err)
			continue
		}
		p.registry.UpdateJob(id, job.Queued, 0, "Recovered orphan", "")
		orphans++
	}
	if orphans > 0 {
		p.Log.Printf("Re-queued %d orphan jobs", orphans)
	}
}
