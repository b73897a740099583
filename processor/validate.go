package processor

import (
	"context"
	"os"

	"github.com/objstash/objstash/job"
)

// runValidate decides whether a job needs downloading at all. A folder
// from a previous run that still passes validation short-circuits the job
// straight to completed; a folder that fails is stale and gets deleted so
// the pipeline rebuilds it from scratch.
func (p *Processor) runValidate(ctx context.Context, id string) {
	if !p.markStage(id, job.Validating, 5, "Checking for existing download") {
		return
	}

	j, ok := p.registry.GetJob(id)
	if !ok {
		// No record at all; nothing on disk can match, proceed to download.
		p.advance(id, job.Validating, job.Validated, 10, "Pending preparation")
		return
	}

	// Before metadata arrives the snapshot has no designer/name, so no
	// folder can exist for it yet.
	if j.Object.Designer == "" || j.Object.Name == "" {
		p.advance(id, job.Validating, job.Validated, 10, "Pending preparation")
		return
	}

	dir := j.Object.Dir(p.cfg.BaseDir)
	if _, err := os.Stat(dir); err != nil {
		p.advance(id, job.Validating, job.Validated, 10, "Pending preparation")
		return
	}

	res, err := p.validator.Check(ctx, j.Object, dir)
	if err != nil {
		p.routeFailure(id, job.Validating, err)
		return
	}

	if res.Valid {
		p.stats.Add(statsShortCircuited, 1)
		p.advance(id, job.Validating, job.Completed, 100, "Already downloaded")
		return
	}

	p.Log.Printf("Stale folder for %q fails validation, removing: %v", id, res.Errors)
	if err := os.RemoveAll(dir); err != nil {
		p.routeFailure(id, job.Validating, err)
		return
	}
	p.advance(id, job.Validating, job.Validated, 10, "Pending preparation")
}

// advance moves a job one stage forward and reflects it in the registry.
// The move is conditional on the id still occupying its current stage: a
// concurrent cancellation that already pulled the id out wins, and the
// worker's transition becomes a no-op instead of re-entering the pipeline.
func (p *Processor) advance(id string, from, to job.Stage, progress int, message string) {
	moved, err := p.store.MoveIfMember(from.String(), to.String(), id)
	if err != nil {
		p.Log.Printf("Error moving %q from %s to %s: %s", id, from, to, err)
		return
	}
	if !moved {
		p.Log.Printf("Skipping %s transition for %q: no longer in %s", to, id, from)
		return
	}
	if to == job.Completed {
		p.stats.Add(statsCompleted, 1)
	}
	if err := p.registry.UpdateJob(id, to, progress, message, ""); err != nil {
		p.Log.Printf("Error updating registry for %q: %s", id, err)
	}
}
