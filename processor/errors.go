package processor

import (
	"context"
	"errors"

	"github.com/objstash/objstash/fetcher"
	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/processor/mimetype"
	"github.com/objstash/objstash/vendorapi"
)

// routeFailure classifies a stage-worker error and moves the job from its
// active stage into the matching failure set.
//
// The taxonomy, in matching order:
//
//   - cancellation: the job was cancelled or the process is shutting down;
//     set membership was already handled elsewhere, nothing to do.
//   - auth: the vendor token is dead, so every job would fail the same
//     way. Pause all dispatch and park the job in failed_auth.
//   - HTTP status: 401 behaves like auth; 403 during a file download means
//     file endpoints specifically are locked out, so pause only the heavy
//     pool; 404 and everything else get their own sets but touch no pool.
//   - oversize: the payload blew the size ceiling.
//   - anything else: generic failure plus a line in the unknown-failure
//     diagnostic log so the taxonomy can grow.
func (p *Processor) routeFailure(id string, from job.Stage, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	to := job.Failed

	var authErr *vendorapi.AuthError
	var vendorStatus *vendorapi.StatusError
	var fetchStatus *fetcher.StatusError
	var htmlErr *mimetype.ErrHTMLPayload

	switch {
	case errors.As(err, &authErr):
		p.Log.Printf("Authorization failure on %q, pausing all dispatch: %s", id, err)
		p.Pause()
		to = job.FailedAuth

	case errors.As(err, &vendorStatus):
		to = p.routeStatus(id, from, vendorStatus.Code)

	case errors.As(err, &fetchStatus):
		to = p.routeStatus(id, from, fetchStatus.Code)

	case errors.Is(err, fetcher.ErrTooLarge):
		to = job.FailedOversize

	case errors.As(err, &htmlErr):
		// A known corruption kind; no entry in the unknown-failure log.
		to = job.Failed

	default:
		if lerr := p.store.LogUnknownFailure(id, err.Error()); lerr != nil {
			p.Log.Printf("Error recording unknown failure for %q: %s", id, lerr)
		}
	}

	p.failJob(id, from, to, err)
}

func (p *Processor) routeStatus(id string, from job.Stage, code int) job.Stage {
	switch code {
	case 401:
		p.Log.Printf("Got 401 on %q, pausing all dispatch", id)
		p.Pause()
	case 403:
		if from == job.DownloadingFiles {
			p.Log.Printf("Got 403 on a file download for %q, pausing file downloads", id)
			p.PauseFileDownloads()
		}
	}
	return job.FailureForStatus(code)
}

// failUnknown parks a job whose worker died in a way the taxonomy does not
// know, recording the cause in the diagnostic log.
func (p *Processor) failUnknown(id string, from job.Stage, err error) {
	if lerr := p.store.LogUnknownFailure(id, err.Error()); lerr != nil {
		p.Log.Printf("Error recording unknown failure for %q: %s", id, lerr)
	}
	p.failJob(id, from, job.Failed, err)
}

// failJob parks a job in its failure set, conditional on the id still
// occupying the stage it failed in; a concurrent cancellation wins the
// move exactly as in advance.
func (p *Processor) failJob(id string, from, to job.Stage, cause error) {
	moved, err := p.store.MoveIfMember(from.String(), to.String(), id)
	if err != nil {
		p.Log.Printf("Error moving %q from %s to %s: %s", id, from, to, err)
		return
	}
	if !moved {
		p.Log.Printf("Skipping %s transition for %q: no longer in %s", to, id, from)
		return
	}
	p.stats.Add(statsFailures, 1)
	if err := p.registry.UpdateJob(id, to, 0, "Failed", cause.Error()); err != nil {
		p.Log.Printf("Error updating registry for %q: %s", id, err)
	}
}
