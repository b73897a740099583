package processor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/objstash/objstash/job"
)

// runPrepare fetches the authoritative object metadata and lays out the
// job folder. The metadata snapshot is persisted immediately so a crash
// later in the pipeline still leaves a recoverable folder/name mapping.
func (p *Processor) runPrepare(ctx context.Context, id string) {
	if !p.markStage(id, job.Preparing, 20, "Fetching metadata") {
		return
	}

	obj, err := p.vendor.GetObjectByID(ctx, id)
	if err != nil {
		p.routeFailure(id, job.Preparing, err)
		return
	}
	if err := p.registry.UpdateJobObject(id, obj); err != nil {
		p.Log.Printf("Error updating object snapshot for %q: %s", id, err)
	}

	dir := obj.Dir(p.cfg.BaseDir)
	for _, d := range []string{dir, filepath.Join(dir, job.ImagesDir), filepath.Join(dir, job.FilesDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			p.routeFailure(id, job.Preparing, err)
			return
		}
	}

	if err := writeSnapshot(dir, obj); err != nil {
		p.routeFailure(id, job.Preparing, err)
		return
	}

	p.advance(id, job.Preparing, job.Prepared, 30, "Prepared")
}

// writeSnapshot persists the machine-readable metadata file used for
// idempotent re-validation and resume.
func writeSnapshot(dir string, obj job.Object) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, job.MetadataFile), data, 0o644)
}
