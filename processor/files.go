package processor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/objstash/objstash/fetcher"
	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/processor/mimetype"
)

// runFiles downloads every declared file of the object into the files
// subfolder, extracting archives as it goes, and finishes the job by
// writing the final notes and metadata files.
func (p *Processor) runFiles(ctx context.Context, id string) {
	if !p.markStage(id, job.DownloadingFiles, 60, "Downloading files") {
		return
	}

	j, ok := p.registry.GetJob(id)
	if !ok {
		p.failUnknown(id, job.DownloadingFiles, fmt.Errorf("no registry record for %q", id))
		return
	}

	token, err := p.vendor.Token()
	if err != nil {
		p.routeFailure(id, job.DownloadingFiles, err)
		return
	}

	dir := j.Object.Dir(p.cfg.BaseDir)
	filesDir := filepath.Join(dir, job.FilesDir)
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		p.routeFailure(id, job.DownloadingFiles, err)
		return
	}

	sniffer := mimetype.NewSniffer()
	defer sniffer.Close()

	total := len(j.Object.Files)
	for i, f := range j.Object.Files {
		if f.DirectURL == "" {
			continue
		}
		dest := filepath.Join(filesDir, job.SanitizeSegment(f.Name))
		if _, err := os.Stat(dest); err == nil {
			continue
		}

		data, err := p.fetcher.Fetch(ctx, withToken(f.DirectURL, token), nil)
		if err != nil {
			p.routeFailure(id, job.DownloadingFiles, err)
			return
		}
		if err := sniffer.Sniff(f.Name, data); err != nil {
			p.routeFailure(id, job.DownloadingFiles, err)
			return
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			p.routeFailure(id, job.DownloadingFiles, err)
			return
		}

		if strings.HasSuffix(strings.ToLower(f.Name), ".zip") {
			if err := p.extractArchive(filesDir, data); err != nil {
				p.routeFailure(id, job.DownloadingFiles, err)
				return
			}
		}

		progress := 60 + (35*(i+1))/max(total, 1)
		msg := fmt.Sprintf("Downloaded %d/%d files", i+1, total)
		if !p.markStage(id, job.DownloadingFiles, progress, msg) {
			return
		}
	}

	if err := os.WriteFile(filepath.Join(dir, job.NotesFile), []byte(j.Object.RenderNotes()), 0o644); err != nil {
		p.routeFailure(id, job.DownloadingFiles, err)
		return
	}
	if err := writeSnapshot(dir, j.Object); err != nil {
		p.routeFailure(id, job.DownloadingFiles, err)
		return
	}

	p.advance(id, job.DownloadingFiles, job.Completed, 100, "Completed")

	if p.Mirror != nil {
		if err := p.mirrorFolder(dir); err != nil {
			p.Log.Printf("Error mirroring %q: %s", id, err)
		}
	}
}

// extractArchive unpacks zip data into destDir, skipping entries whose
// target file already exists.
func (p *Processor) extractArchive(destDir string, data []byte) error {
	entries, err := fetcher.ExtractZip(data)
	if err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	for _, e := range entries {
		dest := filepath.Join(destDir, filepath.FromSlash(e.Path))
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, e.Data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// mirrorFolder copies a completed job folder to the configured mirror
// backend, keyed by paths relative to the library base.
func (p *Processor) mirrorFolder(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(p.cfg.BaseDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if p.Mirror.Exists(rel) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return p.Mirror.Store(rel, bytes.NewReader(data))
	})
}

// withToken appends the vendor access token to a download URL.
func withToken(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
