package processor

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/objstash/objstash/fetcher"
	"github.com/objstash/objstash/job"
)

const noImagesNote = "No images were available for this object at download time.\n"

// runImages fetches every image reference into the images subfolder.
// Image failures are non-fatal: the job advances even if some or all
// images could not be fetched, and a placeholder note records the case
// where nothing was available.
func (p *Processor) runImages(ctx context.Context, id string) {
	if !p.markStage(id, job.DownloadingImages, 40, "Downloading images") {
		return
	}

	j, ok := p.registry.GetJob(id)
	if !ok {
		p.failUnknown(id, job.DownloadingImages, fmt.Errorf("no registry record for %q", id))
		return
	}

	dir := j.Object.Dir(p.cfg.BaseDir)
	imagesDir := filepath.Join(dir, job.ImagesDir)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		p.routeFailure(id, job.DownloadingImages, err)
		return
	}

	present := 0
	var reqs []fetcher.Request
	for i, img := range j.Object.Images {
		u := img.BestURL()
		if u == "" {
			continue
		}
		filename := fmt.Sprintf("image_%02d%s", i+1, extFromURL(u))
		if _, err := os.Stat(filepath.Join(imagesDir, filename)); err == nil {
			present++
			continue
		}
		reqs = append(reqs, fetcher.Request{URL: u, Filename: filename})
	}

	results, err := p.fetcher.FetchBatch(ctx, reqs, nil)
	if err != nil {
		if ctx.Err() != nil {
			p.routeFailure(id, job.DownloadingImages, ctx.Err())
			return
		}
		// The batch mechanism itself broke; fall back to fetching
		// one by one so the job can still make progress.
		p.Log.Printf("Batch image fetch for %q failed (%s), falling back to sequential fetches", id, err)
		results = p.fetchOneByOne(ctx, reqs)
	}

	for _, res := range results {
		if res.Err != nil {
			p.Log.Printf("Image %q of job %q failed: %s", res.Filename, id, res.Err)
			continue
		}
		dest := filepath.Join(imagesDir, res.Filename)
		if err := os.WriteFile(dest, res.Data, 0o644); err != nil {
			p.Log.Printf("Error writing image %q of job %q: %s", res.Filename, id, err)
			continue
		}
		present++
	}

	if present == 0 {
		note := filepath.Join(imagesDir, "no_images.txt")
		if err := os.WriteFile(note, []byte(noImagesNote), 0o644); err != nil {
			p.Log.Printf("Error writing placeholder note for %q: %s", id, err)
		}
	}

	p.advance(id, job.DownloadingImages, job.ImagesDownloaded, 50, "Images downloaded")
}

// fetchOneByOne is the forward-progress fallback used when the batch
// mechanism fails as a whole.
func (p *Processor) fetchOneByOne(ctx context.Context, reqs []fetcher.Request) []fetcher.Result {
	results := make([]fetcher.Result, len(reqs))
	for i, req := range reqs {
		results[i].Filename = req.Filename
		data, err := p.fetcher.Fetch(ctx, req.URL, nil)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Data = data
	}
	return results
}

// extFromURL extracts a usable file extension from an image URL, ignoring
// any query string. Defaults to .jpg when the path carries none.
func extFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".jpg"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".jpg"
}
