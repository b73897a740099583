// Package validation inspects an already-downloaded job folder against its
// metadata snapshot and reports pass/fail with itemized reasons. The
// pipeline uses it to short-circuit re-downloads; the operator audit path
// runs the same checks on demand.
package validation

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/objstash/objstash/job"
)

// sniffWindow bounds how much of a file the HTML sniff reads. Reading a
// leading window instead of the whole file keeps audits cheap on multi-GiB
// archives.
const sniffWindow = 512

// Result is the outcome of a folder check.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Check audits dir against the expectations in obj. It is a pure function
// of the folder contents; the offloaded and inline runners both call it, so
// their results are identical by construction.
func Check(obj job.Object, dir string) Result {
	var errs []string

	notes, err := readWindow(filepath.Join(dir, job.NotesFile))
	switch {
	case err != nil:
		errs = append(errs, "Missing notes file.")
	case !bytes.Contains(notes, []byte(job.NotesHeaderRule)):
		errs = append(errs, "Notes file has no recognized header block.")
	}

	if len(obj.Images) > 0 {
		imagesDir := filepath.Join(dir, job.ImagesDir)
		found, derr := countFiles(imagesDir)
		if derr != nil {
			errs = append(errs, "Missing images folder.")
		} else if found < len(obj.Images) {
			errs = append(errs, fmt.Sprintf("Missing images. Expected %d, found %d.", len(obj.Images), found))
		}
	}

	if len(obj.Files) > 0 {
		filesDir := filepath.Join(dir, job.FilesDir)
		if _, derr := os.Stat(filesDir); derr != nil {
			errs = append(errs, "Missing files folder.")
		} else {
			for _, f := range obj.Files {
				name := job.SanitizeSegment(f.Name)
				path := filepath.Join(filesDir, name)
				window, ferr := readWindow(path)
				if ferr != nil {
					errs = append(errs, fmt.Sprintf("Missing file: %s.", name))
					continue
				}
				if IsHTML(window) {
					errs = append(errs, fmt.Sprintf("Corrupted download (HTML content): %s.", name))
				}
			}
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// IsHTML reports whether the leading window of a payload looks like an
// HTML document instead of the binary content we expected. An empty window
// counts: a zero-byte file is as broken as a login redirect.
func IsHTML(window []byte) bool {
	trimmed := bytes.TrimLeft(window, " \t\r\n\uFEFF")
	if len(trimmed) == 0 {
		return true
	}

	lowered := bytes.ToLower(trimmed)
	for _, sig := range [][]byte{
		[]byte("<!doctype html"),
		[]byte("<html"),
		[]byte("<head"),
		[]byte("<body"),
	} {
		if bytes.HasPrefix(lowered, sig) {
			return true
		}
	}
	return false
}

// readWindow returns up to sniffWindow leading bytes of path. A zero-byte
// file yields an empty (but valid) window.
func readWindow(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, sniffWindow))
}

func countFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	return count, nil
}
