package fetcher

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// ZipEntry is one extracted archive member, streamed back to the caller as
// a (path, buffer) pair.
type ZipEntry struct {
	Path string
	Data []byte
}

// ExtractZip unpacks every regular file of the archive held in data.
// Entries that would escape their extraction root (absolute paths or ".."
// traversal) are rejected rather than silently rewritten.
func ExtractZip(data []byte) ([]ZipEntry, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip archive: %w", err)
	}

	var entries []ZipEntry
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := f.Name
		if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
			return nil, fmt.Errorf("zip entry %q escapes the extraction root", name)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %q: %w", name, err)
		}
		buf, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read zip entry %q: %w", name, err)
		}
		entries = append(entries, ZipEntry{Path: name, Data: buf})
	}
	return entries, nil
}
