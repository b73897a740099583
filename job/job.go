// Package job contains the core entities of objstash: the Job, the pipeline
// Stage state machine and the vendor object snapshot.
package job

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Names of the artifacts written inside a job's folder. The validation
// engine keys off the same names when auditing an existing download.
const (
	NotesFile    = "notes.txt"
	MetadataFile = "object.json"
	ImagesDir    = "images"
	FilesDir     = "files"

	// NotesHeaderRule is the separator line opening and closing the notes
	// header block. Its presence is what marks a notes file as recognized.
	NotesHeaderRule = "=============================="
)

// Job represents one external object id's end-to-end progress through the
// download pipeline.
//
// It is owned by the registry and mirrored 1:1 into a persisted file by the
// state store. Stage transitions always go through state store moves; the
// Stage field here is the registry's view of the same fact.
type Job struct {
	ID string `json:"id"`

	// Best-known snapshot of the vendor object. Empty until the prepare
	// stage fetches authoritative metadata.
	Object Object `json:"object"`

	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`

	// Last error text reported for this job, if any.
	LastError string `json:"last_error,omitempty"`
}

func (j Job) String() string {
	return fmt.Sprintf("Job{ID:%s, Name:%s, Stage:%s, Progress:%d}",
		j.ID, j.Object.Name, j.Stage, j.Progress)
}

// Object is the metadata snapshot of a remote object as returned by the
// vendor API.
type Object struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Designer    string       `json:"designer"`
	Description string       `json:"description,omitempty"`
	Images      []Image      `json:"images,omitempty"`
	Files       []ObjectFile `json:"files,omitempty"`
}

// Image is one image reference of an object. The vendor declares the same
// image in several resolutions plus a generic URL.
type Image struct {
	Name  string      `json:"name"`
	URL   string      `json:"url"`
	Sizes []ImageSize `json:"sizes,omitempty"`
}

// ImageSize is a single declared resolution of an image.
type ImageSize struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// ObjectFile is one downloadable file of an object.
type ObjectFile struct {
	Name      string `json:"name"`
	DirectURL string `json:"direct_url,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// imageSizePriority orders declared resolutions from largest to smallest.
// BestURL walks it before falling back to the generic URL field.
var imageSizePriority = []string{"original", "huge", "large", "medium", "standard", "thumb"}

// BestURL returns the URL of the largest declared resolution of i, falling
// back to the generic URL field. It returns "" if the image has no usable
// URL at all.
func (i Image) BestURL() string {
	for _, kind := range imageSizePriority {
		for _, s := range i.Sizes {
			if s.Kind == kind && s.URL != "" {
				return s.URL
			}
		}
	}
	return i.URL
}

// Dir returns the on-disk folder of o under base:
// <base>/<designer, sanitized>/<name, sanitized>.
func (o Object) Dir(base string) string {
	return filepath.Join(base, SanitizeSegment(o.Designer), SanitizeSegment(o.Name))
}

// RenderNotes produces the human-readable notes file contents, opening with
// the structured header block the validation engine recognizes.
func (o Object) RenderNotes() string {
	var b strings.Builder
	b.WriteString(NotesHeaderRule + "\n")
	fmt.Fprintf(&b, "Object:   %s\n", o.Name)
	fmt.Fprintf(&b, "Designer: %s\n", o.Designer)
	fmt.Fprintf(&b, "ID:       %s\n", o.ID)
	b.WriteString(NotesHeaderRule + "\n")
	if o.Description != "" {
		b.WriteString("\n" + o.Description + "\n")
	}
	return b.String()
}

// SanitizeSegment makes s usable as a single path segment: every character
// of `\ / : * ? " < > |` becomes an underscore and trailing dots/spaces are
// stripped (illegal trailing characters on common filesystems).
func SanitizeSegment(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
			out[i] = '_'
		}
	}
	return strings.TrimRight(string(out), ". ")
}
