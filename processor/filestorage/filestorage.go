// Package filestorage abstracts the destinations a finished job folder can
// be mirrored to.
package filestorage

import "io"

// FileStorage is implemented by mirror backends. Paths are relative,
// slash-separated and rooted at the backend's own base.
//
// Mirroring copies; the local library stays the canonical source.
type FileStorage interface {
	Store(relpath string, r io.Reader) error
	Exists(relpath string) bool
	Delete(relpath string) error
}
