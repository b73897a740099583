package filestorage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSystem mirrors job folders into a second directory tree, typically a
// NAS mount.
type FileSystem struct {
	RootDir string
}

func NewFileSystem(rootdir string) (*FileSystem, error) {
	if err := os.MkdirAll(rootdir, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror root: %w", err)
	}
	return &FileSystem{RootDir: rootdir}, nil
}

// Store writes r to relpath under the mirror root, via a temp file so a
// crash never leaves a truncated mirror copy.
func (fs *FileSystem) Store(relpath string, r io.Reader) error {
	dest := filepath.Join(fs.RootDir, filepath.FromSlash(relpath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".mirror-")
	if err != nil {
		return err
	}
	if _, err = io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func (fs *FileSystem) Exists(relpath string) bool {
	_, err := os.Stat(filepath.Join(fs.RootDir, filepath.FromSlash(relpath)))
	return err == nil
}

func (fs *FileSystem) Delete(relpath string) error {
	err := os.Remove(filepath.Join(fs.RootDir, filepath.FromSlash(relpath)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
