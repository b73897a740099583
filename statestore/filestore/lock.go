package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const ownerFile = "owner.json"

// lockOwner identifies the holder of a lock directory. Its timestamp is
// what makes crashed-holder locks detectable.
type lockOwner struct {
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquired_at"`
}

// dirLock is a mutual-exclusion primitive built on atomic directory
// creation: os.Mkdir fails if the directory already exists, so whoever
// creates it holds the lock. Release removes the directory recursively.
//
// Acquisition polls on a fixed delay up to a timeout and then fails hard;
// a stuck lock means real contention or a crashed holder and must surface.
// A lock whose owner timestamp is older than the staleness bound is treated
// as abandoned by a crashed process, removed, and re-contended.
type dirLock struct {
	dir string
}

func (s *Store) acquire(name string) (dirLock, error) {
	dir := filepath.Join(s.locksDir, name+".lock")
	deadline := time.Now().Add(s.lockTimeout)

	for {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			owner := lockOwner{PID: os.Getpid(), AcquiredAt: time.Now().UTC().Format(time.RFC3339Nano)}
			data, _ := json.Marshal(owner)
			if werr := os.WriteFile(filepath.Join(dir, ownerFile), data, 0o644); werr != nil {
				os.RemoveAll(dir)
				return dirLock{}, fmt.Errorf("write lock owner for %q: %w", name, werr)
			}
			return dirLock{dir: dir}, nil
		}
		if !os.IsExist(err) {
			return dirLock{}, fmt.Errorf("acquire lock %q: %w", name, err)
		}

		if s.stealIfStale(dir) {
			continue
		}
		if time.Now().After(deadline) {
			return dirLock{}, fmt.Errorf("acquire lock %q: timed out after %s", name, s.lockTimeout)
		}
		time.Sleep(s.lockPoll)
	}
}

// stealIfStale removes the lock directory when its owner record is older
// than the staleness bound, which indicates the holder crashed without
// releasing. Reports whether a steal happened.
func (s *Store) stealIfStale(dir string) bool {
	var acquiredAt time.Time

	var owner lockOwner
	data, err := os.ReadFile(filepath.Join(dir, ownerFile))
	if err == nil && json.Unmarshal(data, &owner) == nil {
		if t, terr := time.Parse(time.RFC3339Nano, owner.AcquiredAt); terr == nil {
			acquiredAt = t
		}
	}
	if acquiredAt.IsZero() {
		// Owner record missing or corrupt; fall back to the directory's
		// own mtime so a half-written lock cannot starve us forever.
		info, serr := os.Stat(dir)
		if serr != nil {
			return false
		}
		acquiredAt = info.ModTime()
	}

	if time.Since(acquiredAt) < s.lockStaleAfter {
		return false
	}
	return os.RemoveAll(dir) == nil
}

func (l dirLock) release() {
	os.RemoveAll(l.dir)
}

// withLocks runs fn while holding the locks for every named set. Names are
// deduplicated and acquired in lexicographic order so that concurrent
// multi-set operations cannot deadlock, and released in reverse.
func (s *Store) withLocks(names []string, fn func() error) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	held := make([]dirLock, 0, len(sorted))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].release()
		}
	}()

	var prev string
	for _, name := range sorted {
		if name == prev {
			continue
		}
		prev = name
		l, err := s.acquire(name)
		if err != nil {
			return err
		}
		held = append(held, l)
	}
	return fn()
}
