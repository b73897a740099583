// Package filestore implements the durable state store on flat files:
// one deduplicated, line-oriented id list per set under states/, one JSON
// blob per job under jobs/, and one ephemeral lock-marker directory per set
// under locks/. The directory locks make the store safe against other
// processes sharing the same data directory (e.g. CLI commands enqueueing
// against a running daemon).
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/statestore"
)

const (
	defaultLockTimeout = 5 * time.Second
	defaultLockPoll    = 25 * time.Millisecond
)

// Store is a flat-file state store rooted at a data directory.
type Store struct {
	statesDir string
	jobsDir   string
	locksDir  string

	// sets are the known set names; AllKnownIDs unions them.
	sets []string

	lockTimeout    time.Duration
	lockPoll       time.Duration
	lockStaleAfter time.Duration
}

// Option adjusts store construction. Only tests normally need these.
type Option func(*Store)

// WithLockTimings overrides the lock acquisition timeout and poll delay.
// The staleness bound follows as twice the timeout.
func WithLockTimings(timeout, poll time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = timeout
		s.lockPoll = poll
		s.lockStaleAfter = 2 * timeout
	}
}

// New creates the states/, jobs/ and locks/ hierarchy under dataDir and
// returns a store tracking the given set names.
func New(dataDir string, sets []string, opts ...Option) (*Store, error) {
	s := &Store{
		statesDir:      filepath.Join(dataDir, "states"),
		jobsDir:        filepath.Join(dataDir, "jobs"),
		locksDir:       filepath.Join(dataDir, "locks"),
		sets:           append([]string(nil), sets...),
		lockTimeout:    defaultLockTimeout,
		lockPoll:       defaultLockPoll,
		lockStaleAfter: 2 * defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{s.statesDir, s.jobsDir, s.locksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state store directory %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) setPath(set string) string {
	return filepath.Join(s.statesDir, set)
}

// readSet loads a set file into an ordered id slice. A missing file is an
// empty set. Caller must hold the set's lock.
func (s *Store) readSet(set string) ([]string, error) {
	data, err := os.ReadFile(s.setPath(set))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read set %q: %w", set, err)
	}

	var ids []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// writeSet rewrites a set file atomically (temp file + rename) so a crash
// mid-write can never leave a truncated set behind. Caller must hold the
// set's lock.
func (s *Store) writeSet(set string, ids []string) error {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	return atomicWrite(s.setPath(set), []byte(b.String()))
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file for %s: %w", path, err)
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Add appends id to the set unless already present.
func (s *Store) Add(set, id string) error {
	return s.withLocks([]string{set}, func() error {
		return s.addLocked(set, id)
	})
}

func (s *Store) addLocked(set, id string) error {
	ids, err := s.readSet(set)
	if err != nil {
		return err
	}
	if contains(ids, id) {
		return nil
	}
	return s.writeSet(set, append(ids, id))
}

// Remove drops id from the set; absent ids are a no-op.
func (s *Store) Remove(set, id string) error {
	return s.withLocks([]string{set}, func() error {
		return s.removeLocked(set, id)
	})
}

func (s *Store) removeLocked(set, id string) error {
	ids, err := s.readSet(set)
	if err != nil {
		return err
	}
	if !contains(ids, id) {
		return nil
	}
	return s.writeSet(set, without(ids, id))
}

// Move transfers id between two sets under both locks. A same-set move
// takes the single-lock fast path and only ensures membership.
func (s *Store) Move(from, to, id string) error {
	if from == to {
		return s.Add(to, id)
	}
	return s.withLocks([]string{from, to}, func() error {
		if err := s.removeLocked(from, id); err != nil {
			return err
		}
		return s.addLocked(to, id)
	})
}

// MoveIfMember moves id only when from still holds it, under both locks.
// Reports whether the move happened.
func (s *Store) MoveIfMember(from, to, id string) (bool, error) {
	if from == to {
		return s.Contains(from, id)
	}

	moved := false
	err := s.withLocks([]string{from, to}, func() error {
		ids, err := s.readSet(from)
		if err != nil {
			return err
		}
		if !contains(ids, id) {
			return nil
		}
		if err := s.writeSet(from, without(ids, id)); err != nil {
			return err
		}
		if err := s.addLocked(to, id); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}

// MoveAcross tries each candidate source in turn, moving the id out of any
// candidate actually holding it. Candidates without the id are no-ops, so
// callers can pass every plausible source without tracking exact stage.
func (s *Store) MoveAcross(candidates []string, to, id string) error {
	for _, from := range candidates {
		if from == to {
			continue
		}
		if _, err := s.MoveIfMember(from, to, id); err != nil {
			return err
		}
	}
	return nil
}

// GetAll returns a snapshot of the set taken under its lock.
func (s *Store) GetAll(set string) ([]string, error) {
	var ids []string
	err := s.withLocks([]string{set}, func() error {
		var rerr error
		ids, rerr = s.readSet(set)
		return rerr
	})
	return ids, err
}

// Size reports the number of ids in the set.
func (s *Store) Size(set string) (int, error) {
	ids, err := s.GetAll(set)
	return len(ids), err
}

// Contains reports whether the set holds id.
func (s *Store) Contains(set, id string) (bool, error) {
	ids, err := s.GetAll(set)
	if err != nil {
		return false, err
	}
	return contains(ids, id), nil
}

// Pop removes and returns the first id of the set.
func (s *Store) Pop(set string) (string, error) {
	var id string
	err := s.withLocks([]string{set}, func() error {
		ids, err := s.readSet(set)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return statestore.ErrEmptySet
		}
		id = ids[0]
		return s.writeSet(set, ids[1:])
	})
	return id, err
}

func (s *Store) jobPath(id string) string {
	return filepath.Join(s.jobsDir, job.SanitizeSegment(id)+".json")
}

// GetJob loads the persisted record for id. On ErrNotFound the returned
// job still carries the id and can be used further.
func (s *Store) GetJob(id string) (job.Job, error) {
	data, err := os.ReadFile(s.jobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return job.Job{ID: id}, statestore.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("read job %q: %w", id, err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return job.Job{}, fmt.Errorf("parse job %q: %w", id, err)
	}
	return j, nil
}

// SaveJob creates or replaces the persisted record for j.
func (s *Store) SaveJob(j *job.Job) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %q: %w", j.ID, err)
	}
	return atomicWrite(s.jobPath(j.ID), append(data, '\n'))
}

// RemoveJob deletes the persisted record; a missing record is a no-op.
func (s *Store) RemoveJob(id string) error {
	err := os.Remove(s.jobPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job %q: %w", id, err)
	}
	return nil
}

// JobIDs lists ids of every persisted job record.
func (s *Store) JobIDs() ([]string, error) {
	entries, err := os.ReadDir(s.jobsDir)
	if err != nil {
		return nil, fmt.Errorf("read jobs directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// AllKnownIDs unions every known set's contents.
func (s *Store) AllKnownIDs() ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, set := range s.sets {
		setIDs, err := s.GetAll(set)
		if err != nil {
			return nil, err
		}
		for _, id := range setIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// LogUnknownFailure appends an "id:message" line to the unknown-failure
// log. The message is flattened to one line so the log stays line-oriented.
func (s *Store) LogUnknownFailure(id, message string) error {
	message = strings.ReplaceAll(message, "\n", " ")
	message = strings.ReplaceAll(message, "\r", " ")
	return s.withLocks([]string{statestore.UnknownFailureSet}, func() error {
		f, err := os.OpenFile(s.setPath(statestore.UnknownFailureSet),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open unknown-failure log: %w", err)
		}
		defer f.Close()
		_, err = fmt.Fprintf(f, "%s:%s\n", id, message)
		return err
	})
}
