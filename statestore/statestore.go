// Package statestore defines the durable state store contract: named,
// deduplicated id sets holding stage membership, plus per-job metadata
// blobs. Implementations must serialize all mutations of a set and make
// two-set moves atomic relative to other calls touching the same sets.
package statestore

import (
	"errors"

	"github.com/objstash/objstash/job"
)

var (
	// ErrNotFound is returned by GetJob when no record is persisted for
	// the requested id. The returned job still carries a valid ID.
	ErrNotFound = errors.New("not found")

	// ErrEmptySet is returned by Pop when the set holds no ids.
	ErrEmptySet = errors.New("set is empty")
)

// UnknownFailureSet is the dedicated diagnostic log for errors that escaped
// classification. Entries are "id:message" lines, distinct from the typed
// failure-stage sets.
const UnknownFailureSet = "unknown_failures"

// Store is the durable state store.
//
// Add, Remove and the remove/add halves of Move are idempotent. Move
// acquires both set locks in lexicographic name order so concurrent moves
// between the same pair of sets cannot deadlock. A lock acquisition timeout
// fails the call with an error; it is never swallowed.
type Store interface {
	Add(set, id string) error
	Remove(set, id string) error

	// Move atomically removes id from one set and adds it to another.
	// Same-set moves degrade to an Add under a single lock.
	Move(from, to, id string) error

	// MoveIfMember moves id only when the source set still holds it, and
	// reports whether the move happened. Stage workers use it so a
	// concurrent cancellation that already pulled the id out of its stage
	// wins the race.
	MoveIfMember(from, to, id string) (bool, error)

	// MoveAcross tries each candidate source in turn and moves the id out
	// of whichever one actually holds it. Candidates not holding the id
	// are no-ops. Used when the caller does not know the exact current
	// stage, e.g. on cancellation.
	MoveAcross(candidates []string, to, id string) error

	// GetAll returns a snapshot of the set taken under its lock. The
	// snapshot may be stale by the time the caller acts on it; callers
	// re-check before acting.
	GetAll(set string) ([]string, error)
	Size(set string) (int, error)
	Contains(set, id string) (bool, error)

	// Pop removes and returns one id from the set, or ErrEmptySet.
	Pop(set string) (string, error)

	GetJob(id string) (job.Job, error)
	SaveJob(j *job.Job) error
	RemoveJob(id string) error

	// JobIDs lists the ids of every persisted job record.
	JobIDs() ([]string, error)

	// AllKnownIDs unions every set's contents. Used together with JobIDs
	// for orphan recovery on startup.
	AllKnownIDs() ([]string, error)

	// LogUnknownFailure appends an "id:message" line (message stripped of
	// newlines) to the unknown-failure diagnostic set.
	LogUnknownFailure(id, message string) error
}
