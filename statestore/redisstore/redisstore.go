// Package redisstore implements the durable state store on Redis sets.
// Stage sets map to SADD/SREM/SMEMBERS/SPOP, two-set moves run as a Lua
// script so they are atomic relative to every other mutation, and job
// records live as JSON strings under job:<id>.
//
// Deployments that already run Redis can prefer this backend over the flat
// files; Redis serializes commands, so no extra locking is needed.
package redisstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis"

	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/statestore"
)

const (
	setKeyPrefix = "set:"
	jobKeyPrefix = "job:"
)

var (
	// moveScript removes the id from the source set and adds it to the
	// destination in one atomic step, mirroring the two-lock file move.
	moveScript = redis.NewScript(`
		redis.call("srem", KEYS[1], ARGV[1])
		redis.call("sadd", KEYS[2], ARGV[1])
		return 1
	`)

	// moveIfMemberScript only moves when the source actually holds the id,
	// which is exactly the MoveAcross candidate semantics.
	moveIfMemberScript = redis.NewScript(`
		if redis.call("sismember", KEYS[1], ARGV[1]) == 1 then
			redis.call("smove", KEYS[1], KEYS[2], ARGV[1])
			return 1
		end
		return 0
	`)
)

// Store wraps a redis.Client.
type Store struct {
	Redis *redis.Client
	sets  []string
}

// New pings Redis and returns a store tracking the given set names.
func New(r *redis.Client, sets []string) (*Store, error) {
	if ping := r.Ping(); ping.Err() != nil {
		return nil, fmt.Errorf("could not ping Redis: %w", ping.Err())
	}
	return &Store{Redis: r, sets: append([]string(nil), sets...)}, nil
}

func setKey(set string) string { return setKeyPrefix + set }

func (s *Store) Add(set, id string) error {
	return s.Redis.SAdd(setKey(set), id).Err()
}

func (s *Store) Remove(set, id string) error {
	return s.Redis.SRem(setKey(set), id).Err()
}

func (s *Store) Move(from, to, id string) error {
	if from == to {
		return s.Add(to, id)
	}
	_, err := moveScript.Run(s.Redis, []string{setKey(from), setKey(to)}, id).Result()
	if err != nil {
		return fmt.Errorf("move %q from %q to %q: %w", id, from, to, err)
	}
	return nil
}

func (s *Store) MoveIfMember(from, to, id string) (bool, error) {
	if from == to {
		return s.Contains(from, id)
	}
	res, err := moveIfMemberScript.Run(s.Redis, []string{setKey(from), setKey(to)}, id).Result()
	if err != nil {
		return false, fmt.Errorf("move %q from %q to %q: %w", id, from, to, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

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

// GetAll returns the set members sorted, so snapshots stay deterministic
// across calls the way the file store's ordered lists are.
func (s *Store) GetAll(set string) ([]string, error) {
	ids, err := s.Redis.SMembers(setKey(set)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Size(set string) (int, error) {
	n, err := s.Redis.SCard(setKey(set)).Result()
	return int(n), err
}

func (s *Store) Contains(set, id string) (bool, error) {
	return s.Redis.SIsMember(setKey(set), id).Result()
}

func (s *Store) Pop(set string) (string, error) {
	id, err := s.Redis.SPop(setKey(set)).Result()
	if err == redis.Nil {
		return "", statestore.ErrEmptySet
	}
	return id, err
}

func (s *Store) GetJob(id string) (job.Job, error) {
	data, err := s.Redis.Get(jobKeyPrefix + id).Result()
	if err == redis.Nil {
		return job.Job{ID: id}, statestore.ErrNotFound
	}
	if err != nil {
		return job.Job{}, err
	}

	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return job.Job{}, fmt.Errorf("parse job %q: %w", id, err)
	}
	return j, nil
}

func (s *Store) SaveJob(j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %q: %w", j.ID, err)
	}
	return s.Redis.Set(jobKeyPrefix+j.ID, string(data), 0).Err()
}

func (s *Store) RemoveJob(id string) error {
	return s.Redis.Del(jobKeyPrefix + id).Err()
}

// JobIDs scans for persisted job keys.
func (s *Store) JobIDs() ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.Redis.Scan(cursor, jobKeyPrefix+"*", 50).Result()
		if err != nil {
			return nil, fmt.Errorf("scan job keys: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, jobKeyPrefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return ids, nil
}

func (s *Store) AllKnownIDs() ([]string, error) {
	keys := make([]string, len(s.sets))
	for i, set := range s.sets {
		keys[i] = setKey(set)
	}
	ids, err := s.Redis.SUnion(keys...).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) LogUnknownFailure(id, message string) error {
	message = strings.ReplaceAll(message, "\n", " ")
	message = strings.ReplaceAll(message, "\r", " ")
	return s.Redis.RPush(setKey(statestore.UnknownFailureSet), id+":"+message).Err()
}
