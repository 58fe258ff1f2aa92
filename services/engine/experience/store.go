// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrPersistence wraps store write failures. Per the engine's error
// policy these are fatal for the role's epoch: the run halts rather than
// silently losing curated experience.
var ErrPersistence = errors.New("experience: persistence failure")

// keyPrefix namespaces experience records in the shared database.
const keyPrefix = "experience/"

// seqPrefix namespaces the per-role id counters. Kept outside keyPrefix
// so Roles and Checkpoint never see them as experience lists.
const seqPrefix = "sequence/"

// Store holds every role's experience list in one BadgerDB instance.
//
// Each role's list is stored under a single key and rewritten wholesale
// on mutation, so a Badger transaction gives atomic persistence per
// role. Mutation is serialized per role: Apply holds the role's lock
// across load, mutate, and persist, which is the single-writer-per-role
// invariant the extractor relies on.
//
// Thread Safety: Safe for concurrent use across roles; operations on
// the same role serialize.
type Store struct {
	db *badger.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store over an open database.
func NewStore(db *badger.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// roleLock returns the serialization point for one role.
func (s *Store) roleLock(role string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[role]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[role] = lock
	}
	return lock
}

// Load returns a copy of a role's ordered experience list.
//
// The copy is the problem-scoped snapshot: loaded once at the start of
// a problem and never refreshed mid-problem.
func (s *Store) Load(ctx context.Context, role string) ([]Experience, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var list []Experience
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + role))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &list)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load experiences for %s: %w", role, err)
	}
	return list, nil
}

// Snapshot returns the prompt-facing view for a generator role: the
// shared list followed by the role's own list.
func (s *Store) Snapshot(ctx context.Context, role string) ([]Experience, error) {
	var combined []Experience
	if role != RoleShared {
		shared, err := s.Load(ctx, RoleShared)
		if err != nil {
			return nil, err
		}
		combined = append(combined, shared...)
	}
	own, err := s.Load(ctx, role)
	if err != nil {
		return nil, err
	}
	return append(combined, own...), nil
}

// Apply mutates a role's store with an ordered operation batch.
//
// Description:
//
//	Holds the role's lock across load → mutate → persist. Operations
//	apply in the order received; each is independently safe (modify or
//	delete of an unknown id is a no-op, counted in skipped). Adds mint a
//	fresh role-prefixed monotonic id from a persisted per-role counter,
//	so an id is never reissued after its lesson is deleted. The full
//	list and the counter are rewritten in one transaction with a
//	subsequent sync.
//
// Outputs:
//
//	applied, skipped - Counts of effective and no-op operations.
//	error - ErrPersistence-wrapped on write failure; the caller must
//	treat this as fatal for the role.
//
// Thread Safety: Safe for concurrent use; same-role calls serialize.
func (s *Store) Apply(ctx context.Context, role, sourceProblem string, ops []Operation) (applied, skipped int, err error) {
	lock := s.roleLock(role)
	lock.Lock()
	defer lock.Unlock()

	list, err := s.Load(ctx, role)
	if err != nil {
		return 0, 0, err
	}

	seq, err := s.loadSequence(role)
	if err != nil {
		return 0, 0, err
	}
	if seq == 0 {
		// Stores written before the counter existed derive it from the
		// surviving list once, then the counter takes over.
		seq = maxSequence(role, list)
	}
	for _, op := range ops {
		switch op.Op {
		case OpAdd:
			seq++
			list = append(list, Experience{
				ID:            mintID(role, seq),
				Content:       op.Content,
				Category:      op.Category,
				CreatedAt:     time.Now().UTC(),
				SourceProblem: sourceProblem,
			})
			applied++
		case OpModify:
			if i := indexByID(list, op.ExperienceID); i >= 0 {
				list[i].Content = op.NewContent
				applied++
			} else {
				skipped++
			}
		case OpDelete:
			if i := indexByID(list, op.ExperienceID); i >= 0 {
				list = append(list[:i], list[i+1:]...)
				applied++
			} else {
				skipped++
			}
		default:
			skipped++
		}
	}

	if err := s.persist(role, list, seq); err != nil {
		return applied, skipped, fmt.Errorf("%w: role %s: %w", ErrPersistence, role, err)
	}
	return applied, skipped, nil
}

// RecordUsage bumps usage counters for lessons injected into a prompt.
//
// Called after a rollout completes: usage_count for every injected
// lesson, success_count additionally when the rollout was correct.
// Counter drift on failure is tolerable, so errors are returned but not
// fatal to the run.
func (s *Store) RecordUsage(ctx context.Context, role string, ids []string, success bool) error {
	if len(ids) == 0 {
		return nil
	}
	lock := s.roleLock(role)
	lock.Lock()
	defer lock.Unlock()

	list, err := s.Load(ctx, role)
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	touched := false
	for i := range list {
		if wanted[list[i].ID] {
			list[i].UsageCount++
			if success {
				list[i].SuccessCount++
			}
			touched = true
		}
	}
	if !touched {
		return nil
	}
	return s.persist(role, list, -1)
}

// Roles lists every role with a stored experience list.
func (s *Store) Roles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var roles []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			roles = append(roles, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	sort.Strings(roles)
	return roles, nil
}

// Checkpoint writes every role's list as JSON files under dir.
func (s *Store) Checkpoint(ctx context.Context, dir string) error {
	roles, err := s.Roles(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: create checkpoint dir: %w", ErrPersistence, err)
	}
	for _, role := range roles {
		list, err := s.Load(ctx, role)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal checkpoint for %s: %w", role, err)
		}
		path := filepath.Join(dir, role+".json")
		if err := os.WriteFile(path, data, 0o640); err != nil {
			return fmt.Errorf("%w: write checkpoint %s: %w", ErrPersistence, path, err)
		}
	}
	return nil
}

// persist rewrites a role's list wholesale and syncs to disk. A
// non-negative seq also rewrites the role's id counter in the same
// transaction; pass -1 to leave the counter untouched.
func (s *Store) persist(role string, list []Experience, seq int) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyPrefix+role), data); err != nil {
			return err
		}
		if seq >= 0 {
			return txn.Set([]byte(seqPrefix+role), []byte(strconv.Itoa(seq)))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

// loadSequence reads a role's high-water id counter. Zero means the
// counter has never been written.
func (s *Store) loadSequence(role string) (int, error) {
	seq := 0
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(seqPrefix + role))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			seq, err = strconv.Atoi(string(val))
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("load id counter for %s: %w", role, err)
	}
	return seq, nil
}

// mintID formats a role-scoped monotonic id.
func mintID(role string, seq int) string {
	return fmt.Sprintf("%s-%04d", role, seq)
}

// maxSequence finds the highest sequence number already minted.
func maxSequence(role string, list []Experience) int {
	max := 0
	prefix := role + "-"
	for _, e := range list {
		if !strings.HasPrefix(e.ID, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.ID, prefix)); err == nil && n > max {
			max = n
		}
	}
	return max
}

// indexByID finds an experience by id, or -1.
func indexByID(list []Experience, id string) int {
	for i, e := range list {
		if e.ID == id {
			return i
		}
	}
	return -1
}
