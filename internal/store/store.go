// SPDX-License-Identifier: GPL-2.0-only

// Package store persists desired device ownership across daemon restarts.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
)

// AssignAllNone is the sentinel desired-owner value meaning "no client".
const AssignAllNone = "none"

// record is the on-disk JSON shape, kept deliberately flat so the file stays
// hand-editable, matching the original PersistentDict's single top-level map.
type record struct {
	DeviceOwners map[string]string `json:"device_assignments"`
	AssignAllID  string            `json:"assign_all_client_id"`
}

// Store is the write-through assignment table described by the Assignment
// Store component: every mutator persists to disk before returning.
type Store struct {
	mu     sync.Mutex
	path   string
	rec    record
	logger log.Logger
}

// Open loads path if it exists and is well-formed JSON; a missing file, or
// one that fails to parse, yields an empty store rather than an error, since
// the daemon must still start on a fresh host.
func Open(path string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		path: path,
		rec: record{
			DeviceOwners: make(map[string]string),
			AssignAllID:  AssignAllNone,
		},
		logger: logger,
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			_ = logger.Log("msg", "assignment file is not valid JSON; starting empty", "path", path, "err", err)
			break
		}
		if rec.DeviceOwners == nil {
			rec.DeviceOwners = make(map[string]string)
		}
		if rec.AssignAllID == "" {
			rec.AssignAllID = AssignAllNone
		}
		s.rec = rec
	case os.IsNotExist(err):
		// no prior assignments; nothing to do.
	default:
		return nil, errors.Wrapf(err, "failed to read assignment file %s", path)
	}
	return s, nil
}

// Get returns the desired owner for busID, if one is recorded.
func (s *Store) Get(busID string) (clientID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clientID, ok = s.rec.DeviceOwners[busID]
	return clientID, ok
}

// Set records busID's desired owner and persists the change.
func (s *Store) Set(busID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.rec.DeviceOwners[busID]
	s.rec.DeviceOwners[busID] = clientID
	if err := s.persistLocked(); err != nil {
		if had {
			s.rec.DeviceOwners[busID] = prev
		} else {
			delete(s.rec.DeviceOwners, busID)
		}
		return err
	}
	return nil
}

// Remove clears busID's desired owner, if any, and persists the change.
func (s *Store) Remove(busID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.rec.DeviceOwners[busID]
	if !had {
		return nil
	}
	delete(s.rec.DeviceOwners, busID)
	if err := s.persistLocked(); err != nil {
		s.rec.DeviceOwners[busID] = prev
		return err
	}
	return nil
}

// ClearAll drops every desired-owner entry and resets assign-all to none.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevOwners, prevAssignAll := s.rec.DeviceOwners, s.rec.AssignAllID
	s.rec.DeviceOwners = make(map[string]string)
	s.rec.AssignAllID = AssignAllNone
	if err := s.persistLocked(); err != nil {
		s.rec.DeviceOwners, s.rec.AssignAllID = prevOwners, prevAssignAll
		return err
	}
	return nil
}

// GetAssignAll returns the current blanket-assignment client ID, or
// AssignAllNone if unset.
func (s *Store) GetAssignAll() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.AssignAllID
}

// SetAssignAll records the blanket-assignment client ID and persists it.
func (s *Store) SetAssignAll(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.rec.AssignAllID
	s.rec.AssignAllID = clientID
	if err := s.persistLocked(); err != nil {
		s.rec.AssignAllID = prev
		return err
	}
	return nil
}

// Iter returns a copy of the busID -> desired owner pairs; use SortedBusIDs
// for a deterministic order.
func (s *Store) Iter() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.rec.DeviceOwners))
	for k, v := range s.rec.DeviceOwners {
		out[k] = v
	}
	return out
}

// SortedBusIDs returns the desired-owner keys in sorted order, for callers
// that need deterministic iteration (the Assignment Engine's reconciliation
// rules all iterate devices in sorted bus ID order).
func (s *Store) SortedBusIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rec.DeviceOwners))
	for id := range s.rec.DeviceOwners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal assignment record")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".assignments-*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to write assignment file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to close temp assignment file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed to rename temp file onto %s", s.path)
	}
	return nil
}
