package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var errInvalidEntityID = errors.New("invalid entity id")

// fileStore persists the latest LocationReport per entity, one JSON file per
// entity under dir. Writes for the same entity serialize; writes for
// different entities never contend. No history is kept: each save fully
// replaces the previous snapshot.
type fileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &fileStore{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *fileStore) entityLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// entityPath maps an entity ID to its snapshot file. IDs that are not a
// clean path basename are rejected rather than sanitized, so a crafted ID
// can never escape the data directory.
func (s *fileStore) entityPath(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", errInvalidEntityID
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// save overwrites the entity's snapshot. The write goes to a temp file in the
// same directory and is renamed into place, so a crash mid-write leaves the
// previous snapshot intact (no torn reads after restart).
func (s *fileStore) save(report LocationReport) error {
	return s.saveAndNotify(report, nil)
}

// saveAndNotify persists the snapshot and, on success, runs notify before
// releasing the entity's lock. Callers use it to keep a post-persist action
// (queueing a broadcast) in the same per-entity order as the completed
// writes; notify must not block.
func (s *fileStore) saveAndNotify(report LocationReport, notify func()) error {
	path, err := s.entityPath(report.UUID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report for %s: %w", report.UUID, err)
	}

	l := s.entityLock(report.UUID)
	l.Lock()
	defer l.Unlock()

	tmp, err := os.CreateTemp(s.dir, report.UUID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", report.UUID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing snapshot for %s: %w", report.UUID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing snapshot for %s: %w", report.UUID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing snapshot for %s: %w", report.UUID, err)
	}
	if notify != nil {
		notify()
	}
	return nil
}

// load returns the latest snapshot for an entity. os.ErrNotExist wraps
// through for entities that never reported.
func (s *fileStore) load(id string) (LocationReport, error) {
	var report LocationReport
	path, err := s.entityPath(id)
	if err != nil {
		return report, err
	}

	l := s.entityLock(id)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("reading snapshot for %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("decoding snapshot for %s: %w", id, err)
	}
	return report, nil
}
