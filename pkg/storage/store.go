// Package storage implements the DTN node's persistent bundle store: a
// durable map from bundle ID to serialized bundle, with enumeration and
// delete, backed by one file per bundle under a node-scoped directory.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn-relay/dtnnode/pkg/bundle"
)

// forwardedSuffix marks the sidecar file recording that a bundle has already
// been handed off successfully to the node's sole neighbor. It is a separate
// zero-length file rather than a field on Bundle because the forwarded state
// is local store bookkeeping, not part of the wire/disk bundle encoding.
const forwardedSuffix = ".fwd"

// tempPrefix marks a write-in-progress file left behind by a crash between
// os.CreateTemp and os.Rename in writeFile; rehydration must not mistake it
// for a stored bundle.
const tempPrefix = ".tmp-"

// Store is a durable, concurrency-safe map of bundle ID to serialized
// bundle. Writes are fsynced before Put returns, so a bundle known to the
// store survives a process crash.
type Store struct {
	dir           string
	maxFrameBytes uint64

	mu        sync.RWMutex
	index     map[string]struct{}
	forwarded map[string]struct{}

	ioErrors uint64
}

// NewStore opens (and if necessary creates) the store rooted at dir,
// rehydrating its in-memory index and forwarded-bundle set from whatever
// bundle and marker files already exist there. This is how a node recovers
// its pending bundles, and which of them it has already forwarded, after a
// restart.
func NewStore(dir string, maxFrameBytes uint64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	s := &Store{
		dir:           dir,
		maxFrameBytes: maxFrameBytes,
		index:         make(map[string]struct{}),
		forwarded:     make(map[string]struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasPrefix(name, tempPrefix):
			continue
		case strings.HasSuffix(name, forwardedSuffix):
			s.forwarded[strings.TrimSuffix(name, forwardedSuffix)] = struct{}{}
		case len(name) != 32 || strings.Trim(name, "0123456789abcdef") != "":
			continue // not a bundle ID (e.g. the node's delivery log)
		default:
			s.index[name] = struct{}{}
		}
	}

	log.WithFields(log.Fields{
		"dir":       dir,
		"count":     len(s.index),
		"forwarded": len(s.forwarded),
	}).Info("Store rehydrated from disk")

	return s, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id)
}

// Put durably writes b, keyed by its ID. If the ID is already present this
// is an idempotent no-op and returns bundle.ErrAlreadyPresent.
func (s *Store) Put(b bundle.Bundle) error {
	s.mu.Lock()
	if _, known := s.index[b.ID]; known {
		s.mu.Unlock()
		return bundle.ErrAlreadyPresent
	}
	s.mu.Unlock()

	if err := s.writeFile(b); err != nil {
		s.mu.Lock()
		s.ioErrors++
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.index[b.ID] = struct{}{}
	s.mu.Unlock()

	return nil
}

// writeFile serializes b to a temp file, fsyncs it, and renames it into
// place so a concurrent reader never observes a partially written bundle.
func (s *Store) writeFile(b bundle.Bundle) error {
	encoded, err := bundle.Encode(b, s.maxFrameBytes)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, s.path(b.ID))
}

// Update overwrites the serialized image of an already-stored bundle, used
// by the forwarding engine to persist a forward-image (incremented
// HopCount, appended Path) in place.
func (s *Store) Update(b bundle.Bundle) error {
	if err := s.writeFile(b); err != nil {
		s.mu.Lock()
		s.ioErrors++
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.index[b.ID] = struct{}{}
	s.mu.Unlock()

	return nil
}

// Get fetches the bundle stored under id, or bundle.ErrNotFound.
func (s *Store) Get(id string) (bundle.Bundle, error) {
	s.mu.RLock()
	_, known := s.index[id]
	s.mu.RUnlock()

	if !known {
		return bundle.Bundle{}, bundle.ErrNotFound
	}

	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return bundle.Bundle{}, bundle.ErrNotFound
	} else if err != nil {
		return bundle.Bundle{}, err
	}

	return bundle.Decode(data, s.maxFrameBytes)
}

// Delete removes a bundle, and its forwarded marker if any, from the store.
// A missing key is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.index, id)
	delete(s.forwarded, id)
	s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.path(id) + forwardedSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MarkForwarded durably records that id has been handed off successfully to
// the node's sole neighbor, so the periodic re-sweep does not dispatch it
// again. Idempotent.
func (s *Store) MarkForwarded(id string) error {
	s.mu.RLock()
	_, already := s.forwarded[id]
	s.mu.RUnlock()
	if already {
		return nil
	}

	f, err := os.Create(s.path(id) + forwardedSuffix)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	s.forwarded[id] = struct{}{}
	s.mu.Unlock()

	return nil
}

// Forwarded reports whether id has already been handed off successfully to
// the node's sole neighbor.
func (s *Store) Forwarded(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.forwarded[id]
	return ok
}

// Known reports whether id has been written to the store.
func (s *Store) Known(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, known := s.index[id]
	return known
}

// Count returns the number of bundles currently in the store.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// IDs returns a stable snapshot of the bundle IDs known at call time.
// Concurrent insertions during iteration may or may not be reflected, per
// the store's lazy-enumeration contract.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	return ids
}

// IOErrors returns the count of I/O failures encountered by Put/Update,
// logged and counted rather than crashing the node.
func (s *Store) IOErrors() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ioErrors
}
