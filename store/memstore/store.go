package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/types"
)

// New creates new in-process partition store. It implements the same
// whole-document contract as a remote backend and is used by tests and
// benchmarks. Revisions form a hash chain over saved content, so every save
// produces a marker different from all previous ones.
func New() *Store {
	return &Store{}
}

// Store is an in-process partition backend with injectable faults.
type Store struct {
	mu       sync.Mutex
	record   []byte
	revision types.Revision
	chain    uint64

	failLoads uint64
	failSaves uint64
	saves     uint64
}

// Load returns the current document.
func (s *Store) Load(ctx context.Context) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return store.Document{}, errors.WithStack(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failLoads > 0 {
		s.failLoads--
		return store.Document{}, errors.Wrap(store.ErrUnavailable, "injected load failure")
	}

	return store.Document{
		Record:   append([]byte(nil), s.record...),
		Revision: s.revision,
	}, nil
}

// Save overwrites the document and returns the new revision.
func (s *Store) Save(ctx context.Context, record []byte) (types.Revision, error) {
	if err := ctx.Err(); err != nil {
		return types.ZeroRevision, errors.WithStack(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	if s.failSaves > 0 {
		s.failSaves--
		return types.ZeroRevision, errors.Wrap(store.ErrUnavailable, "injected save failure")
	}

	s.chain = xxh3.HashSeed(record, s.chain)
	s.record = append([]byte(nil), record...)
	s.revision = types.Revision(fmt.Sprintf("%016x", s.chain))
	return s.revision, nil
}

// Seed sets the document content directly, bypassing counters. Test setup
// only.
func (s *Store) Seed(record []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chain = xxh3.HashSeed(record, s.chain)
	s.record = append([]byte(nil), record...)
	s.revision = types.Revision(fmt.Sprintf("%016x", s.chain))
}

// FailLoads makes the next n loads fail with store.ErrUnavailable.
func (s *Store) FailLoads(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLoads = n
}

// FailSaves makes the next n saves fail with store.ErrUnavailable.
func (s *Store) FailSaves(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = n
}

// Saves returns the number of save attempts observed.
func (s *Store) Saves() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
