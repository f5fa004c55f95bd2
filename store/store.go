package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/coffer/types"
)

var (
	// ErrUnavailable means the partition backend could not be reached or
	// returned a malformed response. The condition is transient and may be
	// retried by the caller; reads depending on this store must fail closed.
	ErrUnavailable = errors.New("partition unavailable")

	// ErrConflict is returned by components writing through a Store when the
	// document's revision moved between checkout and write-back. The write
	// did not happen; retrying from a fresh checkout may succeed.
	ErrConflict = errors.New("write conflict")
)

// Document is the full content of a partition at some revision. A nil Record
// means the document does not exist yet; that is an empty partition, not an
// error.
type Document struct {
	Record   []byte
	Revision types.Revision
}

// Store provides whole-document access to a single partition. The backend
// offers no conditional write: Save overwrites the entire document
// unconditionally and returns the new revision. Detecting concurrent writers
// is the caller's job, by comparing revisions between Load calls.
type Store interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, record []byte) (types.Revision, error)
}
