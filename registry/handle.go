package registry

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/types"
)

// ErrConflict means the partition was written by someone else between
// checkout and commit. The caller may retry the whole operation from a fresh
// checkout; the concurrent writer may have finished by then.
var ErrConflict = store.ErrConflict

// Handle is a scoped in-process checkout of one partition's full account
// sequence. Edits apply in memory only; Commit performs the single
// guaranteed write-back. The backend has no conditional write, so Commit
// re-reads the partition immediately before writing and refuses to overwrite
// if the revision moved since checkout. That costs an extra round trip and
// is the sole safeguard against lost updates, in process and across service
// instances alike.
type Handle struct {
	partition types.PartitionID
	store     store.Store
	accounts  []types.Account
	revision  types.Revision
	done      bool
}

// Partition returns the id of the checked-out partition.
func (h *Handle) Partition() types.PartitionID {
	return h.partition
}

// Edit applies fn to the in-memory account sequence. An error from fn leaves
// the handle unchanged.
func (h *Handle) Edit(fn func(accounts []types.Account) ([]types.Account, error)) error {
	if h.done {
		return errors.New("handle already finished")
	}
	accounts, err := fn(h.accounts)
	if err != nil {
		return err
	}
	h.accounts = accounts
	return nil
}

// Account returns a pointer to the in-memory copy of the account, valid until
// the next Edit call.
func (h *Handle) Account(id types.AccountID) (*types.Account, bool) {
	for i := range h.accounts {
		if h.accounts[i].ID == id {
			return &h.accounts[i], true
		}
	}
	return nil, false
}

// Accounts returns a copy of the in-memory account sequence, including edits
// not committed yet.
func (h *Handle) Accounts() []types.Account {
	copied := make([]types.Account, 0, len(h.accounts))
	for _, a := range h.accounts {
		copied = append(copied, a.Clone())
	}
	return copied
}

// Commit writes the entire mutated sequence back to the partition. It fails
// with ErrConflict if the partition's revision no longer matches the one
// observed at checkout, and never writes in that case.
func (h *Handle) Commit(ctx context.Context) (types.Revision, error) {
	if h.done {
		return types.ZeroRevision, errors.New("handle already finished")
	}

	doc, err := h.store.Load(ctx)
	if err != nil {
		return types.ZeroRevision, errors.Wrapf(err, "partition %s", h.partition)
	}
	if doc.Revision != h.revision {
		return types.ZeroRevision, errors.Wrapf(ErrConflict, "partition %s", h.partition)
	}

	record, err := encodeAccounts(h.accounts)
	if err != nil {
		return types.ZeroRevision, err
	}

	revision, err := h.store.Save(ctx, record)
	if err != nil {
		return types.ZeroRevision, errors.Wrapf(err, "partition %s", h.partition)
	}

	h.done = true
	h.revision = revision
	return revision, nil
}

// Abort discards the handle without writing.
func (h *Handle) Abort() {
	h.done = true
}
