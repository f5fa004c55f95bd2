package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/coffer/helpers"
	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/types"
	"github.com/outofforest/parallel"
)

// ErrUnknownPartition means the partition is not part of the registry
// configuration.
var ErrUnknownPartition = errors.New("unknown partition")

// New creates new registry over the given partition stores.
// Account-to-partition assignment is static: the set of partitions never
// changes for the registry's lifetime and accounts never migrate.
func New(stores map[types.PartitionID]store.Store) *Registry {
	return &Registry{
		stores:     stores,
		partitions: helpers.PartitionIDs(stores),
	}
}

// Registry maintains the unified account view over independently-addressable
// document partitions.
type Registry struct {
	stores     map[types.PartitionID]store.Store
	partitions []types.PartitionID
}

// Partitions returns the configured partition ids in deterministic order.
func (r *Registry) Partitions() []types.PartitionID {
	return r.partitions
}

// ReadAll reads every partition concurrently and merges the results into a
// unified view. If any partition read fails the whole operation fails: a
// partial merge is never returned, because uniqueness and lookup correctness
// depend on seeing every partition.
func (r *Registry) ReadAll(ctx context.Context) (*View, error) {
	accounts := make(map[types.PartitionID][]types.Account, len(r.partitions))
	revisions := make(map[types.PartitionID]types.Revision, len(r.partitions))

	var mu sync.Mutex
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for _, partitionID := range r.partitions {
			s := r.stores[partitionID]
			spawn("read-"+string(partitionID), parallel.Continue, func(ctx context.Context) error {
				doc, err := s.Load(ctx)
				if err != nil {
					return errors.Wrapf(err, "partition %s", partitionID)
				}
				list, err := decodeAccounts(doc)
				if err != nil {
					return errors.Wrapf(err, "partition %s", partitionID)
				}

				mu.Lock()
				defer mu.Unlock()
				accounts[partitionID] = list
				revisions[partitionID] = doc.Revision
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return newView(accounts, revisions)
}

// Lookup reads a fresh view and returns the account with the given id. This
// is the public read surface consumed by business-logic collaborators.
func (r *Registry) Lookup(ctx context.Context, id types.AccountID) (types.Account, error) {
	view, err := r.ReadAll(ctx)
	if err != nil {
		return types.Account{}, err
	}
	account, exists := view.Lookup(id)
	if !exists {
		return types.Account{}, errors.Wrapf(ErrNotFound, "account %d", id)
	}
	return account, nil
}

// Checkout creates a mutation handle for the partition, seeded with the
// account sequence and revision the view observed.
func (r *Registry) Checkout(view *View, partitionID types.PartitionID) (*Handle, error) {
	s, exists := r.stores[partitionID]
	if !exists {
		return nil, errors.Wrapf(ErrUnknownPartition, "partition %s", partitionID)
	}
	return &Handle{
		partition: partitionID,
		store:     s,
		accounts:  view.Accounts(partitionID),
		revision:  view.Revision(partitionID),
	}, nil
}
