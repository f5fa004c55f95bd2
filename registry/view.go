package registry

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/outofforest/coffer/types"
)

var (
	// ErrNotFound means the account does not exist in any partition.
	ErrNotFound = errors.New("account not found")

	// ErrDuplicateID means the same account id appears in more than one
	// partition. That is registry corruption caused by a faulty assignment or
	// duplicate creation. It is surfaced loudly and never auto-healed by
	// picking one copy.
	ErrDuplicateID = errors.New("duplicate account id")
)

const tableAccounts = "accounts"

var viewSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableAccounts: {
			Name: tableAccounts,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "ID"},
				},
				"name": {
					Name:         "name",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "DisplayName", Lowercase: true},
				},
			},
		},
	},
}

// Location names the partition owning an account and the account's offset
// inside the partition's sequence.
type Location struct {
	Partition types.PartitionID
	Offset    int
}

// View is an immutable unified snapshot of all partitions, indexed for
// lookup. It is rebuilt from scratch on every read; partitions may be
// mutated by any concurrent caller, so nothing is cached across reads.
type View struct {
	txn       *memdb.Txn
	locations map[types.AccountID]Location
	accounts  map[types.PartitionID][]types.Account
	revisions map[types.PartitionID]types.Revision
}

func newView(
	accounts map[types.PartitionID][]types.Account,
	revisions map[types.PartitionID]types.Revision,
) (*View, error) {
	db, err := memdb.NewMemDB(viewSchema)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	locations := make(map[types.AccountID]Location)

	txn := db.Txn(true)
	for partitionID, list := range accounts {
		for i, a := range list {
			if prev, exists := locations[a.ID]; exists {
				txn.Abort()
				return nil, errors.Wrapf(ErrDuplicateID,
					"account %d present in partitions %s and %s", a.ID, prev.Partition, partitionID)
			}
			locations[a.ID] = Location{Partition: partitionID, Offset: i}

			a := a.Clone()
			if err := txn.Insert(tableAccounts, &a); err != nil {
				txn.Abort()
				return nil, errors.WithStack(err)
			}
		}
	}
	txn.Commit()

	return &View{
		txn:       db.Txn(false),
		locations: locations,
		accounts:  accounts,
		revisions: revisions,
	}, nil
}

// Lookup returns the account with the given id.
func (v *View) Lookup(id types.AccountID) (types.Account, bool) {
	raw, err := v.txn.First(tableAccounts, "id", uint64(id))
	if err != nil || raw == nil {
		return types.Account{}, false
	}
	return raw.(*types.Account).Clone(), true
}

// LookupName returns the first account with the given display name,
// case-insensitive.
func (v *View) LookupName(name string) (types.Account, bool) {
	raw, err := v.txn.First(tableAccounts, "name", name)
	if err != nil || raw == nil {
		return types.Account{}, false
	}
	return raw.(*types.Account).Clone(), true
}

// Locate returns the partition owning the account and its offset there.
func (v *View) Locate(id types.AccountID) (Location, error) {
	loc, exists := v.locations[id]
	if !exists {
		return Location{}, errors.Wrapf(ErrNotFound, "account %d", id)
	}
	return loc, nil
}

// Accounts returns a deep copy of the partition's account sequence.
func (v *View) Accounts(partitionID types.PartitionID) []types.Account {
	list := v.accounts[partitionID]
	copied := make([]types.Account, 0, len(list))
	for _, a := range list {
		copied = append(copied, a.Clone())
	}
	return copied
}

// Revision returns the revision the partition was at when the view was read.
func (v *View) Revision(partitionID types.PartitionID) types.Revision {
	return v.revisions[partitionID]
}

// NumAccounts returns the total number of accounts across all partitions.
func (v *View) NumAccounts() int {
	return len(v.locations)
}
