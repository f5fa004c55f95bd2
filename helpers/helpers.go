package helpers

import (
	"sort"

	"github.com/samber/lo"

	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/types"
)

// PartitionIDs returns the ids of the configured partition stores in
// deterministic order.
func PartitionIDs(stores map[types.PartitionID]store.Store) []types.PartitionID {
	ids := lo.Keys(stores)
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}
