package registry

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/types"
)

type accountsRecord struct {
	Accounts []types.Account `json:"accounts"`
}

func decodeAccounts(doc store.Document) ([]types.Account, error) {
	// Absent or empty document is an empty partition, not an error.
	if len(doc.Record) == 0 {
		return nil, nil
	}

	var record accountsRecord
	if err := json.Unmarshal(doc.Record, &record); err != nil {
		return nil, errors.Wrap(store.ErrUnavailable, "malformed partition record")
	}
	return record.Accounts, nil
}

func encodeAccounts(accounts []types.Account) ([]byte, error) {
	record, err := json.Marshal(accountsRecord{Accounts: accounts})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return record, nil
}
