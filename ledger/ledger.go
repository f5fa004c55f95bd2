package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/types"
)

// Rule maps a committed balance delta to this aggregator's contribution.
// Returning 0 skips the delta.
type Rule func(op string, delta int64) int64

// Earnings contributes every credit, producing an all-time earnings
// leaderboard.
func Earnings(op string, delta int64) int64 {
	if delta > 0 {
		return delta
	}
	return 0
}

// Revenue contributes purchase credits and burned fees, producing per-seller
// revenue totals.
func Revenue(op string, delta int64) int64 {
	switch op {
	case "purchase":
		if delta > 0 {
			return delta
		}
	case "fee":
		if delta < 0 {
			return -delta
		}
	}
	return 0
}

// Entry is one aggregate row.
type Entry struct {
	Account types.AccountID
	Amount  int64
}

// New creates new aggregator over the given store.
func New(name string, s store.Store, rule Rule, maxAttempts uint64) *Aggregator {
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	return &Aggregator{
		name:        name,
		store:       s,
		rule:        rule,
		maxAttempts: maxAttempts,
	}
}

// Aggregator is a derived accumulator (leaderboard, revenue totals) kept in
// a single partition-like store and updated additively as a side effect of
// committed transactions. It is shared across many unrelated transactions,
// which makes it the highest-contention document in the system, so every
// update follows the same re-read-before-write conflict discipline as
// partition commits, with bounded internal retries.
type Aggregator struct {
	name        string
	store       store.Store
	rule        Rule
	maxAttempts uint64
}

// Name returns the aggregator name used in logs.
func (a *Aggregator) Name() string {
	return a.name
}

// Record feeds one committed delta through the aggregator's rule.
func (a *Aggregator) Record(ctx context.Context, account types.AccountID, delta int64, op string) error {
	contribution := a.rule(op, delta)
	if contribution == 0 {
		return nil
	}
	return a.Accumulate(ctx, account, contribution)
}

// Accumulate adds delta to the account's aggregate, creating the row lazily
// on first contribution.
func (a *Aggregator) Accumulate(ctx context.Context, account types.AccountID, delta int64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	var lastErr error
	for attempt := uint64(1); attempt <= a.maxAttempts; attempt++ {
		lastErr = a.accumulateOnce(ctx, account, delta)
		switch {
		case lastErr == nil:
			return nil
		case errors.Is(lastErr, store.ErrConflict), errors.Is(lastErr, store.ErrUnavailable):
		default:
			return lastErr
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(delay):
		}
	}
	return errors.Wrapf(lastErr, "aggregator %s: retries exhausted", a.name)
}

func (a *Aggregator) accumulateOnce(ctx context.Context, account types.AccountID, delta int64) error {
	doc, err := a.store.Load(ctx)
	if err != nil {
		return err
	}
	totals, err := decodeTotals(doc)
	if err != nil {
		return err
	}
	totals[account] += delta

	record, err := encodeTotals(totals)
	if err != nil {
		return err
	}

	// The backend has no conditional write; re-read and compare before
	// overwriting, same as a partition commit.
	check, err := a.store.Load(ctx)
	if err != nil {
		return err
	}
	if check.Revision != doc.Revision {
		return errors.Wrapf(store.ErrConflict, "aggregator %s", a.name)
	}

	_, err = a.store.Save(ctx, record)
	return err
}

// Top returns the n largest aggregates, descending, ties broken by account
// id.
func (a *Aggregator) Top(ctx context.Context, n int) ([]Entry, error) {
	totals, err := a.totals(ctx)
	if err != nil {
		return nil, err
	}

	entries := lo.MapToSlice(totals, func(account types.AccountID, amount int64) Entry {
		return Entry{Account: account, Amount: amount}
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Amount != entries[j].Amount {
			return entries[i].Amount > entries[j].Amount
		}
		return entries[i].Account < entries[j].Account
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Total returns the sum over all accounts.
func (a *Aggregator) Total(ctx context.Context) (int64, error) {
	totals, err := a.totals(ctx)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, amount := range totals {
		sum += amount
	}
	return sum, nil
}

func (a *Aggregator) totals(ctx context.Context) (map[types.AccountID]int64, error) {
	doc, err := a.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return decodeTotals(doc)
}

type totalsRecord struct {
	Totals map[string]int64 `json:"totals"`
}

func decodeTotals(doc store.Document) (map[types.AccountID]int64, error) {
	totals := map[types.AccountID]int64{}
	if len(doc.Record) == 0 {
		return totals, nil
	}

	var record totalsRecord
	if err := json.Unmarshal(doc.Record, &record); err != nil {
		return nil, errors.Wrap(store.ErrUnavailable, "malformed ledger record")
	}
	for key, amount := range record.Totals {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, errors.Wrap(store.ErrUnavailable, "malformed ledger key")
		}
		totals[types.AccountID(id)] = amount
	}
	return totals, nil
}

func encodeTotals(totals map[types.AccountID]int64) ([]byte, error) {
	record := totalsRecord{Totals: make(map[string]int64, len(totals))}
	for account, amount := range totals {
		record.Totals[strconv.FormatUint(uint64(account), 10)] = amount
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return encoded, nil
}
