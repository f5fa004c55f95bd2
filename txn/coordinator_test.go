package txn

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"

	"github.com/outofforest/coffer/reconcile"
	"github.com/outofforest/coffer/registry"
	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/store/memstore"
	"github.com/outofforest/coffer/types"
)

type memJournal struct {
	mu      sync.Mutex
	entries []reconcile.Entry
}

func (j *memJournal) Append(ctx context.Context, entry reconcile.Entry) (uuid.UUID, error) {
	if entry.Ref == uuid.Nil {
		entry.Ref = uuid.New()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return entry.Ref, nil
}

func (j *memJournal) Entries() []reconcile.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]reconcile.Entry(nil), j.entries...)
}

// hookStore fires a callback right before the n-th load, to interleave an
// external write between a transaction's checkout and its pre-commit check.
type hookStore struct {
	store.Store

	mu     sync.Mutex
	loads  uint64
	onLoad map[uint64]func()
}

func (s *hookStore) Load(ctx context.Context) (store.Document, error) {
	s.mu.Lock()
	s.loads++
	hook := s.onLoad[s.loads]
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s.Store.Load(ctx)
}

func newTestCoordinator(
	requireT *require.Assertions,
	stores map[types.PartitionID]store.Store,
	ledgers ...Ledger,
) (*Coordinator, *registry.Registry, *memJournal) {
	r := registry.New(stores)
	journal := &memJournal{}
	c, err := NewCoordinator(Config{
		Registry: r,
		Journal:  journal,
		Ledgers:  ledgers,
	})
	requireT.NoError(err)
	return c, r, journal
}

func balanceSum(requireT *require.Assertions, ctx context.Context, r *registry.Registry) int64 {
	view, err := r.ReadAll(ctx)
	requireT.NoError(err)

	var sum int64
	for _, partitionID := range r.Partitions() {
		for _, a := range view.Accounts(partitionID) {
			sum += a.Balance
		}
	}
	return sum
}

func TestTransferSamePartition(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100},{"id":2,"balance":30}]}`))

	c, r, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1})

	result, err := c.Execute(ctx, NewPlan("transfer", Transfer(1, 2, 40)))
	requireT.NoError(err)
	requireT.Equal(StatusSuccess, result.Status)
	requireT.Equal([]types.PartitionID{"p1"}, result.Committed)

	a1, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.EqualValues(60, a1.Balance)
	a2, err := r.Lookup(ctx, 2)
	requireT.NoError(err)
	requireT.EqualValues(70, a2.Balance)
	requireT.EqualValues(130, balanceSum(requireT, ctx, r))

	// One logical operation, one write-back, even though the plan contains
	// two changes to the partition.
	requireT.EqualValues(1, p1.Saves())
}

func TestTransferCrossPartition(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100}]}`))
	p2 := memstore.New()
	p2.Seed([]byte(`{"accounts":[{"id":2,"balance":30}]}`))

	c, r, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1, "p2": p2})

	result, err := c.Execute(ctx, NewPlan("transfer", Transfer(1, 2, 100)))
	requireT.NoError(err)
	requireT.Equal(StatusSuccess, result.Status)
	// Debit-originating partition commits first.
	requireT.Equal([]types.PartitionID{"p1", "p2"}, result.Committed)

	a1, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.EqualValues(0, a1.Balance)
	a2, err := r.Lookup(ctx, 2)
	requireT.NoError(err)
	requireT.EqualValues(130, a2.Balance)
	requireT.EqualValues(130, balanceSum(requireT, ctx, r))
}

func TestInsufficientBalanceWritesNothing(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100}]}`))
	p2 := memstore.New()
	p2.Seed([]byte(`{"accounts":[{"id":2,"balance":30}]}`))
	savesBefore := p1.Saves() + p2.Saves()

	c, r, journal := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1, "p2": p2})

	result, err := c.Execute(ctx, NewPlan("transfer", Transfer(1, 2, 101)))
	requireT.True(errors.Is(err, ErrInsufficientBalance))
	requireT.Equal(StatusAborted, result.Status)
	requireT.Empty(result.Committed)
	requireT.Empty(journal.Entries())

	// Validation failure happens before any write.
	requireT.Equal(savesBefore, p1.Saves()+p2.Saves())
	a1, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.EqualValues(100, a1.Balance)
}

func TestConcurrentCreditsNoLostUpdate(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	inner := memstore.New()
	inner.Seed([]byte(`{"accounts":[{"id":1,"balance":0}]}`))
	hooked := &hookStore{Store: inner, onLoad: map[uint64]func(){}}

	c, r, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": hooked})

	// Between the outer transaction's checkout (load 1) and its pre-commit
	// check (load 2), a full concurrent credit lands. The outer commit must
	// detect the moved revision, retry and still net both credits.
	hooked.mu.Lock()
	hooked.onLoad[2] = func() {
		result, err := c.Execute(ctx, NewPlan("reward", Reward(1, 25)))
		requireT.NoError(err)
		requireT.Equal(StatusSuccess, result.Status)
	}
	hooked.mu.Unlock()

	result, err := c.Execute(ctx, NewPlan("reward", Reward(1, 17)))
	requireT.NoError(err)
	requireT.Equal(StatusSuccess, result.Status)

	account, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.EqualValues(42, account.Balance)
}

func TestConflictRetriesExhausted(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	inner := memstore.New()
	inner.Seed([]byte(`{"accounts":[{"id":1,"balance":10}]}`))
	hooked := &hookStore{Store: inner, onLoad: map[uint64]func(){}}

	r := registry.New(map[types.PartitionID]store.Store{"p1": hooked})
	journal := &memJournal{}
	c, err := NewCoordinator(Config{Registry: r, Journal: journal, MaxAttempts: 2})
	requireT.NoError(err)

	// Every pre-commit check observes a revision moved since checkout:
	// attempt n reads the view on load 2n-1 and re-checks on load 2n.
	bump := func() {
		doc, err := inner.Load(ctx)
		requireT.NoError(err)
		_, err = inner.Save(ctx, doc.Record)
		requireT.NoError(err)
	}
	hooked.mu.Lock()
	hooked.onLoad[2] = bump
	hooked.onLoad[4] = bump
	hooked.mu.Unlock()

	result, err := c.Execute(ctx, NewPlan("reward", Reward(1, 5)))
	requireT.True(errors.Is(err, registry.ErrConflict))
	requireT.Equal(StatusAborted, result.Status)
	requireT.Empty(journal.Entries())

	account, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.EqualValues(10, account.Balance)
}

func TestPartialCommitOnCreditFailure(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100}]}`))
	p2 := memstore.New()
	p2.Seed([]byte(`{"accounts":[{"id":2,"balance":0}]}`))
	p2.FailSaves(10)

	r := registry.New(map[types.PartitionID]store.Store{"p1": p1, "p2": p2})
	journal := &memJournal{}
	c, err := NewCoordinator(Config{Registry: r, Journal: journal, MaxAttempts: 2})
	requireT.NoError(err)

	plan := NewPlan("transfer", Transfer(1, 2, 60))
	result, err := c.Execute(ctx, plan)
	requireT.NoError(err)
	requireT.Equal(StatusPartial, result.Status)
	requireT.Equal([]types.PartitionID{"p1"}, result.Committed)
	requireT.NotEqual(uuid.Nil, result.ReconciliationRef)

	// Money left the payer but did not reach the payee: detectable and
	// journaled, never silent success.
	a1, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.EqualValues(40, a1.Balance)
	a2, err := r.Lookup(ctx, 2)
	requireT.NoError(err)
	requireT.EqualValues(0, a2.Balance)

	entries := journal.Entries()
	requireT.Len(entries, 1)
	requireT.Equal(result.ReconciliationRef, entries[0].Ref)
	requireT.Equal(plan.ID, entries[0].Plan)
	requireT.Equal([]types.PartitionID{"p1"}, entries[0].Committed)
	requireT.Equal([]reconcile.Delta{
		{Account: 1, Delta: -60, Op: "transfer"},
		{Account: 2, Delta: 60, Op: "transfer"},
	}, entries[0].Deltas)
}

func TestPartialCommitOnEffectFailure(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":5000}]}`))
	p2 := memstore.New()
	p2.Seed([]byte(`{"accounts":[{"id":2,"balance":100}]}`))
	groups := memstore.New()
	groups.FailSaves(1)

	c, r, journal := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1, "p2": p2})

	plan := NewPlan("create-group", Fee(1, 5000)).
		WithEffect("create-group", func(ctx context.Context) error {
			_, err := groups.Save(ctx, []byte(`{"groups":[{"name":"builders","owner":1}]}`))
			return err
		})

	result, err := c.Execute(ctx, plan)
	requireT.NoError(err)
	requireT.Equal(StatusPartial, result.Status)
	requireT.Equal([]types.PartitionID{"p1"}, result.Committed)

	a1, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.EqualValues(0, a1.Balance)

	entries := journal.Entries()
	requireT.Len(entries, 1)
	requireT.Equal("create-group", entries[0].Op)
	requireT.Equal([]reconcile.Delta{{Account: 1, Delta: -5000, Op: "fee"}}, entries[0].Deltas)
}

func TestIdempotentReplay(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100},{"id":2,"balance":0}]}`))

	c, r, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1})

	plan := NewPlan("transfer", Transfer(1, 2, 100))
	result, err := c.Execute(ctx, plan)
	requireT.NoError(err)
	requireT.Equal(StatusSuccess, result.Status)
	savesAfterFirst := p1.Saves()

	// A double-submitted plan replays the recorded outcome; the debit does
	// not run twice.
	replayed, err := c.Execute(ctx, plan)
	requireT.NoError(err)
	requireT.Equal(result, replayed)
	requireT.Equal(savesAfterFirst, p1.Saves())

	a1, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.EqualValues(0, a1.Balance)
}

func TestPlanValidation(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	c, _, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": memstore.New()})

	_, err := c.Execute(ctx, Plan{ID: uuid.New()})
	requireT.True(errors.Is(err, ErrEmptyPlan))

	plan := NewPlan("reward", Reward(1, 5))
	plan.ID = uuid.Nil
	_, err = c.Execute(ctx, plan)
	requireT.True(errors.Is(err, ErrMissingPlanID))
}

func TestUnknownAccountAborts(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100}]}`))

	c, _, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1})

	result, err := c.Execute(ctx, NewPlan("transfer", Transfer(1, 99, 10)))
	requireT.True(errors.Is(err, registry.ErrNotFound))
	requireT.Equal(StatusAborted, result.Status)
	requireT.EqualValues(0, p1.Saves())
}

func TestUnavailableReadAborts(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100}]}`))
	p1.FailLoads(10)

	r := registry.New(map[types.PartitionID]store.Store{"p1": p1})
	c, err := NewCoordinator(Config{Registry: r, Journal: &memJournal{}, MaxAttempts: 2})
	requireT.NoError(err)

	result, err := c.Execute(ctx, NewPlan("reward", Reward(1, 5)))
	requireT.True(errors.Is(err, store.ErrUnavailable))
	requireT.Equal(StatusAborted, result.Status)
	requireT.EqualValues(0, p1.Saves())
}

func TestSingleAdministrator(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":0,"admin":true}]}`))
	p2 := memstore.New()
	p2.Seed([]byte(`{"accounts":[{"id":2,"balance":0}]}`))

	c, r, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1, "p2": p2})

	result, err := c.Execute(ctx, NewPlan("grant-role", GrantRole(2)))
	requireT.True(errors.Is(err, ErrRoleConflict))
	requireT.Equal(StatusAborted, result.Status)

	// Handing the role over within one plan is fine.
	result, err = c.Execute(ctx, NewPlan("grant-role", RevokeRole(1), GrantRole(2)))
	requireT.NoError(err)
	requireT.Equal(StatusSuccess, result.Status)

	a1, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.False(a1.Admin)
	a2, err := r.Lookup(ctx, 2)
	requireT.NoError(err)
	requireT.True(a2.Admin)
}

func TestFriendFlowCrossPartition(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":0}]}`))
	p2 := memstore.New()
	p2.Seed([]byte(`{"accounts":[{"id":2,"balance":0}]}`))

	c, r, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1, "p2": p2})

	_, err := c.Execute(ctx, NewPlan("add-friend", AddFriend(1, 2)))
	requireT.NoError(err)

	a2, err := r.Lookup(ctx, 2)
	requireT.NoError(err)
	requireT.Equal([]types.AccountID{1}, a2.FriendRequests)

	// Accepting a request that does not exist aborts.
	result, err := c.Execute(ctx, NewPlan("accept-friend", AcceptFriend(1, 2)))
	requireT.Error(err)
	requireT.Equal(StatusAborted, result.Status)

	_, err = c.Execute(ctx, NewPlan("accept-friend", AcceptFriend(2, 1)))
	requireT.NoError(err)

	a1, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	a2, err = r.Lookup(ctx, 2)
	requireT.NoError(err)
	requireT.Equal([]types.AccountID{2}, a1.Friends)
	requireT.Equal([]types.AccountID{1}, a2.Friends)
	requireT.Empty(a2.FriendRequests)

	_, err = c.Execute(ctx, NewPlan("remove-friend", RemoveFriend(1, 2)))
	requireT.NoError(err)

	a1, err = r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.Empty(a1.Friends)
}

func TestEquipUnownedItemAborts(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100}]}`))

	c, r, _ := newTestCoordinator(requireT, map[types.PartitionID]store.Store{"p1": p1})

	result, err := c.Execute(ctx, NewPlan("equip", EquipItem(1, "sword")))
	requireT.Error(err)
	requireT.Equal(StatusAborted, result.Status)
	requireT.EqualValues(0, p1.Saves())

	_, err = c.Execute(ctx, NewPlan("grant-and-equip", GrantItem(1, "sword", 1), EquipItem(1, "sword")))
	requireT.NoError(err)

	account, err := r.Lookup(ctx, 1)
	requireT.NoError(err)
	requireT.Equal("sword", account.Equipped)
	requireT.EqualValues(1, account.Inventory["sword"])
}

type recordingLedger struct {
	name string
	mu   sync.Mutex
	rows []string
	err  error
}

func (l *recordingLedger) Name() string { return l.name }

func (l *recordingLedger) Record(ctx context.Context, account types.AccountID, delta int64, op string) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, op)
	return nil
}

func TestLedgersFedOnSuccessOnly(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	p1 := memstore.New()
	p1.Seed([]byte(`{"accounts":[{"id":1,"balance":100},{"id":2,"balance":0},{"id":3,"balance":0}]}`))

	healthy := &recordingLedger{name: "healthy"}
	broken := &recordingLedger{name: "broken", err: errors.New("ledger down")}

	c, r, _ := newTestCoordinator(requireT,
		map[types.PartitionID]store.Store{"p1": p1}, healthy, broken)

	// A failing aggregator never rolls back the committed purchase.
	result, err := c.Execute(ctx, NewPlan("purchase",
		Purchase(1, 100, Split{Account: 2, Amount: 70}, Split{Account: 3, Amount: 30})))
	requireT.NoError(err)
	requireT.Equal(StatusSuccess, result.Status)
	requireT.Len(healthy.rows, 3)

	a2, err := r.Lookup(ctx, 2)
	requireT.NoError(err)
	requireT.EqualValues(70, a2.Balance)

	// A rejected plan feeds nothing.
	before := len(healthy.rows)
	_, err = c.Execute(ctx, NewPlan("transfer", Transfer(1, 2, 1)))
	requireT.True(errors.Is(err, ErrInsufficientBalance))
	requireT.Len(healthy.rows, before)
}
