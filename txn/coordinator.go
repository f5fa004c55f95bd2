package txn

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/outofforest/coffer/reconcile"
	"github.com/outofforest/coffer/registry"
	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/types"
)

var (
	// ErrInsufficientBalance means a debit exceeded the payer's balance at
	// commit time. The plan is rejected before any write.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRoleConflict means the plan would leave more than one administrator
	// account in the registry.
	ErrRoleConflict = errors.New("administrator role already assigned")

	// ErrEmptyPlan means the plan contains neither changes nor effects.
	ErrEmptyPlan = errors.New("empty plan")

	// ErrMissingPlanID means the plan carries no idempotency key.
	ErrMissingPlanID = errors.New("plan requires idempotency key")
)

// Status is the outcome of executing a plan.
type Status string

const (
	// StatusSuccess means every planned write committed.
	StatusSuccess Status = "success"

	// StatusAborted means nothing was written. Safe to retry after fixing
	// the cause.
	StatusAborted Status = "aborted"

	// StatusPartial means some but not all planned writes committed. The
	// system is in an indeterminate, reconcilable state; a journal entry
	// names the affected accounts. Never blindly retry.
	StatusPartial Status = "partial"
)

// Result reports what happened to a plan.
type Result struct {
	Status    Status
	Committed []types.PartitionID

	// ReconciliationRef names the journal entry recorded for a partial
	// commit. Zero otherwise.
	ReconciliationRef uuid.UUID
}

// Ledger consumes per-account balance deltas of fully committed plans.
type Ledger interface {
	Name() string
	Record(ctx context.Context, account types.AccountID, delta int64, op string) error
}

// Journal records reconciliation entries for partially committed plans.
type Journal interface {
	Append(ctx context.Context, entry reconcile.Entry) (uuid.UUID, error)
}

// Config is the configuration of the coordinator.
type Config struct {
	Registry    *registry.Registry
	Journal     Journal
	Ledgers     []Ledger
	MaxAttempts uint64
	ResultTTL   time.Duration
}

// NewCoordinator creates new transaction coordinator.
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if config.Journal == nil {
		return nil, errors.New("journal is required")
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	if config.ResultTTL == 0 {
		config.ResultTTL = 10 * time.Minute
	}
	return &Coordinator{
		config:  config,
		results: cache.New(config.ResultTTL, config.ResultTTL),
	}, nil
}

// Coordinator orchestrates edits spanning one to several partitions as one
// logical operation. There is no cross-partition atomicity to lean on; the
// contract is that all business validation happens before any write, and
// once writing starts failures are detectable and ordered to minimize harm,
// never hidden.
type Coordinator struct {
	config  Config
	results *cache.Cache
}

type outcome struct {
	result Result
	err    error
}

// Execute runs the plan. A plan resubmitted with the same idempotency key
// while the previous outcome is still cached replays that outcome without
// executing again.
func (c *Coordinator) Execute(ctx context.Context, plan Plan) (Result, error) {
	if plan.ID == uuid.Nil {
		return Result{Status: StatusAborted}, errors.WithStack(ErrMissingPlanID)
	}
	if len(plan.Changes) == 0 && len(plan.Effects) == 0 {
		return Result{Status: StatusAborted}, errors.WithStack(ErrEmptyPlan)
	}

	key := plan.ID.String()
	if prev, exists := c.results.Get(key); exists {
		o := prev.(outcome)
		logger.Get(ctx).Debug("Replaying recorded outcome", zap.String("plan", key))
		return o.result, o.err
	}

	result, err := c.execute(ctx, plan)
	c.results.Set(key, outcome{result: result, err: err}, cache.DefaultExpiration)
	return result, err
}

//nolint:gocyclo
func (c *Coordinator) execute(ctx context.Context, plan Plan) (Result, error) {
	log := logger.Get(ctx).With(zap.String("plan", plan.ID.String()), zap.String("op", plan.Op))

	committedSet := map[types.PartitionID]bool{}
	var committed []types.PartitionID

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	for attempt := uint64(1); ; attempt++ {
		result, retry, err := c.attempt(ctx, plan, committedSet, &committed)
		if !retry {
			return result, err
		}
		if attempt >= c.config.MaxAttempts {
			if len(committed) > 0 {
				return c.partial(ctx, plan, committed, err), nil
			}
			if errors.Is(err, registry.ErrConflict) {
				log.Warn("Transaction aborted, conflict retries exhausted", zap.Error(err))
			}
			return Result{Status: StatusAborted}, err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return Result{Status: StatusAborted}, err
		}
		log.Debug("Retrying transaction", zap.Uint64("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			if len(committed) > 0 {
				return c.partial(ctx, plan, committed, ctx.Err()), nil
			}
			return Result{Status: StatusAborted}, errors.WithStack(ctx.Err())
		case <-time.After(delay):
		}
	}
}

// attempt drives one full pass: fresh read, locate, checkout, in-memory
// apply, ordered commits. Partitions committed by earlier attempts are never
// re-applied; only the still-uncommitted remainder of the plan is driven.
//
//nolint:gocyclo
func (c *Coordinator) attempt(
	ctx context.Context,
	plan Plan,
	committedSet map[types.PartitionID]bool,
	committed *[]types.PartitionID,
) (Result, bool, error) {
	view, err := c.config.Registry.ReadAll(ctx)
	if err != nil {
		return Result{}, true, err
	}

	byPartition := map[types.PartitionID][]Change{}
	for _, ch := range plan.Changes {
		loc, err := view.Locate(ch.Account)
		if err != nil {
			return c.fail(ctx, plan, *committed, err)
		}
		if committedSet[loc.Partition] {
			continue
		}
		byPartition[loc.Partition] = append(byPartition[loc.Partition], ch)
	}

	partitions := make([]types.PartitionID, 0, len(byPartition))
	for partitionID := range byPartition {
		partitions = append(partitions, partitionID)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	handles := make(map[types.PartitionID]*registry.Handle, len(partitions))
	for _, partitionID := range partitions {
		h, err := c.config.Registry.Checkout(view, partitionID)
		if err != nil {
			return c.fail(ctx, plan, *committed, err)
		}
		handles[partitionID] = h
	}

	// In-memory apply. This is the only place business rules fire; a
	// violation aborts before any write, so a validation failure never
	// leaves a partial debit behind.
	net := map[types.PartitionID]int64{}
	for _, partitionID := range partitions {
		h := handles[partitionID]
		for _, ch := range byPartition[partitionID] {
			account, exists := h.Account(ch.Account)
			if !exists {
				return c.fail(ctx, plan, *committed,
					errors.Wrapf(registry.ErrNotFound, "account %d", ch.Account))
			}
			if ch.Delta != 0 {
				balance := account.Balance + ch.Delta
				if balance < 0 {
					return c.fail(ctx, plan, *committed,
						errors.Wrapf(ErrInsufficientBalance, "account %d: balance %d, delta %d",
							ch.Account, account.Balance, ch.Delta))
				}
				account.Balance = balance
				net[partitionID] += ch.Delta
			}
			if ch.Mutate != nil {
				if err := ch.Mutate(account); err != nil {
					return c.fail(ctx, plan, *committed, err)
				}
			}
		}
	}

	if err := c.validateRoles(view, handles); err != nil {
		return c.fail(ctx, plan, *committed, err)
	}

	// Debit-originating partitions commit first. If a later commit fails,
	// money has left the payer but not yet reached every payee: a
	// detectable state, not a double-spend.
	sort.SliceStable(partitions, func(i, j int) bool {
		di, dj := net[partitions[i]] < 0, net[partitions[j]] < 0
		if di != dj {
			return di
		}
		return partitions[i] < partitions[j]
	})

	for i, partitionID := range partitions {
		if _, err := handles[partitionID].Commit(ctx); err != nil {
			for _, rest := range partitions[i:] {
				handles[rest].Abort()
			}
			switch {
			case errors.Is(err, registry.ErrConflict):
				return Result{}, true, err
			case errors.Is(err, store.ErrUnavailable) && len(*committed) == 0:
				return Result{}, true, err
			case len(*committed) > 0:
				return c.partial(ctx, plan, *committed, err), false, nil
			default:
				return Result{Status: StatusAborted}, false, err
			}
		}
		*committed = append(*committed, partitionID)
		committedSet[partitionID] = true
	}

	for _, effect := range plan.Effects {
		if err := effect.Apply(ctx); err != nil {
			err = errors.Wrapf(err, "effect %s", effect.Op)
			if len(*committed) > 0 {
				return c.partial(ctx, plan, *committed, err), false, nil
			}
			return Result{Status: StatusAborted}, false, err
		}
	}

	c.feedLedgers(ctx, plan)

	return Result{
		Status:    StatusSuccess,
		Committed: append([]types.PartitionID(nil), *committed...),
	}, false, nil
}

// fail aborts when nothing committed yet, otherwise the plan is already past
// the point of no return and the failure is recorded as a partial commit.
func (c *Coordinator) fail(
	ctx context.Context,
	plan Plan,
	committed []types.PartitionID,
	err error,
) (Result, bool, error) {
	if len(committed) > 0 {
		return c.partial(ctx, plan, committed, err), false, nil
	}
	return Result{Status: StatusAborted}, false, err
}

func (c *Coordinator) partial(
	ctx context.Context,
	plan Plan,
	committed []types.PartitionID,
	cause error,
) Result {
	entry := reconcile.Entry{
		Plan:      plan.ID,
		Op:        plan.Op,
		Committed: append([]types.PartitionID(nil), committed...),
		Deltas:    planDeltas(plan),
	}

	ref, err := c.config.Journal.Append(ctx, entry)
	if err != nil {
		logger.Get(ctx).Error("Failed to record reconciliation entry",
			zap.String("plan", plan.ID.String()), zap.Error(err))
	}

	logger.Get(ctx).Error("Transaction partially committed",
		zap.String("plan", plan.ID.String()),
		zap.String("op", plan.Op),
		zap.String("ref", ref.String()),
		zap.Error(cause),
	)

	return Result{
		Status:            StatusPartial,
		Committed:         append([]types.PartitionID(nil), committed...),
		ReconciliationRef: ref,
	}
}

// validateRoles enforces the single-administrator invariant across the whole
// registry: edited partitions are counted from their handles, everything
// else from the view.
func (c *Coordinator) validateRoles(view *registry.View, handles map[types.PartitionID]*registry.Handle) error {
	admins := 0
	for _, partitionID := range c.config.Registry.Partitions() {
		accounts := view.Accounts(partitionID)
		if h, exists := handles[partitionID]; exists {
			accounts = h.Accounts()
		}
		for _, a := range accounts {
			if a.Admin {
				admins++
			}
		}
	}
	if admins > 1 {
		return errors.WithStack(ErrRoleConflict)
	}
	return nil
}

// feedLedgers updates the derived aggregators after a fully committed plan.
// Best effort: the account commits are final; an aggregator failure is
// logged, never rolled back.
func (c *Coordinator) feedLedgers(ctx context.Context, plan Plan) {
	for _, ch := range plan.Changes {
		if ch.Delta == 0 {
			continue
		}
		for _, l := range c.config.Ledgers {
			if err := l.Record(ctx, ch.Account, ch.Delta, ch.Op); err != nil {
				logger.Get(ctx).Error("Ledger update failed",
					zap.String("ledger", l.Name()),
					zap.Uint64("account", uint64(ch.Account)),
					zap.Error(err),
				)
			}
		}
	}
}

func planDeltas(plan Plan) []reconcile.Delta {
	var deltas []reconcile.Delta
	for _, ch := range plan.Changes {
		if ch.Delta == 0 {
			continue
		}
		deltas = append(deltas, reconcile.Delta{Account: ch.Account, Delta: ch.Delta, Op: ch.Op})
	}
	return deltas
}
