package txn

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/coffer/types"
)

// Change is a single account-level step of a transaction plan. Delta adjusts
// the balance; Mutate, if set, applies a non-monetary edit. A change failing
// validation aborts the whole plan before any write.
type Change struct {
	Account types.AccountID
	Delta   int64
	Mutate  func(account *types.Account) error
	Op      string
}

// Effect is a non-account side write executed after every account partition
// committed. A failing effect turns the result into a partial commit; it is
// never silently dropped.
type Effect struct {
	Op    string
	Apply func(ctx context.Context) error
}

// Plan is an ordered list of changes executed as one logical operation.
// Changes touching the same partition are merged into a single write-back.
// ID is the caller-supplied idempotency key: resubmitting a plan with the
// same ID replays the recorded outcome instead of executing twice.
type Plan struct {
	ID      uuid.UUID
	Op      string
	Changes []Change
	Effects []Effect
}

// NewPlan creates a plan with a fresh idempotency key. The caller keeps the
// key to resubmit the identical plan safely.
func NewPlan(op string, changes ...[]Change) Plan {
	return Plan{
		ID:      uuid.New(),
		Op:      op,
		Changes: lo.Flatten(changes),
	}
}

// WithID replaces the idempotency key, for resubmission of a previously
// built plan.
func (p Plan) WithID(id uuid.UUID) Plan {
	p.ID = id
	return p
}

// WithEffect appends a side write executed after all account commits.
func (p Plan) WithEffect(op string, apply func(ctx context.Context) error) Plan {
	p.Effects = append(p.Effects, Effect{Op: op, Apply: apply})
	return p
}

// Transfer moves amount from one account to another. Both sides may live in
// the same or different partitions.
func Transfer(from, to types.AccountID, amount int64) []Change {
	assertAmount(amount)
	if from == to {
		panic(errors.New("transfer to self"))
	}
	return []Change{
		{Account: from, Delta: -amount, Op: "transfer"},
		{Account: to, Delta: amount, Op: "transfer"},
	}
}

// Fee burns amount from the account. This is the only sanctioned way the
// global balance sum decreases.
func Fee(account types.AccountID, amount int64) []Change {
	assertAmount(amount)
	return []Change{{Account: account, Delta: -amount, Op: "fee"}}
}

// Reward mints amount onto the account. Currency granted by the real-time
// relay comes through here; the relay never touches partitions directly.
func Reward(account types.AccountID, amount int64) []Change {
	assertAmount(amount)
	return []Change{{Account: account, Delta: amount, Op: "reward"}}
}

// Split names one recipient of a purchase price.
type Split struct {
	Account types.AccountID
	Amount  int64
}

// Purchase debits the buyer by price and credits the recipients. The splits
// must sum to the price exactly, so a purchase never mints or burns.
func Purchase(buyer types.AccountID, price int64, splits ...Split) []Change {
	assertAmount(price)

	var total int64
	changes := make([]Change, 0, len(splits)+1)
	changes = append(changes, Change{Account: buyer, Delta: -price, Op: "purchase"})
	for _, s := range splits {
		assertAmount(s.Amount)
		if s.Account == buyer {
			panic(errors.New("purchase split back to buyer"))
		}
		total += s.Amount
		changes = append(changes, Change{Account: s.Account, Delta: s.Amount, Op: "purchase"})
	}
	if total != price {
		panic(errors.Errorf("purchase splits sum to %d, price is %d", total, price))
	}
	return changes
}

// SetDisplayName renames the account.
func SetDisplayName(account types.AccountID, name string) []Change {
	return []Change{{Account: account, Op: "set-display-name", Mutate: func(a *types.Account) error {
		a.DisplayName = name
		return nil
	}}}
}

// SetVerified sets the verification flag.
func SetVerified(account types.AccountID, verified bool) []Change {
	return []Change{{Account: account, Op: "set-verified", Mutate: func(a *types.Account) error {
		a.Verified = verified
		return nil
	}}}
}

// GrantRole makes the account the administrator. The coordinator enforces
// that at most one administrator exists across the whole registry.
func GrantRole(account types.AccountID) []Change {
	return []Change{{Account: account, Op: "grant-role", Mutate: func(a *types.Account) error {
		a.Admin = true
		return nil
	}}}
}

// RevokeRole removes the administrator role from the account.
func RevokeRole(account types.AccountID) []Change {
	return []Change{{Account: account, Op: "revoke-role", Mutate: func(a *types.Account) error {
		a.Admin = false
		return nil
	}}}
}

// AddFriend records a friend request from one account on the recipient.
// Already friends or already requested is a no-op, not an error.
func AddFriend(from, to types.AccountID) []Change {
	if from == to {
		panic(errors.New("friend request to self"))
	}
	return []Change{{Account: to, Op: "add-friend", Mutate: func(a *types.Account) error {
		if lo.Contains(a.Friends, from) {
			return nil
		}
		a.FriendRequests = addUnique(a.FriendRequests, from)
		return nil
	}}}
}

// AcceptFriend accepts a pending friend request, making both accounts
// friends of each other. Touches both accounts' partitions.
func AcceptFriend(account, requester types.AccountID) []Change {
	return []Change{
		{Account: account, Op: "accept-friend", Mutate: func(a *types.Account) error {
			if !lo.Contains(a.FriendRequests, requester) {
				return errors.Errorf("no pending friend request from %d", requester)
			}
			a.FriendRequests = lo.Without(a.FriendRequests, requester)
			a.Friends = addUnique(a.Friends, requester)
			return nil
		}},
		{Account: requester, Op: "accept-friend", Mutate: func(a *types.Account) error {
			a.Friends = addUnique(a.Friends, account)
			return nil
		}},
	}
}

// RemoveFriend removes both accounts from each other's friend lists.
func RemoveFriend(account, friend types.AccountID) []Change {
	return []Change{
		{Account: account, Op: "remove-friend", Mutate: func(a *types.Account) error {
			a.Friends = lo.Without(a.Friends, friend)
			return nil
		}},
		{Account: friend, Op: "remove-friend", Mutate: func(a *types.Account) error {
			a.Friends = lo.Without(a.Friends, account)
			return nil
		}},
	}
}

// Follow adds the follower to the target's follower set and the target to
// the follower's following set.
func Follow(follower, target types.AccountID) []Change {
	if follower == target {
		panic(errors.New("follow self"))
	}
	return []Change{
		{Account: follower, Op: "follow", Mutate: func(a *types.Account) error {
			a.Following = addUnique(a.Following, target)
			return nil
		}},
		{Account: target, Op: "follow", Mutate: func(a *types.Account) error {
			a.Followers = addUnique(a.Followers, follower)
			return nil
		}},
	}
}

// Unfollow reverses Follow.
func Unfollow(follower, target types.AccountID) []Change {
	return []Change{
		{Account: follower, Op: "unfollow", Mutate: func(a *types.Account) error {
			a.Following = lo.Without(a.Following, target)
			return nil
		}},
		{Account: target, Op: "unfollow", Mutate: func(a *types.Account) error {
			a.Followers = lo.Without(a.Followers, follower)
			return nil
		}},
	}
}

// GrantItem adds quantity units of the item to the account's inventory.
func GrantItem(account types.AccountID, item string, quantity uint64) []Change {
	if quantity == 0 {
		panic(errors.New("zero quantity"))
	}
	return []Change{{Account: account, Op: "grant-item", Mutate: func(a *types.Account) error {
		if a.Inventory == nil {
			a.Inventory = map[string]uint64{}
		}
		a.Inventory[item] += quantity
		return nil
	}}}
}

// EquipItem equips an owned item. Equipping an item the account does not own
// aborts the plan.
func EquipItem(account types.AccountID, item string) []Change {
	return []Change{{Account: account, Op: "equip-item", Mutate: func(a *types.Account) error {
		if !a.Owns(item) {
			return errors.Errorf("account %d does not own item %q", a.ID, item)
		}
		a.Equipped = item
		return nil
	}}}
}

func addUnique(list []types.AccountID, id types.AccountID) []types.AccountID {
	if lo.Contains(list, id) {
		return list
	}
	return append(list, id)
}

func assertAmount(amount int64) {
	if amount <= 0 {
		panic(errors.Errorf("non-positive amount %d", amount))
	}
}
