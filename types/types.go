package types

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// AccountID is the unique identifier of an account. Uniqueness spans the
// union of all partitions, never a single partition alone.
type AccountID uint64

// ZeroAccountID represents an uninitialized AccountID.
const ZeroAccountID AccountID = 0

// PartitionID is the unique identifier of a backing partition.
type PartitionID string

// Revision is an opaque marker identifying the content version of a
// partition document. Two loads returning different revisions mean the
// document was written in between.
type Revision string

// ZeroRevision is the revision of an absent document.
const ZeroRevision Revision = ""

// Account is a single registry record. Accounts are created externally,
// mutated only through mutation handles and never deleted.
type Account struct {
	ID          AccountID `json:"id"`
	DisplayName string    `json:"displayName"`
	Balance     int64     `json:"balance"`

	Friends        []AccountID `json:"friends,omitempty"`
	FriendRequests []AccountID `json:"friendRequests,omitempty"`
	Followers      []AccountID `json:"followers,omitempty"`
	Following      []AccountID `json:"following,omitempty"`

	// Inventory maps item ID to owned quantity. Equipped, if set, must
	// reference an owned item.
	Inventory map[string]uint64 `json:"inventory,omitempty"`
	Equipped  string            `json:"equipped,omitempty"`

	Verified bool `json:"verified,omitempty"`
	Admin    bool `json:"admin,omitempty"`
}

// Clone returns a deep copy of the account, so edits made through a mutation
// handle never leak into a previously built view.
func (a Account) Clone() Account {
	c := a
	c.Friends = append([]AccountID(nil), a.Friends...)
	c.FriendRequests = append([]AccountID(nil), a.FriendRequests...)
	c.Followers = append([]AccountID(nil), a.Followers...)
	c.Following = append([]AccountID(nil), a.Following...)
	if a.Inventory != nil {
		c.Inventory = make(map[string]uint64, len(a.Inventory))
		for item, quantity := range a.Inventory {
			c.Inventory[item] = quantity
		}
	}
	return c
}

// Owns returns true if the account owns at least one unit of the item.
func (a Account) Owns(item string) bool {
	return a.Inventory[item] > 0
}

// PartitionConfig stores the configuration of a single partition backend.
type PartitionConfig struct {
	ID  PartitionID
	URL string
}

// UnmarshalText parses a partition definition in the form "id=url".
func (p *PartitionConfig) UnmarshalText(text []byte) error {
	id, url, ok := strings.Cut(string(text), "=")
	if !ok || id == "" || url == "" {
		return errors.Errorf("invalid partition definition %q", string(text))
	}
	p.ID = PartitionID(id)
	p.URL = url
	return nil
}

// Config is the config of coffer.
type Config struct {
	Partitions     []PartitionConfig `env:"COFFER_PARTITIONS"`
	LeaderboardURL string            `env:"COFFER_LEDGER_LEADERBOARD_URL"`
	RevenueURL     string            `env:"COFFER_LEDGER_REVENUE_URL"`
	JournalDir     string            `env:"COFFER_JOURNAL_DIR" envDefault:"journal"`
	MaxAttempts    uint64            `env:"COFFER_MAX_ATTEMPTS" envDefault:"5"`
	HTTPTimeout    time.Duration     `env:"COFFER_HTTP_TIMEOUT" envDefault:"5s"`
}
