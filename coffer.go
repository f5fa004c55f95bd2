package coffer

import (
	"context"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/outofforest/coffer/ledger"
	"github.com/outofforest/coffer/reconcile"
	"github.com/outofforest/coffer/registry"
	"github.com/outofforest/coffer/store"
	"github.com/outofforest/coffer/store/httpstore"
	"github.com/outofforest/coffer/txn"
	"github.com/outofforest/coffer/types"
)

// LoadConfig loads configuration from environment variables.
func LoadConfig() (types.Config, error) {
	var config types.Config
	if err := env.Parse(&config); err != nil {
		return types.Config{}, errors.WithStack(err)
	}
	if len(config.Partitions) == 0 {
		return types.Config{}, errors.New("no partitions configured")
	}
	return config, nil
}

// Coffer bundles the partitioned account registry, the transaction
// coordinator and the derived ledgers behind one wired façade.
type Coffer struct {
	Registry    *registry.Registry
	Coordinator *txn.Coordinator
	Leaderboard *ledger.Aggregator
	Revenue     *ledger.Aggregator
	Journal     *reconcile.Journal
}

// Open wires a Coffer from config: one HTTP store per configured partition,
// the unified registry over them, the reconciliation journal and the
// aggregators fed by committed transactions.
func Open(ctx context.Context, config types.Config) (*Coffer, error) {
	stores := make(map[types.PartitionID]store.Store, len(config.Partitions))
	for _, p := range config.Partitions {
		if _, exists := stores[p.ID]; exists {
			return nil, errors.Errorf("partition %s configured twice", p.ID)
		}
		stores[p.ID] = httpstore.New(httpstore.Config{URL: p.URL, Timeout: config.HTTPTimeout})
	}

	reg := registry.New(stores)

	journal, err := reconcile.Open(config.JournalDir)
	if err != nil {
		return nil, err
	}

	var ledgers []txn.Ledger
	var leaderboard, revenue *ledger.Aggregator
	if config.LeaderboardURL != "" {
		leaderboard = ledger.New("leaderboard",
			httpstore.New(httpstore.Config{URL: config.LeaderboardURL, Timeout: config.HTTPTimeout}),
			ledger.Earnings, config.MaxAttempts)
		ledgers = append(ledgers, leaderboard)
	}
	if config.RevenueURL != "" {
		revenue = ledger.New("revenue",
			httpstore.New(httpstore.Config{URL: config.RevenueURL, Timeout: config.HTTPTimeout}),
			ledger.Revenue, config.MaxAttempts)
		ledgers = append(ledgers, revenue)
	}

	coordinator, err := txn.NewCoordinator(txn.Config{
		Registry:    reg,
		Journal:     journal,
		Ledgers:     ledgers,
		MaxAttempts: config.MaxAttempts,
	})
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	logger.Get(ctx).Info("Coffer opened",
		zap.Int("partitions", len(config.Partitions)),
		zap.Int("ledgers", len(ledgers)),
	)

	return &Coffer{
		Registry:    reg,
		Coordinator: coordinator,
		Leaderboard: leaderboard,
		Revenue:     revenue,
		Journal:     journal,
	}, nil
}

// Close releases resources held by the Coffer.
func (c *Coffer) Close() error {
	return c.Journal.Close()
}
