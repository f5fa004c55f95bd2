package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/outofforest/coffer/types"
)

const journalFile = "reconcile.log"

// Delta is one intended per-account balance movement of a partially
// committed plan.
type Delta struct {
	Account types.AccountID `json:"account"`
	Delta   int64           `json:"delta"`
	Op      string          `json:"op"`
}

// Entry describes a transaction that committed on some partitions but not
// all of them. The registry is in a detectable, reconcilable state; the
// entry names everything an operator needs to finish or undo the plan.
type Entry struct {
	Ref       uuid.UUID           `json:"ref"`
	Plan      uuid.UUID           `json:"plan"`
	Op        string              `json:"op"`
	Time      time.Time           `json:"time"`
	Committed []types.PartitionID `json:"committed"`
	Deltas    []Delta             `json:"deltas"`
}

// Open opens the journal in the given directory, creating it if needed.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WithStack(err)
	}

	path := filepath.Join(dir, journalFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Journal{path: path, file: file}, nil
}

// Journal is an append-only, checksummed log of reconciliation entries.
// Every partially committed transaction produces exactly one entry before
// the partial status is reported to the caller.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Append writes the entry and returns its reference. A zero Ref and Time are
// filled in.
func (j *Journal) Append(ctx context.Context, entry Entry) (uuid.UUID, error) {
	if entry.Ref == uuid.Nil {
		entry.Ref = uuid.New()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return uuid.Nil, errors.WithStack(err)
	}
	line := fmt.Sprintf("%016x %s\n", xxhash.Sum64(payload), payload)

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.WriteString(line); err != nil {
		return uuid.Nil, errors.WithStack(err)
	}
	if err := j.file.Sync(); err != nil {
		return uuid.Nil, errors.WithStack(err)
	}

	logger.Get(ctx).Warn("Reconciliation entry recorded",
		zap.String("ref", entry.Ref.String()),
		zap.String("plan", entry.Plan.String()),
		zap.String("op", entry.Op),
		zap.Any("committed", entry.Committed),
	)

	return entry.Ref, nil
}

// Entries replays the journal. A checksum mismatch terminates the replay:
// everything before the corrupt line is returned, the torn tail is dropped.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		sum, payload, ok := strings.Cut(scanner.Text(), " ")
		if !ok || fmt.Sprintf("%016x", xxhash.Sum64([]byte(payload))) != sum {
			break
		}
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			break
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return entries, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return errors.WithStack(j.file.Close())
}
