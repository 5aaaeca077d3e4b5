package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"pursuit-sync/internal/clock"
	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/repository"
)

type Failure struct {
	Partition Partition
	Err       error
}

// BatchWriteReport lists the outcome of every partition in a write.
type BatchWriteReport struct {
	Succeeded []Partition
	Failed    []Failure
}

func (r BatchWriteReport) OK() bool {
	return len(r.Failed) == 0
}

// Err folds the failed partitions into a *domain.PartialWriteError, or nil.
func (r BatchWriteReport) Err() error {
	if r.OK() {
		return nil
	}
	failed := make(map[string]error, len(r.Failed))
	for _, f := range r.Failed {
		failed[string(f.Partition)] = f.Err
	}
	return &domain.PartialWriteError{Failed: failed}
}

// Snapshot is the library reassembled from whatever partitions were read.
type Snapshot struct {
	Library domain.Library
	// Present marks partitions that exist remotely and decoded cleanly.
	Present map[Partition]bool
}

// Empty reports whether no partition exists remotely.
func (s Snapshot) Empty() bool {
	for _, ok := range s.Present {
		if ok {
			return false
		}
	}
	return true
}

type Mapper struct {
	store  repository.DocumentStore
	clock  clock.Clock
	logger *slog.Logger
}

func NewMapper(store repository.DocumentStore, clk clock.Clock, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		store:  store,
		clock:  clk,
		logger: logger,
	}
}

// Write replaces every partition document concurrently. A failed partition
// does not stop the others.
func (m *Mapper) Write(ctx context.Context, key string, lib domain.Library) BatchWriteReport {
	docs := split(lib, clock.Millis(m.clock))
	errs := make([]error, len(All))

	var g errgroup.Group
	for i, p := range All {
		g.Go(func() error {
			docID := DocumentID(p, key)
			if err := m.store.Put(ctx, docID, docs[p]); err != nil {
				if !errors.Is(err, repository.ErrDocumentTooLarge) {
					err = &domain.TransportError{Op: "push", Partition: string(p), Err: err}
				}
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	var report BatchWriteReport
	for i, p := range All {
		if errs[i] != nil {
			m.logger.Error("partition write failed", "partition", p, "library_id", key, "error", errs[i])
			report.Failed = append(report.Failed, Failure{Partition: p, Err: errs[i]})
			continue
		}
		report.Succeeded = append(report.Succeeded, p)
	}
	return report
}

// Read fetches every partition concurrently. Missing partitions read as
// empty. Malformed partitions are logged and read as empty. Transport
// failures are returned joined, alongside whatever was read successfully.
func (m *Mapper) Read(ctx context.Context, key string) (Snapshot, error) {
	type result struct {
		raw json.RawMessage
		err error
	}
	results := make([]result, len(All))

	var g errgroup.Group
	for i, p := range All {
		g.Go(func() error {
			raw, err := m.store.Get(ctx, DocumentID(p, key))
			results[i] = result{raw: raw, err: err}
			return nil
		})
	}
	_ = g.Wait()

	snap := Snapshot{Present: make(map[Partition]bool, len(All))}
	var transportErrs []error
	for i, p := range All {
		r := results[i]
		switch {
		case errors.Is(r.err, repository.ErrDocumentNotFound):
			continue
		case r.err != nil:
			transportErrs = append(transportErrs, &domain.TransportError{Op: "pull", Partition: string(p), Err: r.err})
			continue
		}
		if err := decodeInto(&snap.Library, p, r.raw); err != nil {
			m.logger.Warn("ignoring malformed partition", "partition", p, "library_id", key, "error", err)
			continue
		}
		snap.Present[p] = true
	}
	snap.Library.Normalize()

	return snap, errors.Join(transportErrs...)
}

func decodeInto(lib *domain.Library, p Partition, raw json.RawMessage) error {
	fail := func(err error) error {
		return &domain.SerializationError{Partition: string(p), Err: err}
	}
	switch p {
	case Library:
		var doc libraryDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fail(err)
		}
		lib.Games = doc.Games
		lib.Folders = doc.Folders
		lib.Categories = doc.Categories
		lib.Tags = doc.Tags
		lib.Rivalries = doc.Rivalries
		lib.RecentPlayers = doc.RecentPlayers
		lib.ActiveTimer = doc.ActiveTimer
	case Messages:
		var doc messagesDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fail(err)
		}
		lib.Messages = doc.Messages
	case Results:
		var doc resultsDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fail(err)
		}
		lib.Results = doc.Results
	case Roster:
		var doc rosterDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fail(err)
		}
		lib.Players = doc.Players
	default:
		return fail(fmt.Errorf("unknown partition %q", p))
	}
	return nil
}
