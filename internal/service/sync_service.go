package service

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"pursuit-sync/internal/asset"
	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/partition"
	"pursuit-sync/pkg/hash"
)

const maxConcurrentUploads = 4

// SyncService moves whole library snapshots to and from the remote store.
// It keeps no state of its own; ReplicaService decides when to call it.
type SyncService struct {
	mapper *partition.Mapper
	assets *asset.Manager
	logger *slog.Logger
}

func NewSyncService(mapper *partition.Mapper, assets *asset.Manager, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		mapper: mapper,
		assets: assets,
		logger: logger,
	}
}

type PushResult struct {
	Report partition.BatchWriteReport
	// Uploaded maps game id to the digest of the diagram that reached the
	// side-car store.
	Uploaded map[string]string
}

// Push uploads pending diagrams, then replaces every partition document with
// lib. A failed upload leaves the diagram dirty for the next push; it does
// not block the partition write.
func (s *SyncService) Push(ctx context.Context, key string, lib domain.Library) (PushResult, error) {
	stripped, payloads := asset.StripLibrary(lib)

	uploaded := make([]string, len(payloads))
	uploadErrs := make([]error, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for i, p := range payloads {
		g.Go(func() error {
			if err := s.assets.Upload(gctx, key, p); err != nil {
				s.logger.Warn("diagram upload failed", "game_id", p.GameID, "error", err)
				uploadErrs[i] = err
				return nil
			}
			uploaded[i] = hash.String(p.Diagram)
			return nil
		})
	}
	_ = g.Wait()

	result := PushResult{Uploaded: make(map[string]string, len(payloads))}
	for i, p := range payloads {
		if uploadErrs[i] == nil {
			result.Uploaded[p.GameID] = uploaded[i]
		}
	}

	result.Report = s.mapper.Write(ctx, key, stripped)
	return result, errors.Join(append([]error{result.Report.Err()}, uploadErrs...)...)
}

// Pull reads the remote library. The snapshot is usable even when err is
// non-nil; it then holds only the partitions that could be read.
func (s *SyncService) Pull(ctx context.Context, key string) (partition.Snapshot, error) {
	return s.mapper.Read(ctx, key)
}

func (s *SyncService) FetchDiagram(ctx context.Context, key, gameID string) (string, bool, error) {
	return s.assets.Fetch(ctx, key, gameID)
}

func (s *SyncService) DeleteDiagram(ctx context.Context, key, gameID string) {
	s.assets.Delete(ctx, key, gameID)
}

// ForgetDiagram drops a cached diagram so the next read goes to the store.
func (s *SyncService) ForgetDiagram(key, gameID string) {
	s.assets.Forget(key, gameID)
}
