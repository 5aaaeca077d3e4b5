// Package asset keeps large game diagrams out of the partition documents.
// Each diagram lives in its own side-car document and is fetched only when
// a reader asks for it.
package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"pursuit-sync/internal/clock"
	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/repository"
	"pursuit-sync/pkg/hash"
)

var ErrChecksumMismatch = errors.New("asset checksum mismatch")

const DefaultCacheSize = 64

// Payload is a diagram waiting to be uploaded.
type Payload struct {
	GameID  string
	Diagram string
}

type assetDoc struct {
	GameID    string `json:"game_id"`
	LibraryID string `json:"library_id"`
	Diagram   string `json:"diagram"`
	Checksum  string `json:"checksum"`
	Timestamp int64  `json:"timestamp"`
}

// DocumentID is the side-car document id for a game's diagram.
func DocumentID(key, gameID string) string {
	return "asset:" + domain.NormalizeLibraryID(key) + "_" + gameID
}

// StripBeforePush removes the diagram from g. The payload is returned only
// when the diagram was authored locally and still needs uploading.
func StripBeforePush(g domain.Game) (domain.Game, *Payload) {
	var payload *Payload
	if g.DiagramDirty && g.Diagram != "" {
		payload = &Payload{GameID: g.ID, Diagram: g.Diagram}
	}
	return g.SyncedContent(), payload
}

// StripLibrary applies StripBeforePush to every game.
func StripLibrary(lib domain.Library) (domain.Library, []Payload) {
	out := lib.Clone()
	var payloads []Payload
	for i, g := range out.Games {
		stripped, p := StripBeforePush(g)
		out.Games[i] = stripped
		if p != nil {
			payloads = append(payloads, *p)
		}
	}
	return out, payloads
}

type Manager struct {
	store  repository.DocumentStore
	cache  *lru.Cache[string, string]
	group  singleflight.Group
	clock  clock.Clock
	logger *slog.Logger
}

func NewManager(store repository.DocumentStore, cacheSize int, clk clock.Clock, logger *slog.Logger) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		cache:  cache,
		clock:  clk,
		logger: logger,
	}, nil
}

func (m *Manager) Upload(ctx context.Context, key string, p Payload) error {
	docID := DocumentID(key, p.GameID)
	doc := assetDoc{
		GameID:    p.GameID,
		LibraryID: domain.NormalizeLibraryID(key),
		Diagram:   p.Diagram,
		Checksum:  hash.String(p.Diagram),
		Timestamp: clock.Millis(m.clock),
	}
	if err := m.store.Put(ctx, docID, doc); err != nil {
		if errors.Is(err, repository.ErrDocumentTooLarge) {
			return fmt.Errorf("failed to upload diagram for game %s: %w", p.GameID, err)
		}
		return &domain.TransportError{Op: "upload", Partition: docID, Err: err}
	}
	m.cache.Add(docID, p.Diagram)
	m.logger.Debug("uploaded diagram", "game_id", p.GameID, "size", humanize.Bytes(uint64(len(p.Diagram))))
	return nil
}

// Fetch returns the diagram for gameID. found is false when no side-car
// document exists. Concurrent fetches of one asset share a single read.
func (m *Manager) Fetch(ctx context.Context, key, gameID string) (diagram string, found bool, err error) {
	docID := DocumentID(key, gameID)
	if d, ok := m.cache.Get(docID); ok {
		return d, true, nil
	}

	v, err, _ := m.group.Do(docID, func() (any, error) {
		if d, ok := m.cache.Get(docID); ok {
			return d, nil
		}
		raw, err := m.store.Get(ctx, docID)
		if err != nil {
			if errors.Is(err, repository.ErrDocumentNotFound) {
				return "", err
			}
			return "", &domain.TransportError{Op: "fetch", Partition: docID, Err: err}
		}
		var doc assetDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return "", &domain.SerializationError{Partition: docID, Err: err}
		}
		if doc.Checksum != "" && doc.Checksum != hash.String(doc.Diagram) {
			return "", &domain.SerializationError{Partition: docID, Err: ErrChecksumMismatch}
		}
		m.cache.Add(docID, doc.Diagram)
		return doc.Diagram, nil
	})
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v.(string), true, nil
}

// Delete removes the side-car document. Failures are logged, not returned;
// an orphaned asset is only wasted space.
func (m *Manager) Delete(ctx context.Context, key, gameID string) {
	docID := DocumentID(key, gameID)
	m.cache.Remove(docID)
	if err := m.store.Delete(ctx, docID); err != nil {
		m.logger.Warn("failed to delete diagram", "game_id", gameID, "error", err)
	}
}

// Forget drops a cached diagram without touching the store.
func (m *Manager) Forget(key, gameID string) {
	m.cache.Remove(DocumentID(key, gameID))
}
