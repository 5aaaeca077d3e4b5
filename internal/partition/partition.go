// Package partition maps one logical library onto several remote documents
// so that no single document outgrows the store's size ceiling and chat
// traffic does not rewrite the game catalog.
package partition

import (
	"pursuit-sync/internal/domain"
)

type Partition string

const (
	Library  Partition = "library"
	Messages Partition = "messages"
	Results  Partition = "results"
	Roster   Partition = "roster"
)

// All lists every partition in write order.
var All = []Partition{Library, Messages, Results, Roster}

// DocumentID is the remote document id of partition p for a library key.
func DocumentID(p Partition, key string) string {
	return string(p) + ":" + domain.NormalizeLibraryID(key)
}

type libraryDoc struct {
	Games         []domain.Game       `json:"games"`
	Folders       []domain.Folder     `json:"folders"`
	Categories    []string            `json:"categories"`
	Tags          []string            `json:"tags"`
	Rivalries     []domain.Rivalry    `json:"rivalries"`
	RecentPlayers []string            `json:"recent_players"`
	ActiveTimer   *domain.ActiveTimer `json:"active_timer"`
	Timestamp     int64               `json:"timestamp"`
}

type messagesDoc struct {
	Messages  []domain.GroupMessage `json:"messages"`
	Timestamp int64                 `json:"timestamp"`
}

type resultsDoc struct {
	Results   []domain.GameResult `json:"results"`
	Timestamp int64               `json:"timestamp"`
}

type rosterDoc struct {
	Players   []domain.Player `json:"players"`
	Timestamp int64           `json:"timestamp"`
}

// split renders lib as one document body per partition. Diagram payloads
// never leave the replica inside a partition document.
func split(lib domain.Library, now int64) map[Partition]any {
	games := make([]domain.Game, len(lib.Games))
	for i, g := range lib.Games {
		games[i] = g.SyncedContent()
	}
	return map[Partition]any{
		Library: libraryDoc{
			Games:         games,
			Folders:       lib.Folders,
			Categories:    lib.Categories,
			Tags:          lib.Tags,
			Rivalries:     lib.Rivalries,
			RecentPlayers: lib.RecentPlayers,
			ActiveTimer:   lib.ActiveTimer,
			Timestamp:     now,
		},
		Messages: messagesDoc{Messages: lib.Messages, Timestamp: now},
		Results:  resultsDoc{Results: lib.Results, Timestamp: now},
		Roster:   rosterDoc{Players: lib.Players, Timestamp: now},
	}
}
