// Package merge folds a remote library snapshot into the local one.
//
// Merge is pure: it never mutates its inputs, and merging the same remote
// snapshot twice yields the same library as merging it once. Keyed records
// resolve disagreements by last-writer-wins on last_updated with ties going
// to the local copy, so a tombstone can only be replaced by a strictly newer
// record and a record that is simply missing from the remote side is kept.
package merge

import (
	"sort"

	"pursuit-sync/internal/domain"
	"pursuit-sync/pkg/hash"
)

type Options struct {
	// PreserveLocalAssets keeps locally authored, not yet uploaded diagrams
	// when a remote copy of the game wins. Set once initial load completed.
	PreserveLocalAssets bool
}

type CollectionChanges struct {
	Added   []string `json:"added,omitempty"`
	Updated []string `json:"updated,omitempty"`
}

func (c CollectionChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0
}

// ChangeSummary describes what a merge changed in the local library.
type ChangeSummary struct {
	Games     CollectionChanges `json:"games"`
	Folders   CollectionChanges `json:"folders"`
	Players   CollectionChanges `json:"players"`
	Rivalries CollectionChanges `json:"rivalries"`
	Messages  CollectionChanges `json:"messages"`
	Results   CollectionChanges `json:"results"`

	// NewMessages holds the messages first seen in this merge, oldest first.
	NewMessages []domain.GroupMessage `json:"-"`

	CategoriesChanged    bool `json:"categories_changed,omitempty"`
	TagsChanged          bool `json:"tags_changed,omitempty"`
	RecentPlayersChanged bool `json:"recent_players_changed,omitempty"`
}

func (s ChangeSummary) HasChanges() bool {
	return !s.Games.Empty() ||
		!s.Folders.Empty() ||
		!s.Players.Empty() ||
		!s.Rivalries.Empty() ||
		!s.Messages.Empty() ||
		!s.Results.Empty() ||
		s.CategoriesChanged ||
		s.TagsChanged ||
		s.RecentPlayersChanged
}

// Merge returns local with remote folded in. The active timer is carried
// over from local untouched; timer.Reconciler owns it.
func Merge(local, remote domain.Library, opts Options) (domain.Library, ChangeSummary) {
	local, remote = local.Clone(), remote.Clone()
	out := local
	var summary ChangeSummary

	out.Games, summary.Games = games(opts).merge(local.Games, remote.Games)
	out.Folders, summary.Folders = folders.merge(local.Folders, remote.Folders)
	out.Players, summary.Players = players.merge(local.Players, remote.Players)
	out.Rivalries, summary.Rivalries = rivalries.merge(local.Rivalries, remote.Rivalries)
	out.Messages, summary.Messages = messages.merge(local.Messages, remote.Messages)
	out.Results, summary.Results = results.merge(local.Results, remote.Results)

	if len(summary.Messages.Added) > 0 {
		added := make(map[string]bool, len(summary.Messages.Added))
		for _, id := range summary.Messages.Added {
			added[id] = true
		}
		for _, m := range out.Messages {
			if added[m.ID] {
				summary.NewMessages = append(summary.NewMessages, m)
			}
		}
	}

	out.Categories, summary.CategoriesChanged = union(local.Categories, remote.Categories, 0)
	out.Tags, summary.TagsChanged = union(local.Tags, remote.Tags, 0)
	out.RecentPlayers, summary.RecentPlayersChanged = union(local.RecentPlayers, remote.RecentPlayers, domain.MaxRecentPlayers)

	out.Normalize()
	return out, summary
}

type record interface {
	RecordID() string
	Updated() int64
}

// keyed merges one collection of records identified by id.
type keyed[T record] struct {
	// same reports content equality. Equal records never count as updates.
	same func(a, b T) bool
	// adopt shapes the remote record that replaces local. Optional.
	adopt func(local, remote T) T
	less  func(a, b T) bool
	// immutable collections only ever gain records.
	immutable bool
}

func (k keyed[T]) merge(local, remote []T) ([]T, CollectionChanges) {
	out := make([]T, len(local), len(local)+len(remote))
	copy(out, local)

	index := make(map[string]int, len(local))
	for i, r := range out {
		index[r.RecordID()] = i
	}

	var changes CollectionChanges
	for _, r := range remote {
		id := r.RecordID()
		pos, ok := index[id]
		if !ok {
			index[id] = len(out)
			out = append(out, r)
			changes.Added = append(changes.Added, id)
			continue
		}
		if k.immutable {
			continue
		}
		l := out[pos]
		if k.same(l, r) || r.Updated() <= l.Updated() {
			continue
		}
		if k.adopt != nil {
			r = k.adopt(l, r)
		}
		out[pos] = r
		changes.Updated = append(changes.Updated, id)
	}

	if !changes.Empty() {
		sort.SliceStable(out, func(i, j int) bool { return k.less(out[i], out[j]) })
	}
	return out, changes
}

func games(opts Options) keyed[domain.Game] {
	return keyed[domain.Game]{
		same: func(a, b domain.Game) bool {
			return hash.Equal(a.SyncedContent(), b.SyncedContent())
		},
		adopt: func(local, remote domain.Game) domain.Game {
			return adoptDiagram(local, remote, opts)
		},
		less: domain.GameBefore,
	}
}

// adoptDiagram decides whether the local diagram payload survives a remote
// win. Remote snapshots never carry payloads, only the has_diagram marker, so
// a cached copy is dropped and fetched again on the next read. Only a diagram
// authored here and not yet uploaded is kept, and only after initial load.
func adoptDiagram(local, remote domain.Game, opts Options) domain.Game {
	remote = remote.Clone()
	if remote.Diagram != "" {
		return remote
	}
	remote.DiagramDirty = false
	if opts.PreserveLocalAssets && local.DiagramDirty && local.Diagram != "" {
		remote.Diagram = local.Diagram
		remote.HasDiagram = true
		remote.DiagramDirty = true
	}
	return remote
}

var folders = keyed[domain.Folder]{
	same: func(a, b domain.Folder) bool { return a == b },
	less: domain.FolderBefore,
}

var players = keyed[domain.Player]{
	same: func(a, b domain.Player) bool { return a == b },
	less: domain.PlayerBefore,
}

var rivalries = keyed[domain.Rivalry]{
	same: func(a, b domain.Rivalry) bool { return a == b },
	less: domain.RivalryBefore,
}

var messages = keyed[domain.GroupMessage]{
	immutable: true,
	less: func(a, b domain.GroupMessage) bool {
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	},
}

var results = keyed[domain.GameResult]{
	immutable: true,
	less: func(a, b domain.GameResult) bool {
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		return a.ID < b.ID
	},
}

// union appends the remote values missing from local, keeping local order,
// then truncates to limit when limit > 0. changed reports whether the resulting
// set differs from local.
func union(local, remote []string, limit int) ([]string, bool) {
	out := make([]string, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local)+len(remote))
	for _, v := range local {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range remote {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, !sameSet(local, out)
}

func sameSet(a, b []string) bool {
	as := make(map[string]bool, len(a))
	for _, v := range a {
		as[v] = true
	}
	bs := make(map[string]bool, len(b))
	for _, v := range b {
		bs[v] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for v := range as {
		if !bs[v] {
			return false
		}
	}
	return true
}
