package domain

import "strings"

const (
	MaxRecentPlayers      = 20
	MaxLocalRecentWinners = 8
)

var (
	DefaultCategories = []string{"Ice Breakers", "Active", "Team Building", "Indoors", "Outdoors"}
	DefaultTags       = []string{"Team Game", "Free for All", "Students vs Leaders", "Boys vs Girls", "No Props", "Indoor", "Outdoor", "High Energy", "Sit Down"}
)

// Library is the whole replicated application state of one partition key.
type Library struct {
	Games         []Game         `json:"games"`
	Folders       []Folder       `json:"folders"`
	Categories    []string       `json:"categories"`
	Tags          []string       `json:"tags"`
	Rivalries     []Rivalry      `json:"rivalries"`
	RecentPlayers []string       `json:"recent_players"`
	Players       []Player       `json:"players"`
	Messages      []GroupMessage `json:"messages"`
	Results       []GameResult   `json:"results"`
	ActiveTimer   *ActiveTimer   `json:"active_timer"`
}

// NewLibrary returns the state of a fresh install.
func NewLibrary() Library {
	lib := Library{
		Categories: append([]string(nil), DefaultCategories...),
		Tags:       append([]string(nil), DefaultTags...),
		Rivalries: []Rivalry{
			{ID: "bvg", Team1: "Boys", Team2: "Girls"},
			{ID: "svl", Team1: "Students", Team2: "Leaders"},
		},
	}
	lib.Normalize()
	return lib
}

// Normalize replaces nil collections with empty ones so that decoded
// payloads with missing fields compare equal to freshly built state.
func (l *Library) Normalize() {
	if l.Games == nil {
		l.Games = []Game{}
	}
	for i := range l.Games {
		if l.Games[i].Tags == nil {
			l.Games[i].Tags = []string{}
		}
	}
	if l.Folders == nil {
		l.Folders = []Folder{}
	}
	if l.Categories == nil {
		l.Categories = []string{}
	}
	if l.Tags == nil {
		l.Tags = []string{}
	}
	if l.Rivalries == nil {
		l.Rivalries = []Rivalry{}
	}
	if l.RecentPlayers == nil {
		l.RecentPlayers = []string{}
	}
	if l.Players == nil {
		l.Players = []Player{}
	}
	if l.Messages == nil {
		l.Messages = []GroupMessage{}
	}
	if l.Results == nil {
		l.Results = []GameResult{}
	}
}

func (l Library) Clone() Library {
	c := Library{
		Folders:       append([]Folder{}, l.Folders...),
		Categories:    append([]string{}, l.Categories...),
		Tags:          append([]string{}, l.Tags...),
		Rivalries:     append([]Rivalry{}, l.Rivalries...),
		RecentPlayers: append([]string{}, l.RecentPlayers...),
		Players:       append([]Player{}, l.Players...),
		Messages:      append([]GroupMessage{}, l.Messages...),
		Results:       append([]GameResult{}, l.Results...),
		ActiveTimer:   l.ActiveTimer.Clone(),
	}
	c.Games = make([]Game, len(l.Games))
	for i, g := range l.Games {
		c.Games[i] = g.Clone()
	}
	return c
}

// Visible is the user-facing view: tombstoned records are filtered out.
func (l Library) Visible() Library {
	c := l.Clone()
	c.Games = filter(c.Games, func(g Game) bool { return !g.IsDeleted })
	c.Folders = filter(c.Folders, func(f Folder) bool { return !f.IsDeleted })
	c.Players = filter(c.Players, func(p Player) bool { return !p.IsDeleted })
	c.Rivalries = filter(c.Rivalries, func(r Rivalry) bool { return !r.IsDeleted })
	for i := range c.Games {
		c.Games[i].FolderID = c.Games[i].ResolveFolder(c.Folders)
	}
	return c
}

func (l Library) FindGame(id string) (int, bool) {
	for i, g := range l.Games {
		if g.ID == id {
			return i, true
		}
	}
	return -1, false
}

// UnreadMessages counts messages newer than the last read mark.
func (l Library) UnreadMessages(lastReadMillis int64) int {
	n := 0
	for _, m := range l.Messages {
		if m.Timestamp > lastReadMillis {
			n++
		}
	}
	return n
}

// NormalizeLibraryID maps a user supplied partition key to the form used in
// document ids.
func NormalizeLibraryID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
