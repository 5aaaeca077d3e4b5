package domain

// GroupMessage is immutable once created; Timestamp is both its creation
// time and its sort key.
type GroupMessage struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	SenderColor string `json:"sender_color,omitempty"`
	SenderEmoji string `json:"sender_emoji,omitempty"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

func (m GroupMessage) RecordID() string { return m.ID }
func (m GroupMessage) Updated() int64   { return m.Timestamp }

type ResultType string

const (
	ResultTeam       ResultType = "Team"
	ResultIndividual ResultType = "Individual"
)

// GameResult keeps the game title denormalized so the leaderboard still
// renders after the game is deleted.
type GameResult struct {
	ID        string     `json:"id"`
	GameID    string     `json:"game_id"`
	GameTitle string     `json:"game_title"`
	Winner    string     `json:"winner"`
	Type      ResultType `json:"type"`
	Timestamp int64      `json:"timestamp"`
}

func (r GameResult) RecordID() string { return r.ID }
func (r GameResult) Updated() int64   { return r.Timestamp }
