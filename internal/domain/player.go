package domain

type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

// Player is a roster entry.
type Player struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Age         string `json:"age,omitempty"`
	Gender      Gender `json:"gender"`
	LastUpdated int64  `json:"last_updated"`
	IsDeleted   bool   `json:"is_deleted"`
}

func (p Player) RecordID() string { return p.ID }
func (p Player) Updated() int64   { return p.LastUpdated }

type Rivalry struct {
	ID          string `json:"id"`
	Team1       string `json:"team1"`
	Team2       string `json:"team2"`
	LastUpdated int64  `json:"last_updated"`
	IsDeleted   bool   `json:"is_deleted"`
}

func (r Rivalry) RecordID() string { return r.ID }
func (r Rivalry) Updated() int64   { return r.LastUpdated }

func (r Rivalry) Includes(team string) bool {
	return r.Team1 == team || r.Team2 == team
}
