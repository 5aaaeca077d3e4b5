package domain

type TargetGroup string

const (
	TargetMiddleSchool TargetGroup = "Middle School"
	TargetHighSchool   TargetGroup = "High School"
	TargetCollege      TargetGroup = "College"
	TargetBoth         TargetGroup = "Both"
)

type Game struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Rules       string      `json:"rules"`
	Materials   string      `json:"materials"`
	Duration    string      `json:"duration"`
	MinPlayers  string      `json:"min_players,omitempty"`
	Rating      float64     `json:"rating"`
	Tags        []string    `json:"tags"`
	Category    string      `json:"category"`
	TargetGroup TargetGroup `json:"target_group"`
	// FolderID is a weak reference. A folder that no longer exists means
	// the game is ungrouped.
	FolderID string `json:"folder_id,omitempty"`

	// Diagram never travels in a partition document; the asset side-car
	// carries it. DiagramDirty marks a locally authored diagram that has not
	// been uploaded yet.
	Diagram      string `json:"diagram,omitempty"`
	HasDiagram   bool   `json:"has_diagram"`
	DiagramDirty bool   `json:"diagram_dirty,omitempty"`

	CreatedBy   string `json:"created_by,omitempty"`
	CreatorID   string `json:"creator_id,omitempty"`
	LastUpdated int64  `json:"last_updated"`
	IsDeleted   bool   `json:"is_deleted"`
}

func (g Game) RecordID() string { return g.ID }
func (g Game) Updated() int64   { return g.LastUpdated }

// SyncedContent returns the fields that replicate through partition
// documents. Two games with equal synced content are the same record even if
// only one of them has the diagram cached.
func (g Game) SyncedContent() Game {
	c := g.Clone()
	c.Diagram = ""
	c.DiagramDirty = false
	c.HasDiagram = g.HasDiagram || g.Diagram != ""
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return c
}

func (g Game) Clone() Game {
	c := g
	if g.Tags != nil {
		c.Tags = append([]string(nil), g.Tags...)
	}
	return c
}

// InFolder reports whether the game belongs to folderID, treating a dangling
// reference as ungrouped.
func (g Game) InFolder(folderID string, folders []Folder) bool {
	return g.ResolveFolder(folders) == folderID
}

func (g Game) ResolveFolder(folders []Folder) string {
	if g.FolderID == "" {
		return ""
	}
	for _, f := range folders {
		if f.ID == g.FolderID && !f.IsDeleted {
			return f.ID
		}
	}
	return ""
}

// AverageRating folds one voting session into a rating between 0 and 5.
func AverageRating(votes []int) float64 {
	if len(votes) == 0 {
		return 0
	}
	sum := 0
	for _, v := range votes {
		sum += v
	}
	return float64(sum) / float64(len(votes))
}
