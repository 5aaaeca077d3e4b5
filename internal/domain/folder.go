package domain

type Folder struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedAt   int64  `json:"created_at"`
	LastUpdated int64  `json:"last_updated"`
	IsDeleted   bool   `json:"is_deleted"`
}

func (f Folder) RecordID() string { return f.ID }
func (f Folder) Updated() int64   { return f.LastUpdated }
