package domain

// Display orders shared by local edits and merges. Ties break on id so that
// every replica lays out the same records the same way.

// GameBefore puts the most recently edited game first.
func GameBefore(a, b Game) bool {
	if a.LastUpdated != b.LastUpdated {
		return a.LastUpdated > b.LastUpdated
	}
	return a.ID < b.ID
}

func FolderBefore(a, b Folder) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.ID < b.ID
}

func PlayerBefore(a, b Player) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.ID < b.ID
}

func RivalryBefore(a, b Rivalry) bool {
	if a.LastUpdated != b.LastUpdated {
		return a.LastUpdated > b.LastUpdated
	}
	return a.ID < b.ID
}
