package service

import (
	"sort"
	"strings"

	"pursuit-sync/internal/domain"
)

// Mutation is a local edit applied by the replica loop. Every mutation stamps
// the records it touches with a fresh last_updated.
type Mutation interface {
	apply(lib *domain.Library, env *mutationEnv) (effects, error)
}

type mutationEnv struct {
	now      int64
	userName string
	userID   string
	newID    func() string
}

// touch returns a last_updated strictly greater than prev, so a local edit
// always beats the version it replaces even if the wall clock stepped back.
func (e *mutationEnv) touch(prev int64) int64 {
	if e.now > prev {
		return e.now
	}
	return prev + 1
}

type effects struct {
	deleteAssets []string
}

type GameFields struct {
	Title       string             `json:"title" validate:"required,max=200"`
	Rules       string             `json:"rules"`
	Materials   string             `json:"materials"`
	Duration    string             `json:"duration"`
	MinPlayers  string             `json:"min_players"`
	Tags        []string           `json:"tags"`
	Category    string             `json:"category" validate:"required"`
	TargetGroup domain.TargetGroup `json:"target_group" validate:"omitempty,oneof='Middle School' 'High School' College Both"`
	FolderID    string             `json:"folder_id"`
}

func (f GameFields) applyTo(g *domain.Game) {
	g.Title = f.Title
	g.Rules = f.Rules
	g.Materials = f.Materials
	g.Duration = f.Duration
	g.MinPlayers = f.MinPlayers
	g.Tags = append([]string{}, f.Tags...)
	g.Category = f.Category
	g.TargetGroup = f.TargetGroup
	g.FolderID = f.FolderID
}

type CreateGame struct {
	ID      string
	Fields  GameFields
	Diagram string
}

func (m CreateGame) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	if strings.TrimSpace(m.Fields.Title) == "" {
		return effects{}, invalid("game title is required")
	}
	id := m.ID
	if id == "" {
		id = env.newID()
	}
	if _, ok := lib.FindGame(id); ok {
		return effects{}, ErrDuplicateID
	}
	if err := checkFolder(lib, m.Fields.FolderID); err != nil {
		return effects{}, err
	}
	g := domain.Game{
		ID:          id,
		CreatedBy:   env.userName,
		CreatorID:   env.userID,
		LastUpdated: env.now,
	}
	m.Fields.applyTo(&g)
	if m.Diagram != "" {
		g.Diagram = m.Diagram
		g.HasDiagram = true
		g.DiagramDirty = true
	}
	lib.Games = append([]domain.Game{g}, lib.Games...)
	sortGames(lib.Games)
	return effects{}, nil
}

type UpdateGame struct {
	ID     string
	Fields GameFields
}

func (m UpdateGame) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	if err := checkFolder(lib, m.Fields.FolderID); err != nil {
		return effects{}, err
	}
	return editGame(lib, env, m.ID, func(g *domain.Game) error {
		m.Fields.applyTo(g)
		return nil
	})
}

type UpdateRules struct {
	ID    string
	Rules string
}

func (m UpdateRules) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	return editGame(lib, env, m.ID, func(g *domain.Game) error {
		g.Rules = m.Rules
		return nil
	})
}

type DeleteGame struct {
	ID string
}

func (m DeleteGame) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	var eff effects
	_, err := editGame(lib, env, m.ID, func(g *domain.Game) error {
		if g.HasDiagram || g.Diagram != "" {
			eff.deleteAssets = append(eff.deleteAssets, g.ID)
		}
		g.IsDeleted = true
		g.Diagram = ""
		g.HasDiagram = false
		g.DiagramDirty = false
		return nil
	})
	return eff, err
}

// RateGame stores the average of one voting session.
type RateGame struct {
	ID    string
	Votes []int
}

func (m RateGame) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	if len(m.Votes) == 0 {
		return effects{}, invalid("at least one vote is required")
	}
	for _, v := range m.Votes {
		if v < 1 || v > 5 {
			return effects{}, invalid("vote %d out of range 1-5", v)
		}
	}
	return editGame(lib, env, m.ID, func(g *domain.Game) error {
		g.Rating = domain.AverageRating(m.Votes)
		return nil
	})
}

// MoveGame files a game into a folder; an empty FolderID ungroups it.
type MoveGame struct {
	ID       string
	FolderID string
}

func (m MoveGame) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	if err := checkFolder(lib, m.FolderID); err != nil {
		return effects{}, err
	}
	return editGame(lib, env, m.ID, func(g *domain.Game) error {
		g.FolderID = m.FolderID
		return nil
	})
}

type SetDiagram struct {
	ID      string
	Diagram string
}

func (m SetDiagram) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	if m.Diagram == "" {
		return effects{}, invalid("diagram is empty")
	}
	return editGame(lib, env, m.ID, func(g *domain.Game) error {
		g.Diagram = m.Diagram
		g.HasDiagram = true
		g.DiagramDirty = true
		return nil
	})
}

// PruneDiagram drops a game's diagram locally and in the side-car store.
type PruneDiagram struct {
	ID string
}

func (m PruneDiagram) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	var eff effects
	_, err := editGame(lib, env, m.ID, func(g *domain.Game) error {
		if !g.HasDiagram && g.Diagram == "" {
			return invalid("game %s has no diagram", g.ID)
		}
		g.Diagram = ""
		g.HasDiagram = false
		g.DiagramDirty = false
		eff.deleteAssets = append(eff.deleteAssets, g.ID)
		return nil
	})
	return eff, err
}

type CreateFolder struct {
	ID   string
	Name string
}

func (m CreateFolder) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return effects{}, invalid("folder name is required")
	}
	id := m.ID
	if id == "" {
		id = env.newID()
	}
	for _, f := range lib.Folders {
		if f.ID == id {
			return effects{}, ErrDuplicateID
		}
	}
	lib.Folders = append(lib.Folders, domain.Folder{ID: id, Name: name, CreatedAt: env.now, LastUpdated: env.now})
	sortBy(lib.Folders, domain.FolderBefore)
	return effects{}, nil
}

type RenameFolder struct {
	ID   string
	Name string
}

func (m RenameFolder) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return effects{}, invalid("folder name is required")
	}
	i, err := liveFolder(lib, m.ID)
	if err != nil {
		return effects{}, err
	}
	lib.Folders[i].Name = name
	lib.Folders[i].LastUpdated = env.touch(lib.Folders[i].LastUpdated)
	sortBy(lib.Folders, domain.FolderBefore)
	return effects{}, nil
}

// DeleteFolder tombstones the folder. Games keep their folder_id and read
// as ungrouped.
type DeleteFolder struct {
	ID string
}

func (m DeleteFolder) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	i, err := liveFolder(lib, m.ID)
	if err != nil {
		return effects{}, err
	}
	lib.Folders[i].IsDeleted = true
	lib.Folders[i].LastUpdated = env.touch(lib.Folders[i].LastUpdated)
	return effects{}, nil
}

type AddPlayer struct {
	Name   string
	Age    string
	Gender domain.Gender
}

func (m AddPlayer) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return effects{}, invalid("player name is required")
	}
	gender := m.Gender
	if gender == "" {
		gender = domain.GenderOther
	}
	lib.Players = append(lib.Players, domain.Player{
		ID:          env.newID(),
		Name:        name,
		Age:         m.Age,
		Gender:      gender,
		LastUpdated: env.now,
	})
	sortBy(lib.Players, domain.PlayerBefore)
	return effects{}, nil
}

type DeletePlayer struct {
	ID string
}

func (m DeletePlayer) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	for i := range lib.Players {
		p := &lib.Players[i]
		if p.ID == m.ID && !p.IsDeleted {
			p.IsDeleted = true
			p.LastUpdated = env.touch(p.LastUpdated)
			return effects{}, nil
		}
	}
	return effects{}, notFound("player", m.ID)
}

type AddRivalry struct {
	Team1 string
	Team2 string
}

func (m AddRivalry) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	t1, t2 := strings.TrimSpace(m.Team1), strings.TrimSpace(m.Team2)
	if t1 == "" || t2 == "" || strings.EqualFold(t1, t2) {
		return effects{}, invalid("a rivalry needs two different teams")
	}
	r := domain.Rivalry{ID: env.newID(), Team1: t1, Team2: t2, LastUpdated: env.now}
	lib.Rivalries = append([]domain.Rivalry{r}, lib.Rivalries...)
	sortBy(lib.Rivalries, domain.RivalryBefore)
	return effects{}, nil
}

type DeleteRivalry struct {
	ID string
}

func (m DeleteRivalry) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	for i := range lib.Rivalries {
		r := &lib.Rivalries[i]
		if r.ID == m.ID && !r.IsDeleted {
			r.IsDeleted = true
			r.LastUpdated = env.touch(r.LastUpdated)
			sortBy(lib.Rivalries, domain.RivalryBefore)
			return effects{}, nil
		}
	}
	return effects{}, notFound("rivalry", m.ID)
}

type AddCategory struct{ Name string }

func (m AddCategory) apply(lib *domain.Library, _ *mutationEnv) (effects, error) {
	var err error
	lib.Categories, err = addToSet(lib.Categories, m.Name)
	return effects{}, err
}

// DeleteCategory only affects this replica's set. Replicas that still hold
// the category add it back on their next push.
type DeleteCategory struct{ Name string }

func (m DeleteCategory) apply(lib *domain.Library, _ *mutationEnv) (effects, error) {
	var err error
	lib.Categories, err = removeFromSet(lib.Categories, m.Name, "category")
	return effects{}, err
}

type AddTag struct{ Name string }

func (m AddTag) apply(lib *domain.Library, _ *mutationEnv) (effects, error) {
	var err error
	lib.Tags, err = addToSet(lib.Tags, m.Name)
	return effects{}, err
}

type DeleteTag struct{ Name string }

func (m DeleteTag) apply(lib *domain.Library, _ *mutationEnv) (effects, error) {
	var err error
	lib.Tags, err = removeFromSet(lib.Tags, m.Name, "tag")
	return effects{}, err
}

type SendMessage struct {
	Content     string
	SenderColor string
	SenderEmoji string
}

func (m SendMessage) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	if strings.TrimSpace(m.Content) == "" {
		return effects{}, invalid("message is empty")
	}
	lib.Messages = append(lib.Messages, domain.GroupMessage{
		ID:          env.newID(),
		SenderID:    env.userID,
		SenderName:  env.userName,
		SenderColor: m.SenderColor,
		SenderEmoji: m.SenderEmoji,
		Content:     m.Content,
		Timestamp:   env.now,
	})
	return effects{}, nil
}

// LogResult records a win. An individual winner who is not a rivalry team
// moves to the front of the recent players list.
type LogResult struct {
	GameID string
	Winner string
	Type   domain.ResultType
}

func (m LogResult) apply(lib *domain.Library, env *mutationEnv) (effects, error) {
	winner := strings.TrimSpace(m.Winner)
	if winner == "" {
		return effects{}, invalid("winner is required")
	}
	i, ok := lib.FindGame(m.GameID)
	if !ok || lib.Games[i].IsDeleted {
		return effects{}, notFound("game", m.GameID)
	}
	typ := m.Type
	if typ == "" {
		typ = domain.ResultTeam
	}

	lib.Results = append([]domain.GameResult{{
		ID:        env.newID(),
		GameID:    m.GameID,
		GameTitle: lib.Games[i].Title,
		Winner:    winner,
		Type:      typ,
		Timestamp: env.now,
	}}, lib.Results...)

	if typ == domain.ResultIndividual && !isRivalryTeam(lib.Rivalries, winner) {
		recent := []string{winner}
		for _, p := range lib.RecentPlayers {
			if p != winner {
				recent = append(recent, p)
			}
		}
		if len(recent) > domain.MaxLocalRecentWinners {
			recent = recent[:domain.MaxLocalRecentWinners]
		}
		lib.RecentPlayers = recent
	}
	return effects{}, nil
}

func editGame(lib *domain.Library, env *mutationEnv, id string, edit func(*domain.Game) error) (effects, error) {
	i, ok := lib.FindGame(id)
	if !ok || lib.Games[i].IsDeleted {
		return effects{}, notFound("game", id)
	}
	g := lib.Games[i].Clone()
	if err := edit(&g); err != nil {
		return effects{}, err
	}
	g.LastUpdated = env.touch(g.LastUpdated)
	lib.Games[i] = g
	sortGames(lib.Games)
	return effects{}, nil
}

func checkFolder(lib *domain.Library, id string) error {
	if id == "" {
		return nil
	}
	_, err := liveFolder(lib, id)
	return err
}

func liveFolder(lib *domain.Library, id string) (int, error) {
	for i, f := range lib.Folders {
		if f.ID == id && !f.IsDeleted {
			return i, nil
		}
	}
	return -1, notFound("folder", id)
}

func isRivalryTeam(rivalries []domain.Rivalry, team string) bool {
	for _, r := range rivalries {
		if !r.IsDeleted && r.Includes(team) {
			return true
		}
	}
	return false
}

func addToSet(set []string, name string) ([]string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return set, invalid("name is required")
	}
	for _, v := range set {
		if v == name {
			return set, nil
		}
	}
	return append(append([]string{}, set...), name), nil
}

func removeFromSet(set []string, name, kind string) ([]string, error) {
	out := make([]string, 0, len(set))
	for _, v := range set {
		if v != name {
			out = append(out, v)
		}
	}
	if len(out) == len(set) {
		return set, notFound(kind, name)
	}
	return out, nil
}

func sortGames(games []domain.Game) {
	sortBy(games, domain.GameBefore)
}

func sortBy[T any](items []T, before func(a, b T) bool) {
	sort.SliceStable(items, func(i, j int) bool { return before(items[i], items[j]) })
}
