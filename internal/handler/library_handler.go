package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/service"
	"pursuit-sync/pkg/response"
)

type CreateGameRequest struct {
	service.GameFields
	ID      string `json:"id" validate:"omitempty,max=64"`
	Diagram string `json:"diagram"`
}

type UpdateRulesRequest struct {
	Rules string `json:"rules"`
}

type RateGameRequest struct {
	Votes []int `json:"votes" validate:"required,min=1,dive,min=1,max=5"`
}

type MoveGameRequest struct {
	FolderID string `json:"folder_id"`
}

type DiagramRequest struct {
	Diagram string `json:"diagram" validate:"required"`
}

type FolderRequest struct {
	ID   string `json:"id"`
	Name string `json:"name" validate:"required,max=100"`
}

type PlayerRequest struct {
	Name   string        `json:"name" validate:"required,max=100"`
	Age    string        `json:"age"`
	Gender domain.Gender `json:"gender" validate:"omitempty,oneof=Male Female Other"`
}

type RivalryRequest struct {
	Team1 string `json:"team1" validate:"required,max=100"`
	Team2 string `json:"team2" validate:"required,max=100,nefield=Team1"`
}

type NameRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type MessageRequest struct {
	Content     string `json:"content" validate:"required,max=2000"`
	SenderColor string `json:"sender_color"`
	SenderEmoji string `json:"sender_emoji"`
}

type ResultRequest struct {
	GameID string            `json:"game_id" validate:"required"`
	Winner string            `json:"winner" validate:"required,max=100"`
	Type   domain.ResultType `json:"type" validate:"omitempty,oneof=Team Individual"`
}

type LibraryHandler struct {
	replica  Replica
	validate *validator.Validate
}

func NewLibraryHandler(replica Replica) *LibraryHandler {
	return &LibraryHandler{
		replica:  replica,
		validate: validator.New(),
	}
}

// decode reads and validates a JSON body, writing the 400 itself on failure.
func (h *LibraryHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.BadRequest(w, "invalid request payload")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		response.BadRequest(w, err.Error())
		return false
	}
	return true
}

func (h *LibraryHandler) apply(w http.ResponseWriter, r *http.Request, status int, m service.Mutation) {
	state, err := h.replica.Apply(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, status, state)
}

func (h *LibraryHandler) State(w http.ResponseWriter, r *http.Request) {
	state, err := h.replica.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, state)
}

func (h *LibraryHandler) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusCreated, service.CreateGame{ID: req.ID, Fields: req.GameFields, Diagram: req.Diagram})
}

func (h *LibraryHandler) UpdateGame(w http.ResponseWriter, r *http.Request) {
	var req service.GameFields
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusOK, service.UpdateGame{ID: mux.Vars(r)["id"], Fields: req})
}

func (h *LibraryHandler) UpdateRules(w http.ResponseWriter, r *http.Request) {
	var req UpdateRulesRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusOK, service.UpdateRules{ID: mux.Vars(r)["id"], Rules: req.Rules})
}

func (h *LibraryHandler) DeleteGame(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, service.DeleteGame{ID: mux.Vars(r)["id"]})
}

func (h *LibraryHandler) RateGame(w http.ResponseWriter, r *http.Request) {
	var req RateGameRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusOK, service.RateGame{ID: mux.Vars(r)["id"], Votes: req.Votes})
}

func (h *LibraryHandler) MoveGame(w http.ResponseWriter, r *http.Request) {
	var req MoveGameRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusOK, service.MoveGame{ID: mux.Vars(r)["id"], FolderID: req.FolderID})
}

func (h *LibraryHandler) SetDiagram(w http.ResponseWriter, r *http.Request) {
	var req DiagramRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusOK, service.SetDiagram{ID: mux.Vars(r)["id"], Diagram: req.Diagram})
}

func (h *LibraryHandler) PruneDiagram(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, service.PruneDiagram{ID: mux.Vars(r)["id"]})
}

// GetDiagram may fetch from the side-car store when only the marker is local.
func (h *LibraryHandler) GetDiagram(w http.ResponseWriter, r *http.Request) {
	diagram, err := h.replica.Diagram(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, map[string]string{"diagram": diagram})
}

func (h *LibraryHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	var req FolderRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusCreated, service.CreateFolder{ID: req.ID, Name: req.Name})
}

func (h *LibraryHandler) RenameFolder(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusOK, service.RenameFolder{ID: mux.Vars(r)["id"], Name: req.Name})
}

func (h *LibraryHandler) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, service.DeleteFolder{ID: mux.Vars(r)["id"]})
}

func (h *LibraryHandler) AddPlayer(w http.ResponseWriter, r *http.Request) {
	var req PlayerRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusCreated, service.AddPlayer{Name: req.Name, Age: req.Age, Gender: req.Gender})
}

func (h *LibraryHandler) DeletePlayer(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, service.DeletePlayer{ID: mux.Vars(r)["id"]})
}

func (h *LibraryHandler) AddRivalry(w http.ResponseWriter, r *http.Request) {
	var req RivalryRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusCreated, service.AddRivalry{Team1: req.Team1, Team2: req.Team2})
}

func (h *LibraryHandler) DeleteRivalry(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, service.DeleteRivalry{ID: mux.Vars(r)["id"]})
}

func (h *LibraryHandler) AddCategory(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusCreated, service.AddCategory{Name: req.Name})
}

func (h *LibraryHandler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, service.DeleteCategory{Name: mux.Vars(r)["name"]})
}

func (h *LibraryHandler) AddTag(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusCreated, service.AddTag{Name: req.Name})
}

func (h *LibraryHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, http.StatusOK, service.DeleteTag{Name: mux.Vars(r)["name"]})
}

func (h *LibraryHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusCreated, service.SendMessage{
		Content:     req.Content,
		SenderColor: req.SenderColor,
		SenderEmoji: req.SenderEmoji,
	})
}

func (h *LibraryHandler) MarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	if err := h.replica.MarkMessagesRead(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	response.Success(w, nil)
}

func (h *LibraryHandler) LogResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, http.StatusCreated, service.LogResult{GameID: req.GameID, Winner: req.Winner, Type: req.Type})
}
