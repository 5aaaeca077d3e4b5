package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"pursuit-sync/pkg/response"
)

type JoinRequest struct {
	LibraryID string `json:"library_id" validate:"required,max=200"`
}

type SyncHandler struct {
	replica  Replica
	validate *validator.Validate
}

func NewSyncHandler(replica Replica) *SyncHandler {
	return &SyncHandler{
		replica:  replica,
		validate: validator.New(),
	}
}

// Join blocks until the first pull of the library is merged.
func (h *SyncHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := h.replica.Join(r.Context(), req.LibraryID); err != nil {
		writeError(w, err)
		return
	}

	h.Status(w, r)
}

func (h *SyncHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.replica.Leave(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	h.Status(w, r)
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.replica.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, status)
}

func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	if err := h.replica.SyncNow(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	h.Status(w, r)
}
