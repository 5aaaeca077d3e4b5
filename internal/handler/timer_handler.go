package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"pursuit-sync/pkg/response"
)

type StartTimerRequest struct {
	Label   string `json:"label" validate:"required,max=100"`
	Minutes int    `json:"minutes" validate:"required,min=1,max=1440"`
}

type TimerHandler struct {
	replica  Replica
	validate *validator.Validate
}

func NewTimerHandler(replica Replica) *TimerHandler {
	return &TimerHandler{
		replica:  replica,
		validate: validator.New(),
	}
}

func (h *TimerHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	started, err := h.replica.StartTimer(r.Context(), req.Label, req.Minutes)
	if err != nil {
		writeError(w, err)
		return
	}

	response.Created(w, started)
}

func (h *TimerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.replica.StopTimer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, stopped)
}

func (h *TimerHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if err := h.replica.DismissAlarm(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	response.Success(w, nil)
}
