package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/service"
	"pursuit-sync/internal/timer"
	"pursuit-sync/pkg/response"
)

type mockReplica struct {
	applied   []service.Mutation
	applyErr  error
	joined    string
	joinErr   error
	synced    int
	timerErr  error
	diagram   string
	diagErr   error
	dismissed bool
	readMarks int
}

func (m *mockReplica) Apply(ctx context.Context, mut service.Mutation) (domain.Library, error) {
	if m.applyErr != nil {
		return domain.Library{}, m.applyErr
	}
	m.applied = append(m.applied, mut)
	return domain.NewLibrary(), nil
}

func (m *mockReplica) State(ctx context.Context) (domain.Library, error) {
	return domain.NewLibrary(), nil
}

func (m *mockReplica) Status(ctx context.Context) (service.SyncStatus, error) {
	return service.SyncStatus{LibraryID: m.joined, Joined: m.joined != ""}, nil
}

func (m *mockReplica) Join(ctx context.Context, libraryID string) error {
	if m.joinErr != nil {
		return m.joinErr
	}
	m.joined = domain.NormalizeLibraryID(libraryID)
	return nil
}

func (m *mockReplica) Leave(ctx context.Context) error {
	m.joined = ""
	return nil
}

func (m *mockReplica) SyncNow(ctx context.Context) error {
	if m.joined == "" {
		return service.ErrNotJoined
	}
	m.synced++
	return nil
}

func (m *mockReplica) MarkMessagesRead(ctx context.Context) error {
	m.readMarks++
	return nil
}

func (m *mockReplica) StartTimer(ctx context.Context, label string, minutes int) (*domain.ActiveTimer, error) {
	if m.timerErr != nil {
		return nil, m.timerErr
	}
	return &domain.ActiveTimer{ID: "t1", Label: label, Status: domain.TimerRunning}, nil
}

func (m *mockReplica) StopTimer(ctx context.Context) (*domain.ActiveTimer, error) {
	return nil, timer.ErrNoTimer
}

func (m *mockReplica) DismissAlarm(ctx context.Context) error {
	m.dismissed = true
	return nil
}

func (m *mockReplica) Diagram(ctx context.Context, gameID string) (string, error) {
	return m.diagram, m.diagErr
}

func newTestRouter(replica Replica) *mux.Router {
	lib := NewLibraryHandler(replica)
	sync := NewSyncHandler(replica)
	tm := NewTimerHandler(replica)

	r := mux.NewRouter()
	r.HandleFunc("/games", lib.CreateGame).Methods("POST")
	r.HandleFunc("/games/{id}", lib.DeleteGame).Methods("DELETE")
	r.HandleFunc("/games/{id}/rating", lib.RateGame).Methods("POST")
	r.HandleFunc("/games/{id}/diagram", lib.GetDiagram).Methods("GET")
	r.HandleFunc("/rivalries", lib.AddRivalry).Methods("POST")
	r.HandleFunc("/messages/read", lib.MarkMessagesRead).Methods("POST")
	r.HandleFunc("/sync/join", sync.Join).Methods("POST")
	r.HandleFunc("/sync/pull", sync.Pull).Methods("POST")
	r.HandleFunc("/timer/start", tm.Start).Methods("POST")
	r.HandleFunc("/timer/stop", tm.Stop).Methods("POST")
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))

	var resp response.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected json response, got %q", rec.Body.String())
	}
	return rec, resp
}

func TestCreateGame(t *testing.T) {
	replica := &mockReplica{}
	router := newTestRouter(replica)

	rec, _ := do(t, router, "POST", "/games", map[string]interface{}{
		"title":        "Sardines",
		"category":     "Active",
		"target_group": "High School",
		"diagram":      "data:image/png;base64,AAAA",
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(replica.applied) != 1 {
		t.Fatalf("expected 1 mutation, got %d", len(replica.applied))
	}
	create, ok := replica.applied[0].(service.CreateGame)
	if !ok {
		t.Fatalf("expected CreateGame, got %T", replica.applied[0])
	}
	if create.Fields.Title != "Sardines" || create.Diagram == "" {
		t.Errorf("unexpected mutation %+v", create)
	}
}

func TestCreateGame_Validation(t *testing.T) {
	replica := &mockReplica{}
	router := newTestRouter(replica)

	cases := map[string]map[string]interface{}{
		"missing title":    {"category": "Active"},
		"missing category": {"title": "Sardines"},
		"bad group":        {"title": "Sardines", "category": "Active", "target_group": "Adults"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, resp := do(t, router, "POST", "/games", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if resp.Success {
				t.Error("expected failure response")
			}
		})
	}
	if len(replica.applied) != 0 {
		t.Errorf("expected no mutations, got %d", len(replica.applied))
	}
}

func TestCreateGame_InvalidJSON(t *testing.T) {
	router := newTestRouter(&mockReplica{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/games", bytes.NewBufferString("{")))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRateGame_VoteRange(t *testing.T) {
	replica := &mockReplica{}
	router := newTestRouter(replica)

	rec, _ := do(t, router, "POST", "/games/g1/rating", RateGameRequest{Votes: []int{5, 6}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out of range vote, got %d", rec.Code)
	}

	rec, _ = do(t, router, "POST", "/games/g1/rating", RateGameRequest{Votes: []int{4, 5}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rate := replica.applied[0].(service.RateGame)
	if rate.ID != "g1" || len(rate.Votes) != 2 {
		t.Errorf("unexpected mutation %+v", rate)
	}
}

func TestRivalry_TeamsMustDiffer(t *testing.T) {
	router := newTestRouter(&mockReplica{})

	rec, _ := do(t, router, "POST", "/rivalries", RivalryRequest{Team1: "Red", Team2: "Red"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", &service.NotFoundError{Kind: "game", ID: "g1"}, http.StatusNotFound},
		{"invalid", errors.Join(service.ErrInvalidInput, errors.New("name is required")), http.StatusBadRequest},
		{"duplicate", service.ErrDuplicateID, http.StatusConflict},
		{"stopped", service.ErrReplicaStopped, http.StatusServiceUnavailable},
		{"transport", &domain.TransportError{Op: "put", Partition: "library", Err: errors.New("refused")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(&mockReplica{applyErr: tc.err})
			rec, resp := do(t, router, "DELETE", "/games/g1", nil)
			if rec.Code != tc.code {
				t.Errorf("expected %d, got %d", tc.code, rec.Code)
			}
			if resp.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestGetDiagram(t *testing.T) {
	router := newTestRouter(&mockReplica{diagram: "data:image/png;base64,BBBB"})

	rec, resp := do(t, router, "GET", "/games/g1/diagram", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := resp.Data.(map[string]interface{})
	if data["diagram"] != "data:image/png;base64,BBBB" {
		t.Errorf("unexpected diagram %v", data["diagram"])
	}
}

func TestSync_JoinThenPull(t *testing.T) {
	replica := &mockReplica{}
	router := newTestRouter(replica)

	rec, _ := do(t, router, "POST", "/sync/pull", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 before join, got %d", rec.Code)
	}

	rec, _ = do(t, router, "POST", "/sync/join", JoinRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty library id, got %d", rec.Code)
	}

	rec, resp := do(t, router, "POST", "/sync/join", JoinRequest{LibraryID: "Youth Group"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	status := resp.Data.(map[string]interface{})
	if status["library_id"] != "youth group" {
		t.Errorf("expected normalized library id, got %v", status["library_id"])
	}

	rec, _ = do(t, router, "POST", "/sync/pull", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if replica.synced != 1 {
		t.Errorf("expected 1 sync, got %d", replica.synced)
	}
}

func TestSync_JoinTransportFailure(t *testing.T) {
	router := newTestRouter(&mockReplica{joinErr: &domain.TransportError{Op: "get", Err: errors.New("refused")}})

	rec, _ := do(t, router, "POST", "/sync/join", JoinRequest{LibraryID: "x"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestTimer(t *testing.T) {
	router := newTestRouter(&mockReplica{})

	rec, _ := do(t, router, "POST", "/timer/start", StartTimerRequest{Label: "Round 1", Minutes: 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero minutes, got %d", rec.Code)
	}

	rec, _ = do(t, router, "POST", "/timer/start", StartTimerRequest{Label: "Round 1", Minutes: 5})
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	rec, _ = do(t, router, "POST", "/timer/stop", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 with no timer, got %d", rec.Code)
	}

	running := newTestRouter(&mockReplica{timerErr: timer.ErrTimerRunning})
	rec, _ = do(t, running, "POST", "/timer/start", StartTimerRequest{Label: "Round 2", Minutes: 5})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 while running, got %d", rec.Code)
	}
}

func TestMarkMessagesRead(t *testing.T) {
	replica := &mockReplica{}
	router := newTestRouter(replica)

	rec, _ := do(t, router, "POST", "/messages/read", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if replica.readMarks != 1 {
		t.Errorf("expected read mark, got %d", replica.readMarks)
	}
}
