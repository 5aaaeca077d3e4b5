package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pursuit-sync/internal/asset"
	"pursuit-sync/internal/clock"
	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/notify"
	"pursuit-sync/internal/partition"
	"pursuit-sync/internal/repository"
	"pursuit-sync/internal/timer"
)

type mockLocalStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMockLocalStore() *mockLocalStore {
	return &mockLocalStore{values: make(map[string][]byte)}
}

func (m *mockLocalStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mockLocalStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *mockLocalStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// gatedStore can hold library partition writes or reads until released.
// A held read has already fetched its value, so it returns what the store
// held when the read began.
type gatedStore struct {
	*repository.MemoryDocumentStore
	mu       sync.Mutex
	gate     chan struct{}
	readGate chan struct{}
	held     int
	puts     map[string]int
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryDocumentStore: repository.NewMemoryDocumentStore(0),
		puts:                make(map[string]int),
	}
}

func (s *gatedStore) Put(ctx context.Context, docID string, body any) error {
	s.mu.Lock()
	s.puts[docID]++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil && strings.HasPrefix(docID, "library:") {
		<-gate
	}
	return s.MemoryDocumentStore.Put(ctx, docID, body)
}

func (s *gatedStore) Block() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

func (s *gatedStore) Release() {
	s.mu.Lock()
	close(s.gate)
	s.gate = nil
	s.mu.Unlock()
}

func (s *gatedStore) Puts(docID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[docID]
}

func (s *gatedStore) Get(ctx context.Context, docID string) (json.RawMessage, error) {
	raw, err := s.MemoryDocumentStore.Get(ctx, docID)
	s.mu.Lock()
	gate := s.readGate
	if gate != nil && strings.HasPrefix(docID, "library:") {
		s.held++
	} else {
		gate = nil
	}
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return raw, err
}

func (s *gatedStore) BlockReads() {
	s.mu.Lock()
	s.readGate = make(chan struct{})
	s.held = 0
	s.mu.Unlock()
}

func (s *gatedStore) ReleaseReads() {
	s.mu.Lock()
	close(s.readGate)
	s.readGate = nil
	s.mu.Unlock()
}

// HeldReads counts library reads held since the last BlockReads.
func (s *gatedStore) HeldReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

type testReplica struct {
	*ReplicaService
	local    *mockLocalStore
	notified *notify.Recorder
	clock    *clock.Fake
}

type replicaOption func(*ReplicaConfig)

func newTestReplica(t *testing.T, store repository.DocumentStore, local *mockLocalStore, clk *clock.Fake, user string, opts ...replicaOption) *testReplica {
	t.Helper()
	assets, err := asset.NewManager(store, 8, clk, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	syncService := NewSyncService(partition.NewMapper(store, clk, nil), assets, nil)

	cfg := ReplicaConfig{
		PollInterval:   time.Hour,
		TickInterval:   time.Hour,
		IOTimeout:      time.Second,
		DismissHistory: 8,
		UserName:       user,
		UserID:         strings.ToLower(user),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if local == nil {
		local = newMockLocalStore()
	}
	rec := &notify.Recorder{}
	r := NewReplicaService(syncService, local, clk, rec, nil, cfg)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("expected no error loading replica, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-r.stopped
	})

	return &testReplica{ReplicaService: r, local: local, notified: rec, clock: clk}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitIdle(t *testing.T, r *testReplica) {
	t.Helper()
	waitFor(t, "replica to go idle", func() bool {
		st, err := r.Status(context.Background())
		return err == nil && !st.Syncing && !st.PendingPush
	})
}

func createGame(t *testing.T, r *testReplica, title string) domain.Game {
	t.Helper()
	state, err := r.Apply(context.Background(), CreateGame{Fields: GameFields{Title: title, Category: "Active"}})
	if err != nil {
		t.Fatalf("expected no error creating game, got %v", err)
	}
	for _, g := range state.Games {
		if g.Title == title {
			return g
		}
	}
	t.Fatalf("game %q missing from state", title)
	return domain.Game{}
}

func findGame(lib domain.Library, id string) (domain.Game, bool) {
	i, ok := lib.FindGame(id)
	if !ok {
		return domain.Game{}, false
	}
	return lib.Games[i], true
}

func remoteLibrary(t *testing.T, store repository.DocumentStore, key string) domain.Library {
	t.Helper()
	snap, err := partition.NewMapper(store, clock.Real{}, nil).Read(context.Background(), key)
	if err != nil {
		t.Fatalf("expected no error reading remote, got %v", err)
	}
	return snap.Library
}

func TestReplica_ApplyWithoutJoin(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	r := newTestReplica(t, store, nil, clock.FromMillis(1_000), "Alice")

	g := createGame(t, r, "Sardines")

	if g.LastUpdated != 1_000 || g.CreatedBy != "Alice" {
		t.Errorf("unexpected game %+v", g)
	}
	st, _ := r.Status(context.Background())
	if st.Joined || st.PendingPush {
		t.Errorf("expected detached replica with no pending push, got %+v", st)
	}
	if store.Has(partition.DocumentID(partition.Library, "youth")) {
		t.Error("expected nothing pushed before joining")
	}
}

func TestReplica_JoinMergesAndPublishesLocalEdits(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000)
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob")
	ctx := context.Background()

	if err := alice.Join(ctx, "Youth"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	tag := createGame(t, alice, "Freeze Tag")
	waitIdle(t, alice)

	ninja := createGame(t, bob, "Ninja")
	if err := bob.Join(ctx, "youth"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	state, _ := bob.State(ctx)
	if _, ok := findGame(state, tag.ID); !ok {
		t.Error("expected bob to receive alice's game on join")
	}
	waitIdle(t, bob)

	remote := remoteLibrary(t, store, "youth")
	if _, ok := findGame(remote, ninja.ID); !ok {
		t.Error("expected bob's offline game to be pushed after initial load")
	}
	if _, ok := findGame(remote, tag.ID); !ok {
		t.Error("expected bob's push to keep alice's game")
	}
}

func TestReplica_DeletionPropagates(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000)
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob")
	ctx := context.Background()

	alice.Join(ctx, "youth")
	g := createGame(t, alice, "Sardines")
	waitIdle(t, alice)
	bob.Join(ctx, "youth")

	clk.Advance(time.Second)
	if _, err := bob.Apply(ctx, DeleteGame{ID: g.ID}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, bob)

	if err := alice.SyncNow(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	state, _ := alice.State(ctx)
	if _, ok := findGame(state, g.ID); ok {
		t.Error("expected deleted game to disappear from alice's view")
	}
	full, _ := alice.Snapshot(ctx)
	if got, _ := findGame(full, g.ID); !got.IsDeleted {
		t.Error("expected tombstone to be kept")
	}
}

// Local deletes at t=300 while the remote still shows the game alive at
// t=250; the tombstone must survive the pull.
func TestReplica_StaleRemoteDoesNotResurrect(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(100)
	r := newTestReplica(t, store, nil, clk, "Alice")
	ctx := context.Background()

	r.Join(ctx, "youth")
	g := createGame(t, r, "Sardines")
	waitIdle(t, r)

	stale := remoteLibrary(t, store, "youth")
	stale.Games[0].LastUpdated = 250
	stale.Games[0].Rating = 3

	clk.Set(time.UnixMilli(300))
	if _, err := r.Apply(ctx, DeleteGame{ID: g.ID}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, r)

	partition.NewMapper(store, clk, nil).Write(ctx, "youth", stale)
	if err := r.SyncNow(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	full, _ := r.Snapshot(ctx)
	got, _ := findGame(full, g.ID)
	if !got.IsDeleted || got.LastUpdated != 300 {
		t.Errorf("expected tombstone at 300 to win, got %+v", got)
	}
}

func TestReplica_NewerRemoteRatingWins(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(100)
	r := newTestReplica(t, store, nil, clk, "Alice")
	ctx := context.Background()

	r.Join(ctx, "youth")
	g := createGame(t, r, "Sardines")
	r.Apply(ctx, RateGame{ID: g.ID, Votes: []int{4}})
	waitIdle(t, r)

	remote := remoteLibrary(t, store, "youth")
	remote.Games[0].Rating = 5
	remote.Games[0].LastUpdated = 200
	partition.NewMapper(store, clk, nil).Write(ctx, "youth", remote)

	if err := r.SyncNow(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	state, _ := r.State(ctx)
	if got, _ := findGame(state, g.ID); got.Rating != 5 {
		t.Errorf("expected rating 5, got %v", got.Rating)
	}
}

func TestReplica_PushesCoalesce(t *testing.T) {
	store := newGatedStore()
	r := newTestReplica(t, store, nil, clock.FromMillis(1_000), "Alice")
	ctx := context.Background()
	libDoc := partition.DocumentID(partition.Library, "youth")

	r.Join(ctx, "youth")
	waitIdle(t, r)
	before := store.Puts(libDoc)

	store.Block()
	createGame(t, r, "One")
	waitFor(t, "first push to start", func() bool { return store.Puts(libDoc) == before+1 })
	createGame(t, r, "Two")
	createGame(t, r, "Three")

	st, _ := r.Status(ctx)
	if !st.PendingPush || !st.Syncing {
		t.Errorf("expected a pending follow-up push, got %+v", st)
	}

	store.Release()
	waitIdle(t, r)

	if got := store.Puts(libDoc); got != before+2 {
		t.Errorf("expected exactly one follow-up push, got %d pushes", got-before)
	}
	if n := len(remoteLibrary(t, store.MemoryDocumentStore, "youth").Games); n != 3 {
		t.Errorf("expected follow-up push to carry all 3 games, got %d", n)
	}
}

func TestReplica_PushDeferredUntilInitialLoad(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	libDoc := partition.DocumentID(partition.Library, "youth")
	store.Fail(libDoc, errors.New("connection refused"))
	r := newTestReplica(t, store, nil, clock.FromMillis(1_000), "Alice")
	ctx := context.Background()

	var transport *domain.TransportError
	if err := r.Join(ctx, "youth"); !errors.As(err, &transport) {
		t.Fatalf("expected transport error on join, got %v", err)
	}

	createGame(t, r, "Sardines")
	st, _ := r.Status(ctx)
	if st.InitialLoaded || !st.PendingPush || st.LastError == "" {
		t.Errorf("expected deferred push and surfaced error, got %+v", st)
	}
	if store.Has(partition.DocumentID(partition.Messages, "youth")) {
		t.Error("expected no partition to be written before initial load")
	}

	store.Fail(libDoc, nil)
	if err := r.SyncNow(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, r)

	if n := len(remoteLibrary(t, store, "youth").Games); n != 1 {
		t.Errorf("expected deferred push to publish the game, got %d games", n)
	}
	st, _ = r.Status(ctx)
	if st.LastError != "" || st.LastPushAt == 0 {
		t.Errorf("expected clean status after recovery, got %+v", st)
	}
}

func TestReplica_PartialPushReported(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	r := newTestReplica(t, store, nil, clock.FromMillis(1_000), "Alice")
	ctx := context.Background()
	r.Join(ctx, "youth")
	waitIdle(t, r)

	store.Fail(partition.DocumentID(partition.Roster, "youth"), errors.New("quota exceeded"))
	r.Apply(ctx, AddPlayer{Name: "Ada", Gender: domain.GenderFemale})
	waitIdle(t, r)

	st, _ := r.Status(ctx)
	if !strings.Contains(st.LastError, "roster") {
		t.Errorf("expected roster failure in status, got %q", st.LastError)
	}
}

// T1 is running; the user dismisses it; the next pull still returns T1 as
// ended. The timer stays gone and no alarm fires.
func TestReplica_DismissedTimerStaysDismissed(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000)
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob")
	ctx := context.Background()

	alice.Join(ctx, "youth")
	t1, err := alice.StartTimer(ctx, "Capture the Flag", 5)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, alice)

	bob.Join(ctx, "youth")
	state, _ := bob.State(ctx)
	if state.ActiveTimer == nil || state.ActiveTimer.ID != t1.ID {
		t.Fatalf("expected bob to adopt the running timer, got %+v", state.ActiveTimer)
	}

	if err := bob.DismissAlarm(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, bob)

	remote := remoteLibrary(t, store, "youth")
	if remote.ActiveTimer == nil || remote.ActiveTimer.Status != domain.TimerEnded {
		t.Fatalf("expected dismissal to push an ended timer, got %+v", remote.ActiveTimer)
	}

	if err := bob.SyncNow(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	state, _ = bob.State(ctx)
	if state.ActiveTimer != nil {
		t.Errorf("expected no timer after dismissal, got %+v", state.ActiveTimer)
	}
	for _, title := range bob.notified.Titles() {
		if title == "Game Over" || title == "Time's Up!" {
			t.Errorf("unexpected alarm %q after dismissal", title)
		}
	}

	raw, ok, _ := bob.local.Get(ctx, keyDismissed)
	if !ok || !strings.Contains(string(raw), t1.ID) {
		t.Errorf("expected dismissal to be persisted, got %s", raw)
	}

	if err := alice.SyncNow(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	state, _ = alice.State(ctx)
	if state.ActiveTimer == nil || state.ActiveTimer.Status != domain.TimerEnded {
		t.Errorf("expected alice to see the timer ended, got %+v", state.ActiveTimer)
	}
}

func TestReplica_TimerAlarmOnTick(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(0)
	r := newTestReplica(t, store, nil, clk, "Alice", func(c *ReplicaConfig) {
		c.TickInterval = 5 * time.Millisecond
	})
	ctx := context.Background()

	if _, err := r.StartTimer(ctx, "Tag", 1); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := r.StartTimer(ctx, "Tag", 1); !errors.Is(err, timer.ErrTimerRunning) {
		t.Errorf("expected running timer error, got %v", err)
	}

	clk.Advance(time.Minute)
	waitFor(t, "alarm", func() bool {
		for _, title := range r.notified.Titles() {
			if title == "Time's Up!" {
				return true
			}
		}
		return false
	})
}

func TestReplica_LazyDiagramFetch(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000)
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob")
	ctx := context.Background()

	alice.Join(ctx, "youth")
	state, err := alice.Apply(ctx, CreateGame{Fields: GameFields{Title: "Relay", Category: "Active"}, Diagram: "data:image/png;base64,QUJD"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	id := state.Games[0].ID
	waitIdle(t, alice)

	full, _ := alice.Snapshot(ctx)
	if g, _ := findGame(full, id); g.DiagramDirty {
		t.Error("expected dirty flag cleared after upload")
	}

	bob.Join(ctx, "youth")
	full, _ = bob.Snapshot(ctx)
	g, _ := findGame(full, id)
	if !g.HasDiagram || g.Diagram != "" {
		t.Fatalf("expected marker without payload, got %+v", g)
	}

	for i := 0; i < 2; i++ {
		d, err := bob.Diagram(ctx, id)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if d != "data:image/png;base64,QUJD" {
			t.Errorf("unexpected diagram %q", d)
		}
	}
	if n := store.Gets(asset.DocumentID("youth", id)); n != 1 {
		t.Errorf("expected one side-car read, got %d", n)
	}

	full, _ = bob.Snapshot(ctx)
	g, _ = findGame(full, id)
	if g.DiagramDirty || g.LastUpdated != 1_000 {
		t.Errorf("expected fetched diagram not to count as an edit, got %+v", g)
	}
}

func TestReplica_PruneDiagram(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	r := newTestReplica(t, store, nil, clock.FromMillis(1_000), "Alice")
	ctx := context.Background()

	r.Join(ctx, "youth")
	state, _ := r.Apply(ctx, CreateGame{Fields: GameFields{Title: "Relay", Category: "Active"}, Diagram: "img"})
	id := state.Games[0].ID
	waitIdle(t, r)
	docID := asset.DocumentID("youth", id)
	if !store.Has(docID) {
		t.Fatal("expected diagram to be uploaded")
	}

	if _, err := r.Apply(ctx, PruneDiagram{ID: id}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, "asset deletion", func() bool { return !store.Has(docID) })
	waitIdle(t, r)

	remote := remoteLibrary(t, store, "youth")
	if remote.Games[0].HasDiagram {
		t.Error("expected marker cleared remotely")
	}
}

func TestReplica_MessageNotification(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000_000)
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob")
	ctx := context.Background()

	alice.Join(ctx, "youth")
	bob.Join(ctx, "youth")

	alice.Apply(ctx, SendMessage{Content: "Meet at the gym"})
	waitIdle(t, alice)
	bob.SyncNow(ctx)

	sent := bob.notified.Sent()
	if len(sent) != 1 || sent[0].Title != "Message from Alice" || sent[0].Body != "Meet at the gym" {
		t.Errorf("unexpected notifications %+v", sent)
	}
	if len(alice.notified.Sent()) != 0 {
		t.Error("expected no notification for own message")
	}

	st, _ := bob.Status(ctx)
	if st.UnreadMessages != 1 {
		t.Errorf("expected 1 unread message, got %d", st.UnreadMessages)
	}
	clk.Advance(time.Second)
	bob.MarkMessagesRead(ctx)
	st, _ = bob.Status(ctx)
	if st.UnreadMessages != 0 {
		t.Errorf("expected 0 unread messages, got %d", st.UnreadMessages)
	}
}

func TestReplica_OldMessagesDoNotNotify(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000_000)
	alice := newTestReplica(t, store, nil, clk, "Alice")
	ctx := context.Background()
	alice.Join(ctx, "youth")
	alice.Apply(ctx, SendMessage{Content: "old news"})
	waitIdle(t, alice)

	clk.Advance(time.Minute)
	bob := newTestReplica(t, store, nil, clk, "Bob")
	bob.Join(ctx, "youth")

	if n := len(bob.notified.Sent()); n != 0 {
		t.Errorf("expected no notification for old messages, got %d", n)
	}
}

func TestReplica_RestoresFromLocalStore(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000)
	local := newMockLocalStore()
	ctx := context.Background()

	first := newTestReplica(t, store, local, clk, "Alice")
	first.Join(ctx, "youth")
	g := createGame(t, first, "Sardines")
	waitIdle(t, first)

	var saved domain.Library
	raw, ok, _ := local.Get(ctx, keyLibraryState)
	if !ok || json.Unmarshal(raw, &saved) != nil {
		t.Fatal("expected library state to be persisted")
	}

	second := newTestReplica(t, store, local, clk, "Alice")
	waitFor(t, "automatic rejoin", func() bool {
		st, _ := second.Status(ctx)
		return st.Joined && st.InitialLoaded && st.LibraryID == "youth"
	})
	state, _ := second.State(ctx)
	if _, ok := findGame(state, g.ID); !ok {
		t.Error("expected restored replica to hold the game")
	}
}

func TestReplica_Leave(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	r := newTestReplica(t, store, nil, clock.FromMillis(1_000), "Alice")
	ctx := context.Background()

	r.Join(ctx, "youth")
	if err := r.Leave(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := r.SyncNow(ctx); !errors.Is(err, ErrNotJoined) {
		t.Errorf("expected ErrNotJoined, got %v", err)
	}
	if _, ok, _ := r.local.Get(ctx, keyLibraryID); ok {
		t.Error("expected library id to be forgotten")
	}
}

func TestReplica_Subscribe(t *testing.T) {
	r := newTestReplica(t, repository.NewMemoryDocumentStore(0), nil, clock.FromMillis(1_000), "Alice")

	var mu sync.Mutex
	var events []EventType
	unsubscribe := r.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	createGame(t, r, "Sardines")
	unsubscribe()
	createGame(t, r, "Tag")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != EventStateChanged {
		t.Errorf("expected one state_changed event, got %v", events)
	}
}

func TestReplica_ReplacedDiagramReachesCachedReplica(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000)
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob")
	ctx := context.Background()

	alice.Join(ctx, "youth")
	state, err := alice.Apply(ctx, CreateGame{Fields: GameFields{Title: "Relay", Category: "Active"}, Diagram: "v1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	id := state.Games[0].ID
	waitIdle(t, alice)

	bob.Join(ctx, "youth")
	if d, err := bob.Diagram(ctx, id); err != nil || d != "v1" {
		t.Fatalf("expected first diagram, got %q (%v)", d, err)
	}

	clk.Advance(time.Second)
	if _, err := alice.Apply(ctx, SetDiagram{ID: id, Diagram: "v2"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, alice)

	if err := bob.SyncNow(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	d, err := bob.Diagram(ctx, id)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if d != "v2" {
		t.Errorf("expected replaced diagram, got %q", d)
	}
}

func TestReplica_DetachedDeleteRemovesDiagramAfterJoin(t *testing.T) {
	store := repository.NewMemoryDocumentStore(0)
	clk := clock.FromMillis(1_000)
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob")
	ctx := context.Background()

	alice.Join(ctx, "youth")
	state, _ := alice.Apply(ctx, CreateGame{Fields: GameFields{Title: "Relay", Category: "Active"}, Diagram: "img"})
	id := state.Games[0].ID
	waitIdle(t, alice)
	docID := asset.DocumentID("youth", id)
	if !store.Has(docID) {
		t.Fatal("expected diagram to be uploaded")
	}

	bob.Join(ctx, "youth")
	waitIdle(t, bob)
	if err := bob.Leave(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	clk.Advance(time.Second)
	if _, err := bob.Apply(ctx, DeleteGame{ID: id}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !store.Has(docID) {
		t.Fatal("expected diagram to stay while detached")
	}

	if err := bob.Join(ctx, "youth"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, "asset deletion", func() bool { return !store.Has(docID) })
	waitIdle(t, bob)

	g, ok := findGame(remoteLibrary(t, store, "youth"), id)
	if !ok || !g.IsDeleted {
		t.Errorf("expected deletion to reach the remote, got %+v", g)
	}
}

// Bob restores a running T1 while the library has moved on to T2. Dismissing
// T1 before the first pull lands must not push it over T2.
func TestReplica_DismissBeforeInitialLoadKeepsNewerTimer(t *testing.T) {
	store := newGatedStore()
	clk := clock.FromMillis(1_000)
	ctx := context.Background()

	alice := newTestReplica(t, store, nil, clk, "Alice")
	alice.Join(ctx, "youth")
	t1, err := alice.StartTimer(ctx, "One", 5)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, alice)

	saved := domain.NewLibrary()
	saved.ActiveTimer = t1
	raw, err := json.Marshal(saved)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	local := newMockLocalStore()
	local.Set(ctx, keyLibraryState, raw)
	local.Set(ctx, keyLibraryID, []byte("youth"))

	if _, err := alice.StopTimer(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := alice.DismissAlarm(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	t2, err := alice.StartTimer(ctx, "Two", 5)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, alice)

	store.BlockReads()
	bob := newTestReplica(t, store, local, clk, "Bob", func(c *ReplicaConfig) { c.IOTimeout = 5 * time.Second })
	waitFor(t, "first pull", func() bool { return store.HeldReads() >= 1 })

	if err := bob.DismissAlarm(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	store.ReleaseReads()
	waitFor(t, "initial load", func() bool {
		st, _ := bob.Status(ctx)
		return st.InitialLoaded
	})
	waitIdle(t, bob)

	remote := remoteLibrary(t, store, "youth")
	if remote.ActiveTimer == nil || remote.ActiveTimer.ID != t2.ID || remote.ActiveTimer.Status != domain.TimerRunning {
		t.Fatalf("expected the newer timer to keep running remotely, got %+v", remote.ActiveTimer)
	}
	state, _ := bob.State(ctx)
	if state.ActiveTimer == nil || state.ActiveTimer.ID != t2.ID {
		t.Errorf("expected bob to adopt the newer timer, got %+v", state.ActiveTimer)
	}
}

func TestReplica_TimerStartedDuringPullSurvives(t *testing.T) {
	store := newGatedStore()
	clk := clock.FromMillis(1_000)
	ctx := context.Background()
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob", func(c *ReplicaConfig) { c.IOTimeout = 5 * time.Second })

	alice.Join(ctx, "youth")
	waitIdle(t, alice)
	bob.Join(ctx, "youth")
	waitIdle(t, bob)

	store.BlockReads()
	pulled := make(chan error, 1)
	go func() { pulled <- bob.SyncNow(ctx) }()
	waitFor(t, "pull to start", func() bool { return store.HeldReads() >= 1 })

	t3, err := bob.StartTimer(ctx, "Three", 5)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, "timer push", func() bool {
		remote := remoteLibrary(t, store.MemoryDocumentStore, "youth")
		return remote.ActiveTimer != nil && remote.ActiveTimer.ID == t3.ID
	})

	store.ReleaseReads()
	if err := <-pulled; err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	state, _ := bob.State(ctx)
	if state.ActiveTimer == nil || state.ActiveTimer.ID != t3.ID || state.ActiveTimer.Status != domain.TimerRunning {
		t.Fatalf("expected the new timer to survive the older snapshot, got %+v", state.ActiveTimer)
	}

	waitIdle(t, bob)
	if err := bob.SyncNow(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	remote := remoteLibrary(t, store, "youth")
	if remote.ActiveTimer == nil || remote.ActiveTimer.ID != t3.ID {
		t.Errorf("expected the new timer remotely, got %+v", remote.ActiveTimer)
	}
}

func TestReplica_TimerStoppedDuringPullStaysStopped(t *testing.T) {
	store := newGatedStore()
	clk := clock.FromMillis(1_000)
	ctx := context.Background()
	alice := newTestReplica(t, store, nil, clk, "Alice")
	bob := newTestReplica(t, store, nil, clk, "Bob", func(c *ReplicaConfig) { c.IOTimeout = 5 * time.Second })

	alice.Join(ctx, "youth")
	t1, err := alice.StartTimer(ctx, "One", 5)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitIdle(t, alice)
	bob.Join(ctx, "youth")
	waitIdle(t, bob)

	store.BlockReads()
	pulled := make(chan error, 1)
	go func() { pulled <- bob.SyncNow(ctx) }()
	waitFor(t, "pull to start", func() bool { return store.HeldReads() >= 1 })

	if _, err := bob.StopTimer(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, "stop push", func() bool {
		remote := remoteLibrary(t, store.MemoryDocumentStore, "youth")
		return remote.ActiveTimer != nil && remote.ActiveTimer.Status == domain.TimerEnded
	})

	store.ReleaseReads()
	if err := <-pulled; err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	state, _ := bob.State(ctx)
	if state.ActiveTimer == nil || state.ActiveTimer.ID != t1.ID || state.ActiveTimer.Status != domain.TimerEnded {
		t.Fatalf("expected the timer to stay ended, got %+v", state.ActiveTimer)
	}

	waitIdle(t, bob)
	remote := remoteLibrary(t, store, "youth")
	if remote.ActiveTimer == nil || remote.ActiveTimer.Status != domain.TimerEnded {
		t.Errorf("expected the timer ended remotely, got %+v", remote.ActiveTimer)
	}
	started := 0
	for _, title := range bob.notified.Titles() {
		if title == "New Timer Started" {
			started++
		}
	}
	if started != 1 {
		t.Errorf("expected one start notification, got %d", started)
	}
}
