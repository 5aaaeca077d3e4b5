package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pursuit-sync/internal/clock"
	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/merge"
	"pursuit-sync/internal/notify"
	"pursuit-sync/internal/partition"
	"pursuit-sync/internal/repository"
	"pursuit-sync/internal/timer"
	"pursuit-sync/pkg/hash"
)

// Local persistence keys.
const (
	keyLibraryState = "library_state"
	keyLibraryID    = "library_id"
	keyDismissed    = "dismissed_timer_ids"
	keyLastRead     = "last_read_message"
)

// Messages older than this when first seen are history, not news.
const messageNotifyWindow = 30 * time.Second

type ReplicaConfig struct {
	PollInterval   time.Duration
	TickInterval   time.Duration
	IOTimeout      time.Duration
	DismissHistory int
	UserName       string
	UserID         string
}

type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventSyncStatus   EventType = "sync_status"
)

type Event struct {
	Type    EventType            `json:"type"`
	State   *domain.Library      `json:"state,omitempty"`
	Summary *merge.ChangeSummary `json:"summary,omitempty"`
	Status  *SyncStatus          `json:"status,omitempty"`
}

type SyncStatus struct {
	LibraryID      string `json:"library_id,omitempty"`
	Joined         bool   `json:"joined"`
	Syncing        bool   `json:"syncing"`
	InitialLoaded  bool   `json:"initial_loaded"`
	PendingPush    bool   `json:"pending_push"`
	LastPullAt     int64  `json:"last_pull_at,omitempty"`
	LastPushAt     int64  `json:"last_push_at,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	UnreadMessages int    `json:"unread_messages"`
}

// ReplicaService owns one replica of the library. All state lives on the
// goroutine started by Run; public methods post closures to it and wait.
// Network I/O runs on separate goroutines and posts its result back, so a
// slow store never blocks local edits.
type ReplicaService struct {
	sync     *SyncService
	local    repository.LocalStore
	clock    clock.Clock
	notifier notify.Sink
	logger   *slog.Logger
	cfg      ReplicaConfig
	newID    func() string

	commands chan func()
	stopped  chan struct{}
	runCtx   context.Context

	subMu       sync.Mutex
	subscribers map[int]func(Event)
	nextSub     int

	// Loop-owned below.
	lib           domain.Library
	timer         *timer.Reconciler
	libraryID     string
	joined        bool
	initialLoaded bool
	generation    uint64
	pulling       bool
	pullWaiters   []chan error
	pushInFlight  bool
	pushPending   bool
	pendingTimer  *domain.ActiveTimer
	timerEpoch    uint64
	assetDeletes  []string
	syncOps       int
	lastPullAt    int64
	lastPushAt    int64
	lastErr       error
	lastRead      int64
	poll          *time.Ticker
}

func NewReplicaService(
	syncService *SyncService,
	local repository.LocalStore,
	clk clock.Clock,
	notifier notify.Sink,
	logger *slog.Logger,
	cfg ReplicaConfig,
) *ReplicaService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogSink{Logger: logger}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 15 * time.Second
	}
	if cfg.UserName == "" {
		cfg.UserName = "Guest"
	}
	if cfg.UserID == "" {
		cfg.UserID = "guest"
	}
	return &ReplicaService{
		sync:        syncService,
		local:       local,
		clock:       clk,
		notifier:    notifier,
		logger:      logger,
		cfg:         cfg,
		newID:       uuid.NewString,
		commands:    make(chan func()),
		stopped:     make(chan struct{}),
		subscribers: make(map[int]func(Event)),
		lib:         domain.NewLibrary(),
		timer:       timer.New(notifier, cfg.DismissHistory),
	}
}

// Load restores persisted state. Call it before Run.
func (s *ReplicaService) Load(ctx context.Context) error {
	if data, ok, err := s.local.Get(ctx, keyLibraryState); err != nil {
		return fmt.Errorf("failed to load library state: %w", err)
	} else if ok {
		var lib domain.Library
		if err := json.Unmarshal(data, &lib); err != nil {
			s.logger.Warn("discarding unreadable local library", "error", err)
		} else {
			lib.Normalize()
			s.lib = lib
		}
	}

	var dismissed []string
	if data, ok, err := s.local.Get(ctx, keyDismissed); err != nil {
		return fmt.Errorf("failed to load dismissed timers: %w", err)
	} else if ok {
		if err := json.Unmarshal(data, &dismissed); err != nil {
			s.logger.Warn("discarding unreadable dismissal history", "error", err)
		}
	}
	s.timer.Restore(s.lib.ActiveTimer, dismissed)

	if data, ok, err := s.local.Get(ctx, keyLibraryID); err != nil {
		return fmt.Errorf("failed to load library id: %w", err)
	} else if ok {
		s.libraryID = string(data)
	}

	if data, ok, err := s.local.Get(ctx, keyLastRead); err != nil {
		return fmt.Errorf("failed to load read marker: %w", err)
	} else if ok {
		_ = json.Unmarshal(data, &s.lastRead)
	}

	return nil
}

// Run drives the replica until ctx is cancelled. A library id restored by
// Load is joined again automatically.
func (s *ReplicaService) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.stopped)

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	defer s.stopPoll()

	if s.libraryID != "" {
		s.startJoin(s.libraryID, nil)
	}

	for {
		var pollC <-chan time.Time
		if s.poll != nil {
			pollC = s.poll.C
		}
		select {
		case <-ctx.Done():
			s.failWaiters(ErrReplicaStopped)
			return ctx.Err()
		case fn := <-s.commands:
			fn()
		case <-tick.C:
			s.onTick()
		case <-pollC:
			s.startPull(nil)
		}
	}
}

// do runs fn on the replica loop and waits for it to finish.
func (s *ReplicaService) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrReplicaStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrReplicaStopped
	}
}

// post hands an I/O result back to the loop without waiting.
func (s *ReplicaService) post(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.stopped:
	}
}

// Subscribe registers fn for state and status events. fn runs on the replica
// loop and must not block or call back into the replica.
func (s *ReplicaService) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *ReplicaService) emit(ev Event) {
	s.subMu.Lock()
	subs := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (s *ReplicaService) emitState(summary *merge.ChangeSummary) {
	state := s.visible()
	s.emit(Event{Type: EventStateChanged, State: &state, Summary: summary})
}

func (s *ReplicaService) emitStatus() {
	st := s.status()
	s.emit(Event{Type: EventSyncStatus, Status: &st})
}

// Apply runs a local mutation and schedules a push of the new state.
func (s *ReplicaService) Apply(ctx context.Context, m Mutation) (domain.Library, error) {
	var (
		state domain.Library
		err   error
	)
	if derr := s.do(ctx, func() {
		next := s.lib.Clone()
		env := &mutationEnv{
			now:      clock.Millis(s.clock),
			userName: s.cfg.UserName,
			userID:   s.cfg.UserID,
			newID:    s.newID,
		}
		var eff effects
		eff, err = m.apply(&next, env)
		if err != nil {
			return
		}
		next.ActiveTimer = s.timer.Current()
		s.lib = next
		s.persistLibrary()
		s.emitState(nil)
		s.deleteAssets(eff.deleteAssets)
		s.requestPush()
		state = s.visible()
	}); derr != nil {
		return domain.Library{}, derr
	}
	return state, err
}

// State returns the user-facing library with tombstones filtered out.
func (s *ReplicaService) State(ctx context.Context) (domain.Library, error) {
	var state domain.Library
	err := s.do(ctx, func() { state = s.visible() })
	return state, err
}

// Snapshot returns the full library, tombstones included.
func (s *ReplicaService) Snapshot(ctx context.Context) (domain.Library, error) {
	var lib domain.Library
	err := s.do(ctx, func() { lib = s.lib.Clone() })
	return lib, err
}

func (s *ReplicaService) Status(ctx context.Context) (SyncStatus, error) {
	var st SyncStatus
	err := s.do(ctx, func() { st = s.status() })
	return st, err
}

// Join attaches the replica to a library and waits for the first pull to be
// merged. Local edits made before joining are pushed once it completes.
func (s *ReplicaService) Join(ctx context.Context, libraryID string) error {
	key := domain.NormalizeLibraryID(libraryID)
	if key == "" {
		return invalid("library id is required")
	}
	waiter := make(chan error, 1)
	if err := s.do(ctx, func() { s.startJoin(key, waiter) }); err != nil {
		return err
	}
	return s.wait(ctx, waiter)
}

// Leave detaches from the library. In-flight I/O finishes but its results
// are discarded. Local state is kept.
func (s *ReplicaService) Leave(ctx context.Context) error {
	return s.do(ctx, func() {
		if !s.joined {
			return
		}
		s.logger.Info("left library", "library_id", s.libraryID)
		s.generation++
		s.joined = false
		s.initialLoaded = false
		s.libraryID = ""
		s.pushPending = false
		s.pendingTimer = nil
		s.stopPoll()
		s.failWaiters(ErrSyncAbandoned)
		if err := s.local.Remove(s.runCtx, keyLibraryID); err != nil {
			s.logger.Error("failed to forget library id", "error", err)
		}
		s.emitStatus()
	})
}

// SyncNow pulls immediately and waits for the merge.
func (s *ReplicaService) SyncNow(ctx context.Context) error {
	waiter := make(chan error, 1)
	var joined bool
	if err := s.do(ctx, func() {
		joined = s.joined
		if joined {
			s.startPull(waiter)
		}
	}); err != nil {
		return err
	}
	if !joined {
		return ErrNotJoined
	}
	return s.wait(ctx, waiter)
}

func (s *ReplicaService) wait(ctx context.Context, waiter chan error) error {
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrReplicaStopped
	}
}

// MarkMessagesRead moves the read marker to now.
func (s *ReplicaService) MarkMessagesRead(ctx context.Context) error {
	return s.do(ctx, func() {
		s.lastRead = clock.Millis(s.clock)
		s.persistJSON(keyLastRead, s.lastRead)
		s.emitStatus()
	})
}

func (s *ReplicaService) StartTimer(ctx context.Context, label string, minutes int) (*domain.ActiveTimer, error) {
	var (
		started *domain.ActiveTimer
		err     error
	)
	if derr := s.do(ctx, func() {
		started, err = s.timer.Start(label, minutes, s.cfg.UserName, clock.Millis(s.clock))
		if err != nil {
			return
		}
		s.timerEpoch++
		s.pendingTimer = nil
		s.timerChanged()
		s.requestPush()
	}); derr != nil {
		return nil, derr
	}
	return started, err
}

func (s *ReplicaService) StopTimer(ctx context.Context) (*domain.ActiveTimer, error) {
	var (
		stopped *domain.ActiveTimer
		err     error
	)
	if derr := s.do(ctx, func() {
		stopped, err = s.timer.Stop()
		if err != nil {
			return
		}
		s.timerChanged()
		s.requestPush()
	}); derr != nil {
		return nil, derr
	}
	return stopped, err
}

// DismissAlarm acknowledges the current timer. A timer dismissed while still
// running is pushed as ended so the other replicas stop too.
func (s *ReplicaService) DismissAlarm(ctx context.Context) error {
	return s.do(ctx, func() {
		stopped, changed := s.timer.Dismiss()
		if !changed {
			return
		}
		s.persistJSON(keyDismissed, s.timer.Dismissed())
		s.timerChanged()
		if stopped != nil {
			s.pendingTimer = stopped
			s.requestPush()
		}
	})
}

// Diagram returns a game's diagram, fetching it from the side-car store when
// only the marker is known locally. The fetched diagram is cached in state
// without marking the game as edited.
func (s *ReplicaService) Diagram(ctx context.Context, gameID string) (string, error) {
	var (
		diagram string
		fetch   bool
		key     string
		gen     uint64
		version int64
		missing error
	)
	if err := s.do(ctx, func() {
		i, ok := s.lib.FindGame(gameID)
		if !ok || s.lib.Games[i].IsDeleted {
			missing = notFound("game", gameID)
			return
		}
		g := s.lib.Games[i]
		diagram = g.Diagram
		fetch = diagram == "" && g.HasDiagram && s.joined
		key, gen, version = s.libraryID, s.generation, g.LastUpdated
	}); err != nil {
		return "", err
	}
	if missing != nil {
		return "", missing
	}
	if !fetch {
		return diagram, nil
	}

	fetched, found, err := s.sync.FetchDiagram(ctx, key, gameID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch diagram: %w", err)
	}
	if !found {
		return "", nil
	}

	err = s.do(ctx, func() {
		if gen != s.generation {
			return
		}
		i, ok := s.lib.FindGame(gameID)
		if !ok {
			return
		}
		g := &s.lib.Games[i]
		// A merge that replaced the game meanwhile may point at a newer asset.
		if g.LastUpdated != version {
			s.sync.ForgetDiagram(key, gameID)
			return
		}
		if g.Diagram != "" || !g.HasDiagram {
			return
		}
		g.Diagram = fetched
		s.persistLibrary()
		s.emitState(nil)
	})
	return fetched, err
}

func (s *ReplicaService) visible() domain.Library {
	lib := s.lib.Clone()
	lib.ActiveTimer = s.timer.Current()
	return lib.Visible()
}

func (s *ReplicaService) status() SyncStatus {
	st := SyncStatus{
		LibraryID:      s.libraryID,
		Joined:         s.joined,
		Syncing:        s.syncOps > 0,
		InitialLoaded:  s.initialLoaded,
		PendingPush:    s.pushPending,
		LastPullAt:     s.lastPullAt,
		LastPushAt:     s.lastPushAt,
		UnreadMessages: s.lib.UnreadMessages(s.lastRead),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *ReplicaService) onTick() {
	before := s.timer.Current()
	s.timer.Tick(clock.Millis(s.clock))
	after := s.timer.Current()
	if (before == nil) != (after == nil) {
		s.timerChanged()
	}
}

func (s *ReplicaService) timerChanged() {
	s.lib.ActiveTimer = s.timer.Current()
	s.persistLibrary()
	s.emitState(nil)
}

func (s *ReplicaService) startJoin(key string, waiter chan error) {
	if s.joined && s.libraryID == key {
		s.startPull(waiter)
		return
	}
	if s.joined {
		s.failWaiters(ErrSyncAbandoned)
	}
	s.generation++
	s.libraryID = key
	s.joined = true
	s.initialLoaded = false
	s.pulling = false
	s.pushInFlight = false
	s.pushPending = false
	s.lastErr = nil
	if err := s.local.Set(s.runCtx, keyLibraryID, []byte(key)); err != nil {
		s.logger.Error("failed to persist library id", "error", err)
	}
	s.logger.Info("joining library", "library_id", key)

	s.stopPoll()
	s.poll = time.NewTicker(s.cfg.PollInterval)
	s.startPull(waiter)
}

func (s *ReplicaService) stopPoll() {
	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
}

func (s *ReplicaService) failWaiters(err error) {
	for _, w := range s.pullWaiters {
		w <- err
	}
	s.pullWaiters = nil
}

func (s *ReplicaService) startPull(waiter chan error) {
	if !s.joined {
		if waiter != nil {
			waiter <- ErrNotJoined
		}
		return
	}
	if waiter != nil {
		s.pullWaiters = append(s.pullWaiters, waiter)
	}
	if s.pulling {
		return
	}
	s.pulling = true
	s.beginSync()

	gen, epoch, key := s.generation, s.timerEpoch, s.libraryID
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.IOTimeout)
		defer cancel()
		snap, err := s.sync.Pull(ctx, key)
		s.post(func() { s.finishPull(gen, epoch, snap, err) })
	}()
}

func (s *ReplicaService) finishPull(gen, epoch uint64, snap partition.Snapshot, err error) {
	defer s.endSync()
	if gen != s.generation {
		return
	}
	s.pulling = false

	if err != nil {
		s.logger.Warn("pull failed", "library_id", s.libraryID, "error", err)
		s.lastErr = err
	}

	summary := s.applySnapshot(snap, epoch)

	if err == nil {
		s.lastPullAt = clock.Millis(s.clock)
		s.lastErr = nil
		if !s.initialLoaded {
			s.initialLoaded = true
			s.logger.Info("initial load complete", "library_id", s.libraryID, "games", len(s.lib.Games))
			s.flushAssetDeletes()
			if s.pushPending || remoteBehind(snap.Library, s.lib) {
				s.pushPending = false
				s.requestPush()
			}
		}
	}
	if summary.HasChanges() {
		s.logger.Info("merged remote changes",
			"games_added", len(summary.Games.Added),
			"games_updated", len(summary.Games.Updated),
			"messages_added", len(summary.Messages.Added),
		)
	}

	waiters := s.pullWaiters
	s.pullWaiters = nil
	for _, w := range waiters {
		w <- err
	}
}

// applySnapshot merges whatever partitions were read into local state.
// epoch is the timer epoch when the read started; a timer started locally
// since then is newer than anything the read returned.
func (s *ReplicaService) applySnapshot(snap partition.Snapshot, epoch uint64) merge.ChangeSummary {
	merged, summary := merge.Merge(s.lib, snap.Library, merge.Options{PreserveLocalAssets: s.initialLoaded})

	timerChanged := false
	if snap.Present[partition.Library] {
		incoming := snap.Library.ActiveTimer
		// A stopped timer is only worth pushing while the remote still holds
		// that timer. Pushing it over a newer one would bring back a dead timer.
		if s.pendingTimer != nil && (incoming == nil || incoming.ID != s.pendingTimer.ID) {
			s.pendingTimer = nil
		}
		if epoch == s.timerEpoch {
			timerChanged = s.timer.Reconcile(incoming).Changed
		}
	}
	merged.ActiveTimer = s.timer.Current()
	s.lib = merged
	for _, id := range summary.Games.Updated {
		s.sync.ForgetDiagram(s.libraryID, id)
	}

	if summary.HasChanges() || timerChanged {
		s.persistLibrary()
		s.emitState(&summary)
	}
	s.notifyMessages(summary.NewMessages)
	return summary
}

// remoteBehind reports whether local holds anything the remote lacks.
func remoteBehind(remote, local domain.Library) bool {
	_, summary := merge.Merge(remote, local, merge.Options{})
	return summary.HasChanges()
}

func (s *ReplicaService) notifyMessages(msgs []domain.GroupMessage) {
	now := clock.Millis(s.clock)
	var latest *domain.GroupMessage
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == s.cfg.UserID || now-m.Timestamp >= messageNotifyWindow.Milliseconds() {
			continue
		}
		if latest == nil || m.Timestamp >= latest.Timestamp {
			latest = m
		}
	}
	if latest != nil {
		s.notifier.Notify("Message from "+latest.SenderName, latest.Content)
	}
}

// requestPush pushes the current state, or queues one follow-up push when a
// push is already running or the initial load has not finished.
func (s *ReplicaService) requestPush() {
	if !s.joined {
		return
	}
	if !s.initialLoaded || s.pushInFlight {
		s.pushPending = true
		return
	}
	s.pushInFlight = true
	s.pushPending = false
	s.beginSync()

	lib := s.lib.Clone()
	lib.ActiveTimer = s.timer.Current()
	if s.pendingTimer != nil {
		lib.ActiveTimer = s.pendingTimer
		s.pendingTimer = nil
	}
	gen, key := s.generation, s.libraryID
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.IOTimeout)
		defer cancel()
		result, err := s.sync.Push(ctx, key, lib)
		s.post(func() { s.finishPush(gen, result, err) })
	}()
}

func (s *ReplicaService) finishPush(gen uint64, result PushResult, err error) {
	defer s.endSync()
	if gen != s.generation {
		return
	}
	s.pushInFlight = false

	if err != nil {
		s.logger.Warn("push failed", "library_id", s.libraryID, "error", err)
		s.lastErr = err
	} else {
		s.lastPushAt = clock.Millis(s.clock)
		s.lastErr = nil
	}

	if s.markUploaded(result.Uploaded) {
		s.persistLibrary()
	}

	if s.pushPending {
		s.requestPush()
	}
}

// markUploaded clears the dirty flag of diagrams that reached the side-car
// store, unless they were edited again in the meantime.
func (s *ReplicaService) markUploaded(uploaded map[string]string) bool {
	changed := false
	for i := range s.lib.Games {
		g := &s.lib.Games[i]
		digest, ok := uploaded[g.ID]
		if !ok || !g.DiagramDirty || hash.String(g.Diagram) != digest {
			continue
		}
		g.DiagramDirty = false
		changed = true
	}
	return changed
}

// deleteAssets removes side-car diagrams. Deletes made before the first pull
// has merged are queued in memory and flushed by flushAssetDeletes.
func (s *ReplicaService) deleteAssets(gameIDs []string) {
	if len(gameIDs) == 0 {
		return
	}
	if !s.joined || !s.initialLoaded {
		s.assetDeletes = append(s.assetDeletes, gameIDs...)
		return
	}
	key := s.libraryID
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.IOTimeout)
		defer cancel()
		for _, id := range gameIDs {
			s.sync.DeleteDiagram(ctx, key, id)
		}
	}()
}

// flushAssetDeletes runs the queued deletes, skipping games that came back
// from the merge with a diagram.
func (s *ReplicaService) flushAssetDeletes() {
	queued := s.assetDeletes
	s.assetDeletes = nil
	var ids []string
	for _, id := range queued {
		if i, ok := s.lib.FindGame(id); ok && s.lib.Games[i].HasDiagram {
			continue
		}
		ids = append(ids, id)
	}
	s.deleteAssets(ids)
}

func (s *ReplicaService) beginSync() {
	s.syncOps++
	if s.syncOps == 1 {
		s.emitStatus()
	}
}

func (s *ReplicaService) endSync() {
	if s.syncOps > 0 {
		s.syncOps--
	}
	s.emitStatus()
}

func (s *ReplicaService) persistLibrary() {
	lib := s.lib.Clone()
	lib.ActiveTimer = s.timer.Current()
	s.persistJSON(keyLibraryState, lib)
}

func (s *ReplicaService) persistJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode local state", "key", key, "error", err)
		return
	}
	if err := s.local.Set(s.runCtx, key, data); err != nil {
		s.logger.Error("failed to persist local state", "key", key, "error", err)
	}
}
