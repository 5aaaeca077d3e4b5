// Package timer reconciles the library-wide countdown between replicas.
//
// The timer is a singleton that moves Absent -> Running -> Ended -> Absent.
// Dismissed timer ids are remembered so that a stale copy still sitting in
// the remote store is never adopted again.
package timer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pursuit-sync/internal/domain"
	"pursuit-sync/internal/notify"
)

var (
	ErrTimerRunning = errors.New("timer already running")
	ErrNoTimer      = errors.New("no active timer")
)

const DefaultHistorySize = 8

type Alert int

const (
	AlertNone Alert = iota
	AlertTimeUp
	AlertGameOver
)

func (a Alert) String() string {
	switch a {
	case AlertTimeUp:
		return "time_up"
	case AlertGameOver:
		return "game_over"
	default:
		return "none"
	}
}

// Outcome reports what Reconcile did with an incoming timer.
type Outcome struct {
	Changed bool
	Started bool
}

// Reconciler is not safe for concurrent use; the replica loop owns it.
type Reconciler struct {
	current     *domain.ActiveTimer
	dismissed   []string
	historySize int
	alertedID   string
	sink        notify.Sink
	newID       func() string
}

func New(sink notify.Sink, historySize int) *Reconciler {
	if historySize < 1 {
		historySize = 1
	}
	if sink == nil {
		sink = notify.Func(func(string, string) {})
	}
	return &Reconciler{
		historySize: historySize,
		sink:        sink,
		newID:       uuid.NewString,
	}
}

// Restore loads persisted state. The alarm for a restored timer that already
// ran out fires again on the next tick.
func (r *Reconciler) Restore(current *domain.ActiveTimer, dismissed []string) {
	r.current = current.Clone()
	r.dismissed = nil
	for _, id := range dismissed {
		r.remember(id)
	}
	r.alertedID = ""
}

func (r *Reconciler) Current() *domain.ActiveTimer {
	return r.current.Clone()
}

// Dismissed returns the remembered dismissal ids, oldest first.
func (r *Reconciler) Dismissed() []string {
	return append([]string(nil), r.dismissed...)
}

func (r *Reconciler) IsDismissed(id string) bool {
	for _, d := range r.dismissed {
		if d == id {
			return true
		}
	}
	return false
}

func (r *Reconciler) Start(label string, minutes int, startedBy string, nowMillis int64) (*domain.ActiveTimer, error) {
	if r.current.IsRunning() {
		return nil, ErrTimerRunning
	}
	if minutes <= 0 {
		return nil, fmt.Errorf("invalid timer duration: %d minutes", minutes)
	}
	r.current = &domain.ActiveTimer{
		ID:        r.newID(),
		Label:     label,
		EndTime:   nowMillis + int64(minutes)*60_000,
		Duration:  minutes,
		Status:    domain.TimerRunning,
		StartedBy: startedBy,
	}
	r.alertedID = ""
	return r.current.Clone(), nil
}

// Stop ends the running timer and returns the ended timer to push.
func (r *Reconciler) Stop() (*domain.ActiveTimer, error) {
	if !r.current.IsRunning() {
		return nil, ErrNoTimer
	}
	r.current.Status = domain.TimerEnded
	// Stopping is an acknowledgement; no Game Over for our own stop.
	r.alertedID = r.current.ID
	return r.current.Clone(), nil
}

// Tick fires at most one alert per timer id.
func (r *Reconciler) Tick(nowMillis int64) Alert {
	t := r.current
	if t == nil {
		return AlertNone
	}
	switch t.Status {
	case domain.TimerRunning:
		if nowMillis >= t.EndTime && r.alertedID != t.ID {
			r.alertedID = t.ID
			r.sink.Notify("Time's Up!", fmt.Sprintf("%s has finished.", t.Label))
			return AlertTimeUp
		}
	case domain.TimerEnded:
		if r.IsDismissed(t.ID) {
			r.current = nil
			return AlertNone
		}
		if r.alertedID != t.ID {
			r.alertedID = t.ID
			r.sink.Notify("Game Over", fmt.Sprintf("%s has been stopped.", t.Label))
			return AlertGameOver
		}
	}
	return AlertNone
}

// Dismiss acknowledges the current timer and clears it locally. When the
// timer was still running, the ended copy is returned; the caller must push
// it so that other replicas stop too.
func (r *Reconciler) Dismiss() (stopped *domain.ActiveTimer, changed bool) {
	t := r.current
	if t == nil {
		return nil, false
	}
	r.remember(t.ID)
	r.current = nil
	if t.Status == domain.TimerRunning {
		ended := t.Clone()
		ended.Status = domain.TimerEnded
		return ended, true
	}
	return nil, true
}

// Reconcile folds the timer from a remote snapshot into local state.
func (r *Reconciler) Reconcile(incoming *domain.ActiveTimer) Outcome {
	if incoming == nil {
		if r.current == nil {
			return Outcome{}
		}
		r.current = nil
		return Outcome{Changed: true}
	}
	if r.IsDismissed(incoming.ID) {
		return Outcome{}
	}
	prev := r.current
	if prev != nil && prev.ID == incoming.ID {
		// An ended timer never runs again, so a running copy predates the stop.
		if prev.Status == incoming.Status || prev.Status == domain.TimerEnded {
			return Outcome{}
		}
	}
	r.current = incoming.Clone()
	out := Outcome{Changed: true}
	if incoming.Status == domain.TimerRunning && (prev == nil || prev.ID != incoming.ID) {
		out.Started = true
		r.alertedID = ""
		r.sink.Notify("New Timer Started", fmt.Sprintf("%s has begun!", incoming.Label))
	}
	return out
}

func (r *Reconciler) remember(id string) {
	if id == "" || r.IsDismissed(id) {
		return
	}
	r.dismissed = append(r.dismissed, id)
	if over := len(r.dismissed) - r.historySize; over > 0 {
		r.dismissed = append([]string(nil), r.dismissed[over:]...)
	}
}
