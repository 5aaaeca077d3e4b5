// Package notify delivers fire-and-forget user notifications (timer alarms,
// new chat messages).
package notify

import (
	"log/slog"
	"sync"
)

type Sink interface {
	Notify(title, body string)
}

// Func adapts a plain function to a Sink.
type Func func(title, body string)

func (f Func) Notify(title, body string) { f(title, body) }

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(title, body string) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "title", title, "body", body)
}

// Multi fans a notification out to every sink.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Notify(title, body string) {
	for _, s := range m {
		if s != nil {
			s.Notify(title, body)
		}
	}
}

type Notification struct {
	Title string
	Body  string
}

// Recorder keeps every notification it receives.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(title, body string) {
	r.mu.Lock()
	r.sent = append(r.sent, Notification{Title: title, Body: body})
	r.mu.Unlock()
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

func (r *Recorder) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	titles := make([]string, len(r.sent))
	for i, n := range r.sent {
		titles[i] = n.Title
	}
	return titles
}
