// Package notify posts operator notifications about session and task
// lifecycle changes. Delivery is best-effort: failures are logged, never
// returned to the session or dispatch code that raised the event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/logging"
)

// Kind identifies what happened.
type Kind string

const (
	SessionRegistered   Kind = "session_registered"
	SessionAuthFailed   Kind = "session_auth_failed"
	SessionDisconnected Kind = "session_disconnected"
	TaskCompleted       Kind = "task_completed"
	TaskStopped         Kind = "task_stopped"
)

// Event is one notification.
type Event struct {
	Kind      Kind
	SessionID string
	TaskID    string
	OwnerID   string
	Text      string
}

// Format renders ev as a single line of plain text.
func Format(ev Event) string {
	subject := ev.SessionID
	if ev.TaskID != "" {
		subject = ev.TaskID
	}
	var head string
	switch ev.Kind {
	case SessionRegistered:
		head = "Session registered"
	case SessionAuthFailed:
		head = "Session authentication failed"
	case SessionDisconnected:
		head = "Session disconnected"
	case TaskCompleted:
		head = "Task completed"
	case TaskStopped:
		head = "Task stopped"
	default:
		head = string(ev.Kind)
	}
	line := fmt.Sprintf("%s: %s", head, subject)
	if ev.OwnerID != "" {
		line += fmt.Sprintf(" (owner %s)", ev.OwnerID)
	}
	if ev.Text != "" {
		line += " - " + ev.Text
	}
	return line
}

// Notifier delivers events somewhere.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers ev to every member.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async delivers events on background goroutines so callers never block on
// a chat API.
type Async struct {
	next    Notifier
	log     zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next. A nil next behaves like Nop.
func NewAsync(next Notifier, log *zerolog.Logger) *Async {
	if next == nil {
		next = Nop{}
	}
	return &Async{next: next, log: logging.Component(log, "notify"), timeout: 15 * time.Second}
}

// Notify schedules delivery and returns immediately.
func (a *Async) Notify(_ context.Context, ev Event) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, ev); err != nil {
			a.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("notification failed")
		}
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Recorder keeps every event in memory. Used by tests across packages.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify records ev.
func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}
