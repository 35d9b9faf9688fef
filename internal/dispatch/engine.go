package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/clock"
	"github.com/zulandar/courier/internal/errs"
	"github.com/zulandar/courier/internal/logging"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/transport"
)

// Defaults used when EngineOpts leaves a field zero.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultMaxDisconnectWait = 5 * time.Minute
	DefaultRetention         = time.Hour
)

// Session is the view of a session the engine needs. Send must go through
// whatever client the session currently holds.
type Session interface {
	ID() string
	Owner() string
	Registered() bool
	Terminal() bool
	Send(ctx context.Context, to, text string) error
}

// Sessions resolves session ids.
type Sessions interface {
	Lookup(id string) (Session, bool)
}

// SessionsFunc adapts a function to Sessions.
type SessionsFunc func(id string) (Session, bool)

// Lookup calls fn.
func (fn SessionsFunc) Lookup(id string) (Session, bool) { return fn(id) }

// Request describes a task to start.
type Request struct {
	SessionID  string
	OwnerID    string // defaults to the session's owner
	Target     string
	TargetKind transport.TargetKind
	Messages   []string
	Prefix     string
	Delay      time.Duration
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Sessions            Sessions
	Registry            TaskRegistry // defaults to NewMemoryTaskRegistry()
	Clock               clock.Clock  // defaults to clock.Real()
	PollInterval        time.Duration
	MaxDisconnectWait   time.Duration
	Retention           time.Duration
	SerializePerSession bool
	Notifier            notify.Notifier
	Logger              *zerolog.Logger
}

// Engine starts, tracks and stops dispatch tasks.
type Engine struct {
	sessions  Sessions
	reg       TaskRegistry
	clock     clock.Clock
	poll      time.Duration
	maxWait   time.Duration
	retention time.Duration
	serialize bool
	lanes     *lanes
	notifier  notify.Notifier
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine validates opts and returns an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("dispatch: sessions is required")
	}
	if opts.Registry == nil {
		opts.Registry = NewMemoryTaskRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxDisconnectWait <= 0 {
		opts.MaxDisconnectWait = DefaultMaxDisconnectWait
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		sessions:  opts.Sessions,
		reg:       opts.Registry,
		clock:     opts.Clock,
		poll:      opts.PollInterval,
		maxWait:   opts.MaxDisconnectWait,
		retention: opts.Retention,
		serialize: opts.SerializePerSession,
		lanes:     newLanes(),
		notifier:  opts.Notifier,
		log:       logging.Component(opts.Logger, "dispatch"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start validates req, registers a task and runs it in the background.
func (e *Engine) Start(ctx context.Context, req Request) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return Info{}, fmt.Errorf("dispatch: target is required: %w", errs.ErrValidation)
	}
	switch req.TargetKind {
	case transport.TargetIndividual, transport.TargetGroup:
	default:
		return Info{}, fmt.Errorf("dispatch: unknown target kind %q: %w", req.TargetKind, errs.ErrValidation)
	}
	if req.Delay < 0 {
		return Info{}, fmt.Errorf("dispatch: delay must not be negative: %w", errs.ErrValidation)
	}
	msgs := CleanMessages(req.Messages)
	if len(msgs) == 0 {
		return Info{}, fmt.Errorf("dispatch: no messages to send: %w", errs.ErrMessageSourceInvalid)
	}

	s, ok := e.sessions.Lookup(req.SessionID)
	if !ok {
		return Info{}, fmt.Errorf("dispatch: session %s: %w", req.SessionID, errs.ErrSessionNotFound)
	}
	if !s.Registered() {
		return Info{}, fmt.Errorf("dispatch: session %s is not registered: %w", req.SessionID, errs.ErrSessionNotReady)
	}
	owner := req.OwnerID
	if owner == "" {
		owner = s.Owner()
	}

	t := &Task{
		id:        owner + "_task_" + uuid.NewString(),
		sessionID: req.SessionID,
		owner:     owner,
		target:    target,
		kind:      req.TargetKind,
		address:   transport.NormalizeAddress(target, req.TargetKind),
		messages:  msgs,
		prefix:    strings.TrimSpace(req.Prefix),
		delay:     req.Delay,
		started:   e.clock.Now(),
		status:    StatusRunning,
		stop:      make(chan struct{}),
	}
	e.reg.Put(t)

	var turn <-chan struct{}
	if e.serialize {
		turn = e.lanes.acquire(t.sessionID, t)
		select {
		case <-turn:
		default:
			t.setQueued(true)
		}
	}

	e.wg.Add(1)
	go e.run(t, turn)

	e.log.Info().Str("task", t.id).Str("session", t.sessionID).Str("to", t.address).
		Int("messages", len(msgs)).Dur("delay", t.delay).Msg("task started")
	return t.Info(), nil
}

// Stop requests a cooperative stop. Stopping a finished task is a no-op
// that returns its final state.
func (e *Engine) Stop(id string) (Info, error) {
	t, ok := e.reg.Get(id)
	if !ok {
		return Info{}, fmt.Errorf("dispatch: stop %s: %w", id, errs.ErrTaskNotFound)
	}
	if t.requestStop(EndedByUser) {
		e.log.Info().Str("task", id).Msg("stop requested")
	}
	return t.Info(), nil
}

// Status returns the task's current state.
func (e *Engine) Status(id string) (Info, error) {
	t, ok := e.reg.Get(id)
	if !ok {
		return Info{}, fmt.Errorf("dispatch: status %s: %w", id, errs.ErrTaskNotFound)
	}
	return t.Info(), nil
}

// List returns tasks for owner, or all tasks when owner is empty.
func (e *Engine) List(owner string) []Info {
	tasks := e.reg.List(owner)
	out := make([]Info, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Info())
	}
	return out
}

// ActiveCount returns how many of owner's tasks are still running or queued.
func (e *Engine) ActiveCount(owner string) int {
	n := 0
	for _, t := range e.reg.List(owner) {
		if t.active() {
			n++
		}
	}
	return n
}

// Sweep removes tasks that finished more than the retention window before
// now and returns how many were removed.
func (e *Engine) Sweep(now time.Time) int {
	old := e.reg.Finished(now.Add(-e.retention))
	for _, t := range old {
		e.reg.Delete(t.id)
	}
	if len(old) > 0 {
		e.log.Debug().Int("removed", len(old)).Msg("finished tasks purged")
	}
	return len(old)
}

// Close stops every running task and waits for their loops to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) notify(kind notify.Kind, t *Task, text string) {
	ev := notify.Event{Kind: kind, SessionID: t.sessionID, TaskID: t.id, OwnerID: t.owner, Text: text}
	if err := e.notifier.Notify(e.ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("task", t.id).Msg("notify failed")
	}
}
