package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/clock"
	"github.com/zulandar/courier/internal/errs"
	"github.com/zulandar/courier/internal/gate"
	"github.com/zulandar/courier/internal/logging"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/pairing"
	"github.com/zulandar/courier/internal/transport"
)

// Defaults used when ControllerOpts leaves a field zero.
const (
	DefaultPairingTimeout       = 120 * time.Second
	DefaultReconnectBackoff     = 5 * time.Second
	DefaultMaxReconnectAttempts = 3
)

// CreateStatus describes how a create request concluded.
type CreateStatus string

const (
	StatusCodeReceived      CreateStatus = "code_received"
	StatusQRReceived        CreateStatus = "qr_received"
	StatusAlreadyRegistered CreateStatus = "already-registered"
	StatusConnected         CreateStatus = "connected"
)

// CreateResult is returned by Create.
type CreateResult struct {
	SessionID string            `json:"sessionId"`
	Status    CreateStatus      `json:"status"`
	Artifact  *pairing.Artifact `json:"pairingArtifact,omitempty"`
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	Registry             Registry        // defaults to NewMemoryRegistry()
	Factory              transport.Factory
	Clock                clock.Clock     // defaults to clock.Real()
	PairingTimeout       time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int // 0 uses the default; negative disables reconnects
	Notifier             notify.Notifier
	Logger               *zerolog.Logger
}

// Controller drives session creation, pairing, reconnection and cleanup.
type Controller struct {
	reg         Registry
	factory     transport.Factory
	clock       clock.Clock
	pairTimeout time.Duration
	backoff     time.Duration
	maxAttempts int
	notifier    notify.Notifier
	log         zerolog.Logger
	logPtr      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes lookup-then-insert in Create against Cleanup.
	mu sync.Mutex
}

// NewController validates opts and returns a Controller.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("session: factory is required")
	}
	if opts.Registry == nil {
		opts.Registry = NewMemoryRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = DefaultPairingTimeout
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = DefaultReconnectBackoff
	}
	switch {
	case opts.MaxReconnectAttempts == 0:
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case opts.MaxReconnectAttempts < 0:
		opts.MaxReconnectAttempts = 0
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		reg:         opts.Registry,
		factory:     opts.Factory,
		clock:       opts.Clock,
		pairTimeout: opts.PairingTimeout,
		backoff:     opts.ReconnectBackoff,
		maxAttempts: opts.MaxReconnectAttempts,
		notifier:    opts.Notifier,
		log:         logging.Component(opts.Logger, "session"),
		logPtr:      opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Create starts (or resumes) pairing for phone on behalf of owner. It blocks
// until a pairing artifact is available, the device connects, pairing fails
// or ctx ends.
func (c *Controller) Create(ctx context.Context, phone, owner string) (*CreateResult, error) {
	digits, owner, err := Normalize(phone, owner)
	if err != nil {
		return nil, err
	}
	id := ID(digits, owner)

	c.mu.Lock()
	s, existed := c.reg.Get(id)
	reset := false
	if existed {
		s.mu.Lock()
		if s.state == StateRegistered {
			res := &CreateResult{SessionID: id, Status: StatusAlreadyRegistered, Artifact: s.artifact}
			s.mu.Unlock()
			c.mu.Unlock()
			return res, nil
		}
		if s.connecting {
			s.mu.Unlock()
			c.mu.Unlock()
			return nil, fmt.Errorf("session: create %s: %w", id, errs.ErrSessionAlreadyConnecting)
		}
		reset = s.state == StateAuthFailed
		s.connecting = true
		s.autoReconnect = true
		s.attempts = 0
		s.lastErr = nil
		s.artifact = nil
		s.setState(StateConnecting)
		s.mu.Unlock()
	} else {
		s = newSession(id, owner, digits, c.clock)
		s.connecting = true
		s.setState(StateConnecting)
		c.reg.Put(s)
		go c.loop(s)
	}
	c.mu.Unlock()

	log := c.log.With().Str("session", id).Logger()

	cl, err := c.factory.New(ctx, transport.Options{
		SessionID:          id,
		CredentialLocation: s.credLoc,
		Phone:              digits,
		ResetCredentials:   reset,
	})
	if err != nil {
		s.mu.Lock()
		s.connecting = false
		s.lastErr = err
		s.setState(StateCreated)
		s.mu.Unlock()
		if !existed {
			c.remove(s)
		}
		return nil, fmt.Errorf("session: create %s: %w", id, err)
	}

	// A cleanup may have run while the factory was building cl.
	gone := fmt.Errorf("session: create %s: cleaned up while connecting: %w", id, errs.ErrSessionNotFound)

	if cl.Registered() {
		s.mu.Lock()
		if s.Closed() {
			s.mu.Unlock()
			cl.Close()
			return nil, gone
		}
		s.setState(StateRegistered)
		s.mu.Unlock()
		if !c.attach(s, cl, nil) {
			return nil, gone
		}
		log.Info().Msg("credentials already registered, reattaching")
		return &CreateResult{SessionID: id, Status: StatusAlreadyRegistered}, nil
	}

	g := gate.New[CreateResult]()
	resolver := pairing.NewResolver(cl, digits, c.logPtr)
	s.mu.Lock()
	if s.Closed() {
		s.mu.Unlock()
		cl.Close()
		return nil, gone
	}
	s.pairSeq++
	seq := s.pairSeq
	s.pending = g
	s.resolver = resolver
	s.pairingTimer = c.clock.AfterFunc(c.pairTimeout, func() {
		s.post(loopEvent{kind: evPairingTimeout, seq: seq})
	})
	s.mu.Unlock()

	c.watchResolver(s, resolver, seq)
	if !c.attach(s, cl, resolver) {
		return nil, gone
	}
	log.Info().Msg("pairing started")

	res, err := g.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", id, err)
	}
	return &res, nil
}

// attach installs cl as the session's live client, pumps its events into
// the session loop and connects it in the background. A started resolver
// begins its direct code request once the connection is up. On a session
// that was already torn down cl is closed instead and attach returns false.
func (c *Controller) attach(s *Session, cl transport.Client, resolver *pairing.Resolver) bool {
	s.mu.Lock()
	if s.Closed() {
		s.mu.Unlock()
		cl.Close()
		return false
	}
	old := s.client
	s.gen++
	gen := s.gen
	s.client = cl
	s.mu.Unlock()
	if old != nil && old != cl {
		old.Close()
	}

	go func() {
		for ev := range cl.Events() {
			s.post(loopEvent{kind: evTransport, gen: gen, ev: ev})
		}
	}()

	go func() {
		if err := cl.Connect(c.ctx); err != nil {
			s.post(loopEvent{kind: evTransport, gen: gen, ev: transport.Event{Kind: transport.EventClose, Err: err}})
			return
		}
		if resolver != nil {
			resolver.Start(c.ctx)
		}
	}()
	return true
}

// watchResolver posts an artifact event once resolver commits.
func (c *Controller) watchResolver(s *Session, resolver *pairing.Resolver, seq uint64) {
	go func() {
		select {
		case <-resolver.Done():
			s.post(loopEvent{kind: evArtifact, seq: seq, resolver: resolver})
		case <-s.quit:
		}
	}()
}

// Reconnect rebuilds the session's client from its stored credentials. It
// is a no-op while a connection attempt is already in progress.
func (c *Controller) Reconnect(id string) error {
	s, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("session: reconnect %s: %w", id, errs.ErrSessionNotFound)
	}
	s.mu.Lock()
	if s.connecting {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateAuthFailed {
		s.mu.Unlock()
		return fmt.Errorf("session: reconnect %s: re-pairing required: %w", id, errs.ErrAuthenticationFailed)
	}
	s.connecting = true
	s.autoReconnect = true
	s.attempts = 0
	if s.state != StateRegistered {
		s.setState(StateConnecting)
	}
	gen := s.gen
	s.mu.Unlock()

	s.post(loopEvent{kind: evReconnectDue, gen: gen})
	return nil
}

// ListGroups refreshes and returns the session's groups.
func (c *Controller) ListGroups(ctx context.Context, id string) ([]Group, error) {
	s, ok := c.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("session: list groups %s: %w", id, errs.ErrSessionNotFound)
	}
	s.mu.Lock()
	cl := s.client
	state := s.state
	s.mu.Unlock()
	if state != StateRegistered || cl == nil {
		return nil, fmt.Errorf("session: list groups %s: state %s: %w", id, state, errs.ErrSessionNotReady)
	}

	infos, err := cl.Groups(ctx)
	if err != nil {
		if transport.IsDisconnect(err) {
			return nil, fmt.Errorf("session: list groups %s: %v: %w", id, err, errs.ErrSessionNotReady)
		}
		return nil, fmt.Errorf("session: list groups %s: %w", id, err)
	}
	groups := make([]Group, 0, len(infos))
	for _, gi := range infos {
		name := gi.Subject
		if name == "" {
			name = "Unnamed group"
		}
		groups = append(groups, Group{ID: gi.ID, Name: name, Members: gi.Members})
	}

	s.mu.Lock()
	s.groups = groups
	s.mu.Unlock()
	return s.Groups(), nil
}

// Status returns summaries of the sessions owned by owner, or of every
// session when owner is empty.
func (c *Controller) Status(owner string) []Summary {
	sessions := c.reg.List(owner)
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

// Lookup returns the session with id.
func (c *Controller) Lookup(id string) (*Session, bool) {
	return c.reg.Get(id)
}

// Cleanup tears down the session with id, or every session when id is
// "all", and returns how many were removed. Unknown ids remove nothing.
func (c *Controller) Cleanup(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var targets []*Session
	if id == "all" {
		targets = c.reg.List("")
	} else if s, ok := c.reg.Get(id); ok {
		targets = []*Session{s}
	}
	for _, s := range targets {
		c.teardown(s)
		c.reg.Delete(s.id)
	}
	if len(targets) > 0 {
		c.log.Info().Str("target", id).Int("removed", len(targets)).Msg("sessions cleaned up")
	}
	return len(targets)
}

// Close cleans up every session and stops background work.
func (c *Controller) Close() {
	c.Cleanup("all")
	c.cancel()
}

func (c *Controller) remove(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.reg.Get(s.id); ok && cur == s {
		c.teardown(s)
		c.reg.Delete(s.id)
	}
}

// teardown disables reconnection, fails any pending create and closes the
// client.
func (c *Controller) teardown(s *Session) {
	s.mu.Lock()
	s.autoReconnect = false
	s.connecting = false
	stopTimer(&s.pairingTimer)
	stopTimer(&s.reconnectTimer)
	pending, resolver := s.pending, s.resolver
	s.pending, s.resolver = nil, nil
	cl := s.client
	s.client = nil
	s.gen++
	// Closed under mu so attach never installs a client after this point.
	s.stop()
	s.mu.Unlock()

	cause := fmt.Errorf("session: %s cleaned up: %w", s.id, errs.ErrSessionNotFound)
	if pending != nil {
		pending.Reject(cause)
	}
	if resolver != nil {
		resolver.Abort(cause)
	}
	if cl != nil {
		cl.Close()
	}
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) notify(kind notify.Kind, s *Session, text string) {
	if err := c.notifier.Notify(c.ctx, notify.Event{Kind: kind, SessionID: s.id, OwnerID: s.owner, Text: text}); err != nil {
		c.log.Warn().Err(err).Str("session", s.id).Msg("notify failed")
	}
}
