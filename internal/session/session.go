// Package session owns the lifecycle of linked-device sessions: pairing,
// connection-loss detection and bounded reconnection. Each session entry has
// exactly one live transport client at a time and handles its connection
// events sequentially on its own event loop.
package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/zulandar/courier/internal/clock"
	"github.com/zulandar/courier/internal/errs"
	"github.com/zulandar/courier/internal/gate"
	"github.com/zulandar/courier/internal/pairing"
	"github.com/zulandar/courier/internal/transport"
)

// DefaultOwner is used when a caller does not name an owner.
const DefaultOwner = "defaultUser"

// State is the lifecycle state of a session.
type State string

const (
	StateCreated         State = "created"
	StateConnecting      State = "connecting"
	StateAwaitingPairing State = "awaiting_pairing"
	StateRegistered      State = "registered"
	StateDisconnected    State = "disconnected"
	StateAuthFailed      State = "auth_failed"
)

// Terminal reports whether the state needs an explicit caller action
// (re-pairing or a manual reconnect) to leave.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateAuthFailed
}

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Normalize validates a phone number and owner, returning the digits-only
// number and the effective owner.
func Normalize(phone, owner string) (string, string, error) {
	digits := transport.DigitsOnly(phone)
	if len(digits) < 7 || len(digits) > 15 {
		return "", "", fmt.Errorf("session: phone number must have 7 to 15 digits: %w", errs.ErrValidation)
	}
	if owner == "" {
		owner = DefaultOwner
	}
	if !ownerPattern.MatchString(owner) {
		return "", "", fmt.Errorf("session: owner id %q may only contain letters, digits, '_', '.' and '-': %w", owner, errs.ErrValidation)
	}
	return digits, owner, nil
}

// ID derives the session id from a normalized number and owner.
func ID(digits, owner string) string {
	return "session_" + digits + "_" + owner
}

// Group is a normalized group summary.
type Group struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Members int    `json:"participants"`
}

// Summary is a point-in-time view of a session.
type Summary struct {
	ID                string            `json:"sessionId"`
	Owner             string            `json:"ownerId"`
	Number            string            `json:"number"`
	State             State             `json:"state"`
	Registered        bool              `json:"registered"`
	Connecting        bool              `json:"connecting"`
	Artifact          *pairing.Artifact `json:"pairingArtifact,omitempty"`
	ReconnectAttempts int               `json:"reconnectAttempts"`
	LastError         string            `json:"lastError,omitempty"`
	Groups            int               `json:"groups"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Session is one registry entry. Fields below mu are only changed by the
// session's event loop or by controller operations holding mu.
type Session struct {
	id      string
	owner   string
	phone   string
	credLoc string
	created time.Time
	clk     clock.Clock

	mu             sync.Mutex
	state          State
	client         transport.Client
	gen            uint64
	artifact       *pairing.Artifact
	attempts       int
	autoReconnect  bool
	connecting     bool
	groups         []Group
	lastErr        error
	updated        time.Time
	pairSeq        uint64
	pending        *gate.Gate[CreateResult]
	resolver       *pairing.Resolver
	pairingTimer   clock.Timer
	reconnectTimer clock.Timer

	inbox    chan loopEvent
	quit     chan struct{}
	quitOnce sync.Once
}

func newSession(id, owner, phone string, clk clock.Clock) *Session {
	now := clk.Now()
	return &Session{
		id:            id,
		owner:         owner,
		phone:         phone,
		credLoc:       id,
		created:       now,
		clk:           clk,
		state:         StateCreated,
		autoReconnect: true,
		updated:       now,
		inbox:         make(chan loopEvent, 64),
		quit:          make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Owner returns the owner id.
func (s *Session) Owner() string { return s.owner }

// CredentialLocation returns where the transport keeps this session's
// credentials.
func (s *Session) CredentialLocation() string { return s.credLoc }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registered reports whether the session is in the registered state.
func (s *Session) Registered() bool {
	return s.State() == StateRegistered
}

// Terminal reports whether the session is disconnected or auth-failed.
func (s *Session) Terminal() bool {
	return s.State().Terminal()
}

// Closed reports whether the session has been cleaned up.
func (s *Session) Closed() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// Send delivers one message through the session's current client.
func (s *Session) Send(ctx context.Context, to, text string) error {
	s.mu.Lock()
	cl := s.client
	s.mu.Unlock()
	if cl == nil {
		return transport.ErrNotConnected
	}
	return cl.SendText(ctx, to, text)
}

// Groups returns a copy of the cached groups.
func (s *Session) Groups() []Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Group, len(s.groups))
	copy(out, s.groups)
	return out
}

// Summary returns a snapshot of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		ID:                s.id,
		Owner:             s.owner,
		Number:            s.phone,
		State:             s.state,
		Registered:        s.state == StateRegistered,
		Connecting:        s.connecting,
		ReconnectAttempts: s.attempts,
		Groups:            len(s.groups),
		CreatedAt:         s.created,
		UpdatedAt:         s.updated,
	}
	if s.artifact != nil {
		a := *s.artifact
		sum.Artifact = &a
	}
	if s.lastErr != nil {
		sum.LastError = s.lastErr.Error()
	}
	return sum
}

// setState records a transition. Caller holds mu.
func (s *Session) setState(st State) {
	s.state = st
	s.updated = s.clk.Now()
}

// post hands ev to the session's event loop unless the session is closed.
func (s *Session) post(ev loopEvent) {
	select {
	case s.inbox <- ev:
	case <-s.quit:
	}
}

func (s *Session) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}
