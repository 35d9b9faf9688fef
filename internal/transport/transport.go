// Package transport defines the boundary to the messaging network. A Client
// owns one live connection for one session; it emits connection and QR
// events, requests pairing codes, sends single messages and enumerates
// groups. The wire protocol and credential format belong to implementations.
package transport

import (
	"context"
	"errors"
	"strings"
)

// Client is the interface that network implementations must satisfy.
type Client interface {
	// Connect starts the connection. Progress is reported through Events;
	// an error means the attempt could not even be started.
	Connect(ctx context.Context) error

	// Events returns the connection event stream. It is closed by Close.
	Events() <-chan Event

	// Registered reports whether the loaded credentials already belong to a
	// paired device, i.e. no pairing artifact is needed.
	Registered() bool

	// RequestPairingCode asks the network for a linking code for phone.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// SendText delivers one text message to a canonical address.
	SendText(ctx context.Context, to, text string) error

	// Groups returns the groups the account participates in.
	Groups(ctx context.Context) ([]GroupInfo, error)

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Options carries the per-session parameters used to build a Client.
type Options struct {
	SessionID          string
	CredentialLocation string
	Phone              string
	// ResetCredentials discards stored credentials before connecting, used
	// when a session re-pairs after an authentication rejection.
	ResetCredentials bool
}

// Factory builds a fresh Client, loading credentials from
// Options.CredentialLocation.
type Factory interface {
	New(ctx context.Context, opts Options) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, opts Options) (Client, error)

// New calls fn.
func (fn FactoryFunc) New(ctx context.Context, opts Options) (Client, error) {
	return fn(ctx, opts)
}

// GroupInfo is a group as reported by the network.
type GroupInfo struct {
	ID      string
	Subject string
	Members int
}

// EventKind enumerates connection event types.
type EventKind string

const (
	EventConnecting EventKind = "connecting"
	EventOpen       EventKind = "open"
	EventClose      EventKind = "close"
	EventQR         EventKind = "qr"
)

// Close status codes with special meaning.
const (
	StatusLoggedOut       = 401
	StatusForbidden       = 403
	StatusTimedOut        = 408
	StatusRestartRequired = 515
)

// Event is a single connection update.
type Event struct {
	Kind       EventKind
	QR         string // set for EventQR
	StatusCode int    // set for EventClose when the network reported one
	Err        error  // underlying close cause, if any
}

// FatalAuth reports whether a close event is an authentication rejection
// that must not be retried.
func (e Event) FatalAuth() bool {
	if e.Kind != EventClose {
		return false
	}
	return e.StatusCode == StatusLoggedOut || e.StatusCode == StatusForbidden
}

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionClosed is returned when the connection dropped mid-call.
	ErrConnectionClosed = errors.New("transport: connection closed")
)

// IsDisconnect reports whether err means the connection is closed or not
// connected, as opposed to a per-message failure. Remote bridges often only
// report this textually, so the message is inspected too.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "not connected") ||
		strings.Contains(msg, "disconnected")
}
