package transport

import (
	"context"
	"fmt"
	"sync"
)

// MockClient implements Client for testing. Connection events are driven
// explicitly with EmitOpen, EmitClose and EmitQR; sent messages are recorded.
type MockClient struct {
	mu         sync.Mutex
	opts       Options
	registered bool
	connected  bool
	started    bool
	closed     bool
	events     chan Event
	sent       []SentMessage
	groups     []GroupInfo
	codeCalls  int
	onOpen     func()

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// PairingCode and PairingErr are returned by RequestPairingCode unless
	// PairingFunc is set.
	PairingCode string
	PairingErr  error
	PairingFunc func(ctx context.Context, phone string) (string, error)
	// SendFunc, when set, decides the outcome of each SendText call after
	// the connection check. Returning nil records the message as sent.
	SendFunc func(to, text string) error
	// GroupsErr, when set, is returned by Groups.
	GroupsErr error
}

// SentMessage is a message recorded by MockClient.
type SentMessage struct {
	To   string
	Text string
}

// NewMockClient creates a MockClient with a buffered event channel.
func NewMockClient(opts Options) *MockClient {
	return &MockClient{
		opts:   opts,
		events: make(chan Event, 100),
	}
}

// Options returns the options the client was built with.
func (m *MockClient) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Connect marks the client as started. It does not emit events by itself.
func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock client: already closed")
	}
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.started = true
	return nil
}

// Events returns the event channel.
func (m *MockClient) Events() <-chan Event { return m.events }

// Registered reports the preset registration flag.
func (m *MockClient) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registered
}

// SetRegistered presets the registration flag.
func (m *MockClient) SetRegistered(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = v
}

// RequestPairingCode returns the configured code or error.
func (m *MockClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	m.mu.Lock()
	m.codeCalls++
	fn := m.PairingFunc
	code, err := m.PairingCode, m.PairingErr
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, phone)
	}
	return code, err
}

// SendText records the message when connected.
func (m *MockClient) SendText(ctx context.Context, to, text string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	fn := m.SendFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(to, text); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Text: text})
	return nil
}

// Groups returns the preset groups.
func (m *MockClient) Groups(ctx context.Context) ([]GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GroupsErr != nil {
		return nil, m.GroupsErr
	}
	if !m.connected {
		return nil, ErrNotConnected
	}
	out := make([]GroupInfo, len(m.groups))
	copy(out, m.groups)
	return out, nil
}

// SetGroups presets the groups returned by Groups.
func (m *MockClient) SetGroups(groups []GroupInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = groups
}

// Close closes the event channel.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.events)
	return nil
}

// --- Test helpers ---

// EmitOpen marks the client connected and emits an open event.
func (m *MockClient) EmitOpen() {
	m.mu.Lock()
	m.connected = true
	m.registered = true
	onOpen := m.onOpen
	m.mu.Unlock()
	if onOpen != nil {
		onOpen()
	}
	m.emit(Event{Kind: EventOpen})
}

// EmitClose marks the client disconnected and emits a close event.
func (m *MockClient) EmitClose(statusCode int) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.emit(Event{Kind: EventClose, StatusCode: statusCode, Err: fmt.Errorf("mock: closed with status %d", statusCode)})
}

// EmitQR emits a QR event with payload.
func (m *MockClient) EmitQR(payload string) {
	m.emit(Event{Kind: EventQR, QR: payload})
}

// Drop marks the client disconnected without emitting an event, simulating
// a send that races the close notification.
func (m *MockClient) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *MockClient) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.events <- ev
}

// Closed reports whether Close was called.
func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Started reports whether Connect succeeded.
func (m *MockClient) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// CodeCalls returns how many times RequestPairingCode was called.
func (m *MockClient) CodeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeCalls
}

// Sent returns a copy of all recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// MockFactory implements Factory for testing. It remembers which credential
// locations have completed pairing so rebuilt clients come back registered,
// mirroring a credential store.
type MockFactory struct {
	mu         sync.Mutex
	clients    []*MockClient
	registered map[string]bool

	// Err, when set, is returned by New.
	Err error
	// Setup, when set, configures every client before it is returned.
	Setup func(c *MockClient)
}

// NewMockFactory creates an empty MockFactory.
func NewMockFactory() *MockFactory {
	return &MockFactory{registered: make(map[string]bool)}
}

// New builds a MockClient for opts.
func (f *MockFactory) New(ctx context.Context, opts Options) (Client, error) {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return nil, f.Err
	}
	if opts.ResetCredentials {
		delete(f.registered, opts.CredentialLocation)
	}
	c := NewMockClient(opts)
	c.registered = f.registered[opts.CredentialLocation]
	loc := opts.CredentialLocation
	c.onOpen = func() { f.MarkRegistered(loc) }
	f.clients = append(f.clients, c)
	setup := f.Setup
	f.mu.Unlock()

	if setup != nil {
		setup(c)
	}
	return c, nil
}

// MarkRegistered records loc as holding paired credentials.
func (f *MockFactory) MarkRegistered(loc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[loc] = true
}

// Clients returns every client built so far, oldest first.
func (f *MockFactory) Clients() []*MockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*MockClient, len(f.clients))
	copy(out, f.clients)
	return out
}

// Last returns the most recently built client, or nil.
func (f *MockFactory) Last() *MockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}
