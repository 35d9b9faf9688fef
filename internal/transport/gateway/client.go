// Package gateway implements transport.Client over a websocket connection to
// a linked-device bridge. Each session gets its own socket; requests are
// correlated with responses by id and connection updates arrive as events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/credstore"
	"github.com/zulandar/courier/internal/logging"
	"github.com/zulandar/courier/internal/transport"
)

// FactoryOpts holds parameters for creating a Factory.
type FactoryOpts struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	Store          credstore.Store
	Dialer         *websocket.Dialer // nil uses websocket.DefaultDialer
	Logger         *zerolog.Logger
}

// Factory builds gateway clients, loading credentials from a credstore.
type Factory struct {
	opts FactoryOpts
	log  zerolog.Logger
}

// NewFactory validates opts and returns a Factory.
func NewFactory(opts FactoryOpts) (*Factory, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("gateway: url is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Factory{opts: opts, log: logging.Component(opts.Logger, "gateway")}, nil
}

// New builds a Client for one session. Stored credentials are loaded up
// front so Registered can answer before the socket is open.
func (f *Factory) New(ctx context.Context, opts transport.Options) (transport.Client, error) {
	if opts.CredentialLocation == "" {
		return nil, fmt.Errorf("gateway: credential location is required")
	}
	if opts.ResetCredentials {
		if err := f.opts.Store.Delete(ctx, opts.CredentialLocation); err != nil {
			return nil, fmt.Errorf("gateway: reset credentials: %w", err)
		}
	}
	creds, err := f.opts.Store.Load(ctx, opts.CredentialLocation)
	if err != nil {
		return nil, fmt.Errorf("gateway: load credentials: %w", err)
	}
	return &Client{
		factory:    f,
		opts:       opts,
		log:        f.log.With().Str("session", opts.SessionID).Logger(),
		creds:      creds,
		registered: creds.Registered,
		pending:    make(map[string]chan wireMessage),
		events:     make(chan transport.Event, 64),
		done:       make(chan struct{}),
		quit:       make(chan struct{}),
	}, nil
}

// Client is one websocket connection to the bridge for one session.
type Client struct {
	factory *Factory
	opts    transport.Options
	log     zerolog.Logger
	nextID  atomic.Int64

	mu         sync.Mutex
	conn       *websocket.Conn
	creds      credstore.Credentials
	registered bool
	connected  bool
	started    bool
	closed     bool
	closeSent  bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wireMessage

	events    chan transport.Event
	done      chan struct{} // closed when the read loop exits
	quit      chan struct{} // closed by Close
	closeOnce sync.Once
}

// Connect dials the bridge and starts the session. Connection progress is
// reported on Events.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrConnectionClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("gateway: already connected")
	}
	c.started = true
	blob := c.creds.Blob
	c.mu.Unlock()

	header := http.Header{}
	if c.factory.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.factory.opts.Token)
	}
	conn, _, err := c.factory.opts.Dialer.DialContext(ctx, c.factory.opts.URL, header)
	if err != nil {
		c.finishWithoutLoop()
		return fmt.Errorf("gateway: dial %s: %w", c.factory.opts.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.finishWithoutLoop()
		return transport.ErrConnectionClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	params := sessionStartParams{SessionID: c.opts.SessionID, Phone: c.opts.Phone, Creds: blob}
	if _, err := c.call(ctx, methodSessionStart, params); err != nil {
		c.suppressClose()
		conn.Close()
		return fmt.Errorf("gateway: start session: %w", err)
	}
	c.log.Debug().Msg("session started")
	return nil
}

// finishWithoutLoop closes the event channel when no read loop was started.
func (c *Client) finishWithoutLoop() {
	c.closeOnce.Do(func() {
		close(c.done)
		close(c.events)
	})
}

func (c *Client) suppressClose() {
	c.mu.Lock()
	c.closeSent = true
	c.mu.Unlock()
}

// Events returns the connection event stream.
func (c *Client) Events() <-chan transport.Event { return c.events }

// Registered reports whether the credentials belong to a paired device.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// RequestPairingCode asks the bridge for a linking code.
func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	resp, err := c.call(ctx, methodPairingRequest, pairingRequestParams{Phone: phone})
	if err != nil {
		return "", fmt.Errorf("gateway: pairing request: %w", err)
	}
	var res pairingRequestResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		return "", fmt.Errorf("gateway: pairing request: decode: %w", err)
	}
	return res.Code, nil
}

// SendText sends one message. A lost connection is reported as
// transport.ErrConnectionClosed or transport.ErrNotConnected.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	if _, err := c.call(ctx, methodMessageSend, messageSendParams{To: to, Text: text}); err != nil {
		return fmt.Errorf("gateway: send to %s: %w", to, err)
	}
	return nil
}

// Groups lists the groups the account participates in.
func (c *Client) Groups(ctx context.Context) ([]transport.GroupInfo, error) {
	resp, err := c.call(ctx, methodGroupsList, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("gateway: list groups: %w", err)
	}
	var res groupsListResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		return nil, fmt.Errorf("gateway: list groups: decode: %w", err)
	}
	out := make([]transport.GroupInfo, 0, len(res.Groups))
	for _, g := range res.Groups {
		out = append(out, transport.GroupInfo{ID: g.ID, Subject: g.Subject, Members: g.Size})
	}
	return out, nil
}

// Close tears down the socket. The event channel is closed once the read
// loop has drained.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.closeSent = true
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	close(c.quit)
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	} else if !started {
		c.finishWithoutLoop()
	}
	return nil
}

// call sends a request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params interface{}) (wireMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return wireMessage{}, transport.ErrNotConnected
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return wireMessage{}, fmt.Errorf("encode %s: %w", method, err)
	}
	id := fmt.Sprintf("cr-%d", c.nextID.Add(1))
	data, err := json.Marshal(wireMessage{Type: frameReq, ID: id, Method: method, Params: raw})
	if err != nil {
		return wireMessage{}, fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan wireMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return wireMessage{}, fmt.Errorf("%s: %w", method, transport.ErrConnectionClosed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.factory.opts.RequestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, remoteError(resp.Error)
		}
		if !resp.OK {
			return resp, fmt.Errorf("%s rejected", method)
		}
		return resp, nil
	case <-ctx.Done():
		return wireMessage{}, fmt.Errorf("timeout waiting for %s response: %w", method, ctx.Err())
	case <-c.done:
		return wireMessage{}, transport.ErrConnectionClosed
	}
}

func remoteError(e *wireError) error {
	switch e.Code {
	case codeNotConnected:
		return fmt.Errorf("%s: %w", e.Message, transport.ErrNotConnected)
	case codeConnectionClosed:
		return fmt.Errorf("%s: %w", e.Message, transport.ErrConnectionClosed)
	default:
		return fmt.Errorf("bridge error %s: %s", e.Code, e.Message)
	}
}

// readLoop is the only sender on c.events and closes it on exit.
func (c *Client) readLoop(conn *websocket.Conn) {
	var cause error
	defer func() {
		c.mu.Lock()
		c.connected = false
		emit := !c.closeSent
		c.closeSent = true
		c.mu.Unlock()
		if emit {
			c.emit(transport.Event{Kind: transport.EventClose, Err: cause})
		}
		c.closeOnce.Do(func() {
			close(c.done)
			close(c.events)
		})
	}()

	c.emit(transport.Event{Kind: transport.EventConnecting})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cause = fmt.Errorf("gateway: read: %v: %w", err, transport.ErrConnectionClosed)
			c.log.Debug().Err(err).Msg("read loop ended")
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch msg.Type {
		case frameRes:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
		case frameEvent:
			c.handleEvent(msg)
		}
	}
}

func (c *Client) handleEvent(msg wireMessage) {
	switch msg.Event {
	case eventConnectionUpdate:
		var u connectionUpdate
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			c.log.Warn().Err(err).Msg("bad connection.update")
			return
		}
		if u.QR != "" {
			c.emit(transport.Event{Kind: transport.EventQR, QR: u.QR})
		}
		switch u.Connection {
		case "connecting":
			c.emit(transport.Event{Kind: transport.EventConnecting})
		case "open":
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			c.emit(transport.Event{Kind: transport.EventOpen})
		case "close":
			c.mu.Lock()
			c.connected = false
			already := c.closeSent
			c.closeSent = true
			c.mu.Unlock()
			if already {
				return
			}
			var cause error
			if u.Error != "" {
				cause = errors.New(u.Error)
			}
			c.emit(transport.Event{Kind: transport.EventClose, StatusCode: u.StatusCode, Err: cause})
		}

	case eventCredsUpdate:
		var u credsUpdate
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			c.log.Warn().Err(err).Msg("bad creds.update")
			return
		}
		creds := credstore.Credentials{Blob: u.Creds, Registered: u.Registered}
		c.mu.Lock()
		c.creds = creds
		c.registered = u.Registered
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.factory.opts.Store.Save(ctx, c.opts.CredentialLocation, creds); err != nil {
			c.log.Error().Err(err).Msg("persist credentials")
		}
	}
}

// emit delivers ev unless the client has been closed.
func (c *Client) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}
