package session

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/errs"
	"github.com/zulandar/courier/internal/gate"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/pairing"
	"github.com/zulandar/courier/internal/transport"
)

type loopKind int

const (
	evTransport loopKind = iota
	evArtifact
	evPairingTimeout
	evReconnectDue
)

// loopEvent is everything a session's event loop reacts to. gen ties
// transport events and reconnect timers to the client that was live when
// they were raised; seq ties pairing events to one create request.
type loopEvent struct {
	kind     loopKind
	gen      uint64
	seq      uint64
	ev       transport.Event
	resolver *pairing.Resolver
}

// loop processes one event at a time until the session is cleaned up.
func (c *Controller) loop(s *Session) {
	for {
		select {
		case e := <-s.inbox:
			c.handle(s, e)
		case <-s.quit:
			return
		}
	}
}

func (c *Controller) handle(s *Session, e loopEvent) {
	switch e.kind {
	case evTransport:
		switch e.ev.Kind {
		case transport.EventOpen:
			c.onOpen(s, e.gen)
		case transport.EventClose:
			c.onClose(s, e.gen, e.ev)
		case transport.EventQR:
			c.onQR(s, e.gen, e.ev.QR)
		}
	case evArtifact:
		c.onArtifact(s, e.seq, e.resolver)
	case evPairingTimeout:
		c.onPairingTimeout(s, e.seq)
	case evReconnectDue:
		c.onReconnectDue(s, e.gen)
	}
}

func (c *Controller) onOpen(s *Session, gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.setState(StateRegistered)
	s.attempts = 0
	s.connecting = false
	s.lastErr = nil
	stopTimer(&s.pairingTimer)
	stopTimer(&s.reconnectTimer)
	pending, resolver := s.pending, s.resolver
	s.pending, s.resolver = nil, nil
	var art *pairing.Artifact
	if s.artifact != nil {
		a := *s.artifact
		art = &a
	}
	s.mu.Unlock()

	if resolver != nil {
		resolver.Abort(fmt.Errorf("session: %s connected", s.id))
	}
	if pending != nil {
		pending.Resolve(CreateResult{SessionID: s.id, Status: StatusConnected, Artifact: art})
	}
	c.log.Info().Str("session", s.id).Msg("connection open")

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		defer cancel()
		if _, err := c.ListGroups(ctx, s.id); err != nil {
			c.log.Debug().Err(err).Str("session", s.id).Msg("group refresh failed")
		}
	}()
	c.notify(notify.SessionRegistered, s, "")
}

func (c *Controller) onClose(s *Session, gen uint64, ev transport.Event) {
	log := c.log.With().Str("session", s.id).Int("status", ev.StatusCode).Logger()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	cl := s.client
	s.client = nil
	s.gen++

	if ev.FatalAuth() {
		s.setState(StateAuthFailed)
		s.autoReconnect = false
		s.connecting = false
		s.lastErr = fmt.Errorf("session: %s closed with status %d: %w", s.id, ev.StatusCode, errs.ErrAuthenticationFailed)
		cause := s.lastErr
		stopTimer(&s.pairingTimer)
		stopTimer(&s.reconnectTimer)
		pending, resolver := s.pending, s.resolver
		s.pending, s.resolver = nil, nil
		s.mu.Unlock()

		c.fail(pending, resolver, cl, cause)
		log.Warn().Msg("authentication rejected, reconnect disabled")
		c.notify(notify.SessionAuthFailed, s, cause.Error())
		return
	}

	if s.autoReconnect && s.attempts < c.maxAttempts {
		s.attempts++
		attempt := s.attempts
		s.connecting = true
		s.setState(StateConnecting)
		if ev.Err != nil {
			s.lastErr = ev.Err
		}
		next := s.gen
		stopTimer(&s.reconnectTimer)
		s.reconnectTimer = c.clock.AfterFunc(c.backoff, func() {
			s.post(loopEvent{kind: evReconnectDue, gen: next})
		})
		s.mu.Unlock()

		if cl != nil {
			cl.Close()
		}
		log.Info().Err(ev.Err).Int("attempt", attempt).Int("max", c.maxAttempts).
			Dur("backoff", c.backoff).Msg("connection closed, reconnect scheduled")
		return
	}

	s.setState(StateDisconnected)
	s.connecting = false
	s.lastErr = fmt.Errorf("session: %s gave up after %d reconnect attempts: %w", s.id, s.attempts, errs.ErrMaxReconnectAttemptsExceeded)
	cause := s.lastErr
	stopTimer(&s.pairingTimer)
	stopTimer(&s.reconnectTimer)
	pending, resolver := s.pending, s.resolver
	s.pending, s.resolver = nil, nil
	s.mu.Unlock()

	c.fail(pending, resolver, cl, cause)
	log.Warn().Err(ev.Err).Msg("connection closed, reconnect attempts exhausted")
	c.notify(notify.SessionDisconnected, s, cause.Error())
}

func (c *Controller) onQR(s *Session, gen uint64, payload string) {
	s.mu.Lock()
	r := s.resolver
	stale := gen != s.gen
	s.mu.Unlock()
	if stale || r == nil {
		return
	}
	go r.OfferQR(c.ctx, payload)
}

func (c *Controller) onArtifact(s *Session, seq uint64, r *pairing.Resolver) {
	a, err, ok := r.Result()
	if !ok || err != nil {
		return
	}

	s.mu.Lock()
	if seq != s.pairSeq || r != s.resolver || s.pending == nil || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	art := a
	s.artifact = &art
	s.setState(StateAwaitingPairing)
	pending := s.pending
	s.mu.Unlock()

	status := StatusCodeReceived
	if a.Kind == pairing.KindQR {
		status = StatusQRReceived
	}
	out := a
	pending.Resolve(CreateResult{SessionID: s.id, Status: status, Artifact: &out})
	c.log.Info().Str("session", s.id).Str("kind", string(a.Kind)).Str("source", string(a.Source)).Msg("pairing artifact ready")
}

func (c *Controller) onPairingTimeout(s *Session, seq uint64) {
	s.mu.Lock()
	if seq != s.pairSeq || s.pending == nil {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateConnecting, StateAwaitingPairing:
	default:
		s.mu.Unlock()
		return
	}
	s.pairingTimer = nil
	stopTimer(&s.reconnectTimer)
	pending, resolver := s.pending, s.resolver
	s.pending, s.resolver = nil, nil
	cl := s.client
	s.client = nil
	s.gen++
	s.connecting = false
	s.artifact = nil
	s.setState(StateCreated)
	s.lastErr = fmt.Errorf("session: %s not paired within %s: %w", s.id, c.pairTimeout, errs.ErrConnectionTimeout)
	cause := s.lastErr
	s.mu.Unlock()

	c.fail(pending, resolver, cl, cause)
	c.log.Warn().Str("session", s.id).Dur("timeout", c.pairTimeout).Msg("pairing timed out")
}

func (c *Controller) onReconnectDue(s *Session, gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.autoReconnect || s.state == StateAuthFailed {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.mu.Unlock()

	cl, err := c.factory.New(c.ctx, transport.Options{
		SessionID:          s.id,
		CredentialLocation: s.credLoc,
		Phone:              s.phone,
	})
	if err != nil {
		c.onClose(s, gen, transport.Event{Kind: transport.EventClose, Err: fmt.Errorf("session: rebuild client: %w", err)})
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		cl.Close()
		return
	}
	// A pairing that has not produced its artifact yet continues on the new
	// client with a fresh resolver.
	var resolver, old *pairing.Resolver
	seq := s.pairSeq
	if s.pending != nil && s.resolver != nil && !cl.Registered() {
		if _, _, done := s.resolver.Result(); !done {
			old = s.resolver
			resolver = pairing.NewResolver(cl, s.phone, c.logPtr)
			s.resolver = resolver
		}
	}
	s.mu.Unlock()

	if old != nil {
		old.Abort(fmt.Errorf("session: %s client replaced", s.id))
		c.watchResolver(s, resolver, seq)
	}
	c.log.Info().Str("session", s.id).Msg("reconnecting")
	c.attach(s, cl, resolver)
}

// fail rejects a pending create, aborts its resolver and closes the client.
func (c *Controller) fail(pending *gate.Gate[CreateResult], resolver *pairing.Resolver, cl transport.Client, cause error) {
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
