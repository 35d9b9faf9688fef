package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/errs"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/transport"
)

// errStopped ends a wait because the task was asked to stop.
var errStopped = errors.New("dispatch: stop requested")

// run is the task's send loop. turn is non-nil when the task must wait for
// its session lane.
func (e *Engine) run(t *Task, turn <-chan struct{}) {
	defer e.wg.Done()
	log := e.log.With().Str("task", t.id).Logger()

	if turn != nil {
		defer e.lanes.release(t.sessionID, t)
		select {
		case <-turn:
			t.setQueued(false)
		case <-t.stop:
			e.end(t, StatusStopped, EndedByUser, "")
			return
		case <-e.ctx.Done():
			e.end(t, StatusStopped, EndedBySystem, "engine shut down")
			return
		}
	}

	total := len(t.messages)
	// deadline bounds the whole outage for the current index. It is only
	// cleared once a send reaches the transport.
	var deadline time.Time
	for i := 0; i < total; {
		if t.stopRequested() {
			e.end(t, StatusStopped, EndedByUser, "")
			return
		}

		err := e.send(t, i)
		switch {
		case err == nil:
			deadline = time.Time{}
			t.markSent()
			log.Debug().Int("index", i).Int("total", total).Msg("message sent")
		case transport.IsDisconnect(err):
			if deadline.IsZero() {
				deadline = e.clock.Now().Add(e.maxWait)
			}
			log.Warn().Err(err).Int("index", i).Msg("session disconnected, suspending")
			werr := e.awaitSession(t, deadline)
			if errors.Is(werr, errStopped) {
				e.end(t, StatusStopped, EndedByUser, "")
				return
			}
			if werr != nil {
				log.Warn().Err(werr).Int("index", i).Msg("giving up on disconnected session")
				e.end(t, StatusStopped, EndedBySystem, werr.Error())
				return
			}
			log.Info().Int("index", i).Msg("session back, retrying message")
			continue
		default:
			deadline = time.Time{}
			t.setLastError(fmt.Errorf("message %d: %v: %w", i+1, err, errs.ErrTransportSend).Error())
			log.Warn().Err(err).Int("index", i).Msg("send failed, continuing")
		}

		i++
		if i < total && !e.pace(t) {
			break
		}
	}

	if t.stopRequested() {
		e.end(t, StatusStopped, EndedByUser, "")
		return
	}
	if e.ctx.Err() != nil {
		e.end(t, StatusStopped, EndedBySystem, "engine shut down")
		return
	}
	e.end(t, StatusCompleted, "", "")
}

// send delivers message i through the session's current client. A missing
// session counts as a disconnect.
func (e *Engine) send(t *Task, i int) error {
	s, ok := e.sessions.Lookup(t.sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", t.sessionID, transport.ErrNotConnected)
	}
	return s.Send(e.ctx, t.address, t.text(i))
}

// pace waits out the task's delay in one-second ticks. It returns false when
// the wait was interrupted by a stop or shutdown.
func (e *Engine) pace(t *Task) bool {
	for remaining := t.delay; remaining > 0; remaining -= time.Second {
		step := min(remaining, time.Second)
		select {
		case <-e.clock.After(step):
		case <-t.stop:
			return false
		case <-e.ctx.Done():
			return false
		}
	}
	return true
}

// awaitSession polls until the session is registered again. It fails with
// ErrDisconnectionDuringDispatch once deadline passes or the session can no
// longer come back on its own. A session that reports registered while its
// sends still fail does not extend deadline.
func (e *Engine) awaitSession(t *Task, deadline time.Time) error {
	t.setSuspended(true)
	defer t.setSuspended(false)

	for {
		select {
		case <-e.clock.After(e.poll):
		case <-t.stop:
			return errStopped
		case <-e.ctx.Done():
			return fmt.Errorf("engine shut down: %w", errs.ErrDisconnectionDuringDispatch)
		}

		s, ok := e.sessions.Lookup(t.sessionID)
		switch {
		case !ok:
			return fmt.Errorf("session %s removed: %w", t.sessionID, errs.ErrDisconnectionDuringDispatch)
		case s.Terminal():
			return fmt.Errorf("session %s will not reconnect: %w", t.sessionID, errs.ErrDisconnectionDuringDispatch)
		}
		if !e.clock.Now().Before(deadline) {
			return fmt.Errorf("session %s not back within %s: %w", t.sessionID, e.maxWait, errs.ErrDisconnectionDuringDispatch)
		}
		if s.Registered() {
			return nil
		}
	}
}

// end records the final state and raises a notification.
func (e *Engine) end(t *Task, status Status, by EndedBy, errMsg string) {
	t.finish(status, by, errMsg, e.clock.Now())
	info := t.Info()
	e.log.Info().Str("task", t.id).Str("status", string(status)).
		Int("sent", info.Sent).Int("total", info.Total).Msg("task finished")

	kind := notify.TaskCompleted
	if status == StatusStopped {
		kind = notify.TaskStopped
	}
	e.notify(kind, t, fmt.Sprintf("sent %d/%d", info.Sent, info.Total))
}
