// Package dispatch runs bulk-send tasks over registered sessions: paced,
// one message at a time, suspending across disconnects and honouring
// cooperative stop requests.
package dispatch

import (
	"sync"
	"time"

	"github.com/zulandar/courier/internal/transport"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// EndedBy records who stopped a task. Natural completion leaves it empty.
type EndedBy string

const (
	EndedByUser   EndedBy = "user"
	EndedBySystem EndedBy = "system"
)

// Info is a point-in-time view of a task.
type Info struct {
	ID            string               `json:"taskId"`
	SessionID     string               `json:"sessionId"`
	OwnerID       string               `json:"ownerId"`
	Target        string               `json:"target"`
	TargetKind    transport.TargetKind `json:"targetType"`
	Prefix        string               `json:"prefix,omitempty"`
	DelaySeconds  float64              `json:"delaySec"`
	Status        Status               `json:"status"`
	Queued        bool                 `json:"queued"`
	Suspended     bool                 `json:"suspended"`
	Sending       bool                 `json:"isSending"`
	StopRequested bool                 `json:"stopRequested"`
	Sent          int                  `json:"sentMessages"`
	Total         int                  `json:"totalMessages"`
	Progress      float64              `json:"progress"`
	StartedAt     time.Time            `json:"startTime"`
	EndedAt       *time.Time           `json:"endTime,omitempty"`
	LastError     string               `json:"error,omitempty"`
	EndedBy       EndedBy              `json:"endedBy,omitempty"`
}

// Task is one registry entry. Identity fields never change after creation.
type Task struct {
	id        string
	sessionID string
	owner     string
	target    string
	kind      transport.TargetKind
	address   string
	messages  []string
	prefix    string
	delay     time.Duration
	started   time.Time

	mu        sync.Mutex
	status    Status
	queued    bool
	suspended bool
	sent      int
	stopReq   bool
	ended     time.Time
	lastErr   string
	endedBy   EndedBy

	stop     chan struct{}
	stopOnce sync.Once
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Owner returns the owner id.
func (t *Task) Owner() string { return t.owner }

// Info returns a snapshot of the task.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:            t.id,
		SessionID:     t.sessionID,
		OwnerID:       t.owner,
		Target:        t.target,
		TargetKind:    t.kind,
		Prefix:        t.prefix,
		DelaySeconds:  t.delay.Seconds(),
		Status:        t.status,
		Queued:        t.queued,
		Suspended:     t.suspended,
		Sending:       t.status == StatusRunning && !t.queued && !t.stopReq,
		StopRequested: t.stopReq,
		Sent:          t.sent,
		Total:         len(t.messages),
		StartedAt:     t.started,
		LastError:     t.lastErr,
		EndedBy:       t.endedBy,
	}
	if info.Total > 0 {
		info.Progress = float64(t.sent) * 100 / float64(info.Total)
	}
	if !t.ended.IsZero() {
		end := t.ended
		info.EndedAt = &end
	}
	return info
}

// text returns message i with the prefix applied.
func (t *Task) text(i int) string {
	if t.prefix == "" {
		return t.messages[i]
	}
	return t.prefix + " " + t.messages[i]
}

// requestStop marks the task for stopping. It reports false when the task
// had already finished.
func (t *Task) requestStop(by EndedBy) bool {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	if !t.stopReq {
		t.stopReq = true
		t.endedBy = by
	}
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stop) })
	return true
}

func (t *Task) stopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopReq
}

func (t *Task) setQueued(v bool) {
	t.mu.Lock()
	t.queued = v
	t.mu.Unlock()
}

func (t *Task) setSuspended(v bool) {
	t.mu.Lock()
	t.suspended = v
	t.mu.Unlock()
}

func (t *Task) markSent() {
	t.mu.Lock()
	if t.sent < len(t.messages) {
		t.sent++
	}
	t.mu.Unlock()
}

func (t *Task) setLastError(msg string) {
	t.mu.Lock()
	t.lastErr = msg
	t.mu.Unlock()
}

// finish records the final status. The stop reason set by requestStop wins
// over by.
func (t *Task) finish(status Status, by EndedBy, errMsg string, now time.Time) {
	t.mu.Lock()
	t.status = status
	t.queued = false
	t.suspended = false
	t.ended = now
	if status == StatusStopped {
		t.stopReq = true
		if t.endedBy == "" {
			t.endedBy = by
		}
	}
	if errMsg != "" {
		t.lastErr = errMsg
	}
	t.mu.Unlock()
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Task) finishedBefore(before time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status != StatusRunning && !t.ended.IsZero() && t.ended.Before(before)
}

func (t *Task) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusRunning
}
