package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/notify"
)

// heartbeatInterval is how often an idle event stream is kept alive.
const heartbeatInterval = 15 * time.Second

// Broadcaster fans notifications out to connected event streams. It
// implements notify.Notifier; slow subscribers miss events rather than block
// the sender.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan notify.Event]struct{}
}

// NewBroadcaster creates a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan notify.Event]struct{})}
}

// Notify delivers ev to every subscriber with room in its buffer.
func (b *Broadcaster) Notify(_ context.Context, ev notify.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *Broadcaster) subscribe() (<-chan notify.Event, func()) {
	ch := make(chan notify.Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

// Subscribers returns the number of connected streams.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// eventPayload is the JSON shape of one streamed notification.
type eventPayload struct {
	Kind      notify.Kind `json:"kind"`
	SessionID string      `json:"sessionId,omitempty"`
	TaskID    string      `json:"taskId,omitempty"`
	OwnerID   string      `json:"ownerId,omitempty"`
	Text      string      `json:"text"`
}

// handleEvents streams notifications as server-sent events, optionally
// filtered by ownerId.
func handleEvents(b *Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		owner := c.Query("ownerId")
		events, unsubscribe := b.subscribe()
		defer unsubscribe()

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case ev := <-events:
				if owner != "" && ev.OwnerID != owner {
					continue
				}
				writeSSE(c.Writer, string(ev.Kind), eventPayload{
					Kind:      ev.Kind,
					SessionID: ev.SessionID,
					TaskID:    ev.TaskID,
					OwnerID:   ev.OwnerID,
					Text:      notify.Format(ev),
				})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
