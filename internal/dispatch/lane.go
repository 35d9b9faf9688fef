package dispatch

import "sync"

// lanes runs tasks against the same session one at a time, in the order
// they were admitted.
type lanes struct {
	mu sync.Mutex
	m  map[string]*lane
}

type lane struct {
	active  *Task
	waiting []laneWaiter
}

type laneWaiter struct {
	task *Task
	turn chan struct{}
}

func newLanes() *lanes {
	return &lanes{m: make(map[string]*lane)}
}

// acquire queues t on its session's lane. The returned channel is closed
// when t may run.
func (l *lanes) acquire(sessionID string, t *Task) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	turn := make(chan struct{})
	q, ok := l.m[sessionID]
	if !ok {
		q = &lane{}
		l.m[sessionID] = q
	}
	if q.active == nil {
		q.active = t
		close(turn)
		return turn
	}
	q.waiting = append(q.waiting, laneWaiter{task: t, turn: turn})
	return turn
}

// release hands the lane to the next waiter if t holds it, or drops t from
// the queue otherwise.
func (l *lanes) release(sessionID string, t *Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.m[sessionID]
	if !ok {
		return
	}
	if q.active != t {
		for i, w := range q.waiting {
			if w.task == t {
				q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
				break
			}
		}
		return
	}
	q.active = nil
	if len(q.waiting) == 0 {
		delete(l.m, sessionID)
		return
	}
	next := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active = next.task
	close(next.turn)
}

// depth returns how many tasks hold or wait for the session's lane.
func (l *lanes) depth(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.m[sessionID]
	if !ok {
		return 0
	}
	n := len(q.waiting)
	if q.active != nil {
		n++
	}
	return n
}
