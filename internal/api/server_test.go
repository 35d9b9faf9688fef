package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/dispatch"
	"github.com/zulandar/courier/internal/errs"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/pairing"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSessions struct {
	mu        sync.Mutex
	createRes *session.CreateResult
	createErr error
	gotPhone  string
	gotOwner  string
	statusFor string
	summaries []session.Summary
	groups    []session.Group
	groupsErr error
	cleaned   []string
}

func (s *stubSessions) Create(_ context.Context, phone, owner string) (*session.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotPhone, s.gotOwner = phone, owner
	return s.createRes, s.createErr
}

func (s *stubSessions) Status(owner string) []session.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFor = owner
	return s.summaries
}

func (s *stubSessions) ListGroups(_ context.Context, id string) ([]session.Group, error) {
	return s.groups, s.groupsErr
}

func (s *stubSessions) Cleanup(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = append(s.cleaned, id)
	if id == "all" {
		return 3
	}
	return 1
}

type stubTasks struct {
	mu       sync.Mutex
	lastReq  dispatch.Request
	startErr error
	tasks    map[string]dispatch.Info
	stopped  []string
	listFor  string
	active   int
}

func (s *stubTasks) Start(_ context.Context, req dispatch.Request) (dispatch.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	if s.startErr != nil {
		return dispatch.Info{}, s.startErr
	}
	return dispatch.Info{ID: "alice_task_1", Total: len(req.Messages), Status: dispatch.StatusRunning}, nil
}

func (s *stubTasks) Status(id string) (dispatch.Info, error) {
	info, ok := s.tasks[id]
	if !ok {
		return dispatch.Info{}, fmt.Errorf("dispatch: status %s: %w", id, errs.ErrTaskNotFound)
	}
	return info, nil
}

func (s *stubTasks) Stop(id string) (dispatch.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.tasks[id]
	if !ok {
		return dispatch.Info{}, fmt.Errorf("dispatch: stop %s: %w", id, errs.ErrTaskNotFound)
	}
	s.stopped = append(s.stopped, id)
	info.StopRequested = true
	return info, nil
}

func (s *stubTasks) List(owner string) []dispatch.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listFor = owner
	var out []dispatch.Info
	for _, info := range s.tasks {
		out = append(out, info)
	}
	return out
}

func (s *stubTasks) ActiveCount(string) int { return s.active }

func newTestRouter(t *testing.T) (*gin.Engine, *stubSessions, *stubTasks) {
	t.Helper()
	ss := &stubSessions{}
	ts := &stubTasks{tasks: map[string]dispatch.Info{}}
	router, err := NewRouter(StartOpts{Sessions: ss, Tasks: ts, Events: NewBroadcaster()})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return router, ss, ts
}

func do(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	return do(router, httptest.NewRequest(http.MethodGet, path, nil))
}

func postJSON(router http.Handler, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return do(router, req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	if got := decode(t, w)["code"]; got != code {
		t.Errorf("code = %v, want %s", got, code)
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewRouter_RequiresDependencies(t *testing.T) {
	if _, err := NewRouter(StartOpts{Tasks: &stubTasks{}}); err == nil || !strings.Contains(err.Error(), "sessions is required") {
		t.Errorf("err = %v, want sessions is required", err)
	}
	if _, err := NewRouter(StartOpts{Sessions: &stubSessions{}}); err == nil || !strings.Contains(err.Error(), "tasks is required") {
		t.Errorf("err = %v, want tasks is required", err)
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Start(ctx, StartOpts{Addr: "127.0.0.1:0", Sessions: &stubSessions{}, Tasks: &stubTasks{}})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := get(router, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestCode(t *testing.T) {
	router, ss, _ := newTestRouter(t)

	assertError(t, get(router, "/code"), http.StatusBadRequest, "validation_error")

	ss.createRes = &session.CreateResult{
		SessionID: "session_15550109999_alice",
		Status:    session.StatusCodeReceived,
		Artifact:  &pairing.Artifact{Kind: pairing.KindCode, Value: "ABCD-EFGH", Source: pairing.SourceDirect},
	}
	w := get(router, "/code?number=%2B15550109999&ownerId=alice")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["sessionId"] != "session_15550109999_alice" || body["status"] != "code_received" {
		t.Errorf("body = %v", body)
	}
	artifact, _ := body["pairingArtifact"].(map[string]any)
	if artifact["value"] != "ABCD-EFGH" {
		t.Errorf("pairingArtifact = %v", body["pairingArtifact"])
	}
	if ss.gotPhone != "+15550109999" || ss.gotOwner != "alice" {
		t.Errorf("Create got (%q, %q)", ss.gotPhone, ss.gotOwner)
	}
}

func TestCode_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("x: %w", errs.ErrValidation), http.StatusBadRequest, "validation_error"},
		{fmt.Errorf("x: %w", errs.ErrSessionAlreadyConnecting), http.StatusConflict, "session_already_connecting"},
		{fmt.Errorf("x: %w", errs.ErrConnectionTimeout), http.StatusGatewayTimeout, "connection_timeout"},
		{fmt.Errorf("x: %w", errs.ErrAuthenticationFailed), http.StatusUnauthorized, "authentication_failed"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			router, ss, _ := newTestRouter(t)
			ss.createErr = tt.err
			assertError(t, get(router, "/code?number=5550100"), tt.status, tt.code)
		})
	}
}

func TestStatus(t *testing.T) {
	router, ss, ts := newTestRouter(t)
	ss.summaries = []session.Summary{{ID: "session_1_alice", Owner: "alice", State: session.StateRegistered, Registered: true}}
	ts.active = 2

	w := get(router, "/status?ownerId=alice")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["activeTasks"] != float64(2) {
		t.Errorf("activeTasks = %v, want 2", body["activeTasks"])
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v", body["sessions"])
	}
	if first := sessions[0].(map[string]any); first["registered"] != true || first["state"] != "registered" {
		t.Errorf("session = %v", first)
	}
	if ss.statusFor != "alice" {
		t.Errorf("Status owner = %q, want alice", ss.statusFor)
	}
}

func TestGroups(t *testing.T) {
	router, ss, _ := newTestRouter(t)
	assertError(t, get(router, "/groups"), http.StatusBadRequest, "validation_error")

	ss.groupsErr = fmt.Errorf("x: %w", errs.ErrSessionNotReady)
	assertError(t, get(router, "/groups?sessionId=s1"), http.StatusConflict, "session_not_ready")

	ss.groupsErr = nil
	ss.groups = []session.Group{{ID: "1203@g.us", Name: "Team", Members: 4}}
	w := get(router, "/groups?sessionId=s1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	groups, _ := decode(t, w)["groups"].([]any)
	if len(groups) != 1 || groups[0].(map[string]any)["participants"] != float64(4) {
		t.Errorf("groups = %v", groups)
	}
}

func TestCleanupSession(t *testing.T) {
	router, ss, _ := newTestRouter(t)
	assertError(t, postJSON(router, "/cleanup-session", map[string]string{}), http.StatusBadRequest, "validation_error")

	w := postJSON(router, "/cleanup-session", map[string]string{"sessionId": "all"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["removed"] != float64(3) {
		t.Errorf("body = %s", w.Body.String())
	}
	if len(ss.cleaned) != 1 || ss.cleaned[0] != "all" {
		t.Errorf("cleaned = %v", ss.cleaned)
	}
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func TestSendMessage_JSON(t *testing.T) {
	router, _, ts := newTestRouter(t)
	w := postJSON(router, "/send-message", map[string]any{
		"sessionId":  "session_1_alice",
		"target":     "1203",
		"targetType": "group",
		"delaySec":   1.5,
		"prefix":     "[ops]",
		"messages":   []string{"a", "b"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["taskId"] != "alice_task_1" || body["status"] != "started" || body["totalMessages"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	req := ts.lastReq
	if req.TargetKind != transport.TargetGroup || req.Delay != 1500*time.Millisecond || req.Prefix != "[ops]" {
		t.Errorf("request = %+v", req)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	router, _, ts := newTestRouter(t)
	assertError(t, postJSON(router, "/send-message", map[string]any{"target": "1"}), http.StatusBadRequest, "validation_error")
	assertError(t, postJSON(router, "/send-message", map[string]any{"sessionId": "s", "targetType": "channel"}), http.StatusBadRequest, "validation_error")

	req := httptest.NewRequest(http.MethodPost, "/send-message", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	assertError(t, do(router, req), http.StatusBadRequest, "validation_error")

	ts.startErr = fmt.Errorf("x: %w", errs.ErrSessionNotReady)
	assertError(t, postJSON(router, "/send-message", map[string]any{"sessionId": "s", "target": "1", "messages": []string{"a"}}),
		http.StatusConflict, "session_not_ready")
}

func multipartSend(t *testing.T, fields map[string]string, file string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if file != "" || fields["withEmptyFile"] == "yes" {
		fw, err := mw.CreateFormFile("messageFile", "messages.txt")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write([]byte(file))
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/send-message", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSendMessage_MultipartFile(t *testing.T) {
	router, _, ts := newTestRouter(t)
	req := multipartSend(t, map[string]string{
		"sessionId":  "session_1_alice",
		"target":     "15550001111",
		"targetType": "individual",
		"delaySec":   "2",
	}, "first\n\n  second  \nthird\n")

	w := do(router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	got := ts.lastReq
	if strings.Join(got.Messages, "|") != "first|second|third" {
		t.Errorf("messages = %q", got.Messages)
	}
	if got.Delay != 2*time.Second || got.TargetKind != transport.TargetIndividual {
		t.Errorf("request = %+v", got)
	}
}

func TestSendMessage_BlankFile(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := multipartSend(t, map[string]string{"sessionId": "s", "target": "1", "withEmptyFile": "yes"}, "")
	assertError(t, do(router, req), http.StatusBadRequest, "message_source_invalid")
}

func TestTaskStatus(t *testing.T) {
	router, _, ts := newTestRouter(t)
	ts.tasks["t1"] = dispatch.Info{ID: "t1", Sent: 1, Total: 4, Progress: 25, Status: dispatch.StatusRunning}

	assertError(t, get(router, "/task-status"), http.StatusBadRequest, "validation_error")
	assertError(t, get(router, "/task-status?taskId=nope"), http.StatusNotFound, "task_not_found")

	w := get(router, "/task-status?taskId=t1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["progress"] != float64(25) || body["sentMessages"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestStopTask(t *testing.T) {
	router, _, ts := newTestRouter(t)
	ts.tasks["t1"] = dispatch.Info{ID: "t1", Status: dispatch.StatusRunning}

	assertError(t, postJSON(router, "/stop-task", map[string]string{}), http.StatusBadRequest, "validation_error")
	assertError(t, postJSON(router, "/stop-task", map[string]string{"taskId": "nope"}), http.StatusNotFound, "task_not_found")

	req := httptest.NewRequest(http.MethodPost, "/stop-task", strings.NewReader("taskId=t1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := do(router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if decode(t, w)["success"] != true {
		t.Errorf("body = %s", w.Body.String())
	}
	if len(ts.stopped) != 1 || ts.stopped[0] != "t1" {
		t.Errorf("stopped = %v", ts.stopped)
	}
}

func TestTasks(t *testing.T) {
	router, _, ts := newTestRouter(t)
	ts.tasks["t1"] = dispatch.Info{ID: "t1"}
	w := get(router, "/tasks?ownerId=alice")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	tasks, _ := decode(t, w)["tasks"].([]any)
	if len(tasks) != 1 {
		t.Errorf("tasks = %v", tasks)
	}
	if ts.listFor != "alice" {
		t.Errorf("List owner = %q", ts.listFor)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func TestEvents_StreamFiltersByOwner(t *testing.T) {
	b := NewBroadcaster()
	router, err := NewRouter(StartOpts{Sessions: &stubSessions{}, Tasks: &stubTasks{}, Events: b})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?ownerId=alice", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	b.Notify(ctx, notify.Event{Kind: notify.TaskCompleted, TaskID: "bob_task_1", OwnerID: "bob"})
	b.Notify(ctx, notify.Event{Kind: notify.SessionRegistered, SessionID: "session_1_alice", OwnerID: "alice"})

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var seen []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended early, saw %v", seen)
			}
			seen = append(seen, line)
			if strings.HasPrefix(line, "event: task_completed") {
				t.Fatal("event for another owner leaked into the stream")
			}
			if strings.HasPrefix(line, "data:") && strings.Contains(line, "session_1_alice") {
				if !strings.Contains(line, "Session registered") {
					t.Errorf("data = %q, want formatted text", line)
				}
				return
			}
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.subscribe()
	for i := 0; i < 40; i++ {
		if err := b.Notify(context.Background(), notify.Event{Kind: notify.TaskStopped}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want %d", len(ch), cap(ch))
	}
	unsubscribe()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", b.Subscribers())
	}
}
