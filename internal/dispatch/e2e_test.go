package dispatch_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/clock"
	"github.com/zulandar/courier/internal/dispatch"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/transport"
)

func pump(t *testing.T, fake *clock.Fake, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		if fake.Pending() > 0 {
			fake.Advance(time.Second)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEndToEnd_DisconnectMidTaskRetriesSameMessage(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	factory := transport.NewMockFactory()

	ctrl, err := session.NewController(session.ControllerOpts{Factory: factory, Clock: fake})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer ctrl.Close()

	id := session.ID("15550109999", "alice")
	factory.MarkRegistered(id)
	res, err := ctrl.Create(ctx, "15550109999", "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Status != session.StatusAlreadyRegistered {
		t.Fatalf("Status = %s, want already-registered", res.Status)
	}
	pump(t, fake, "first client", func() bool {
		return len(factory.Clients()) == 1 && factory.Clients()[0].Started()
	})
	first := factory.Clients()[0]
	first.EmitOpen()

	engine, err := dispatch.NewEngine(dispatch.EngineOpts{
		Sessions: dispatch.SessionsFunc(func(id string) (dispatch.Session, bool) {
			s, ok := ctrl.Lookup(id)
			if !ok {
				return nil, false
			}
			return s, true
		}),
		Clock:             fake,
		PollInterval:      5 * time.Second,
		MaxDisconnectWait: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()

	info, err := engine.Start(ctx, dispatch.Request{
		SessionID:  id,
		Target:     "15550002222",
		TargetKind: transport.TargetIndividual,
		Messages:   []string{"a", "b", "c"},
		Delay:      time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	status := func() dispatch.Info {
		got, err := engine.Status(info.ID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		return got
	}

	pump(t, fake, "first message", func() bool { return status().Sent == 1 })
	first.EmitClose(500)

	pump(t, fake, "reconnected client", func() bool {
		cs := factory.Clients()
		return len(cs) == 2 && cs[1].Started()
	})
	second := factory.Clients()[1]
	second.EmitOpen()

	pump(t, fake, "task completion", func() bool { return status().Status != dispatch.StatusRunning })

	final := status()
	if final.Status != dispatch.StatusCompleted {
		t.Fatalf("Status = %s (%s), want completed", final.Status, final.LastError)
	}
	if final.Sent != final.Total {
		t.Errorf("Sent = %d, want %d", final.Sent, final.Total)
	}
	if got := first.Sent(); len(got) != 1 || got[0].Text != "a" {
		t.Errorf("first client sent %+v, want [a]", got)
	}
	got := second.Sent()
	if len(got) != 2 || got[0].Text != "b" || got[1].Text != "c" {
		t.Errorf("second client sent %+v, want [b c]", got)
	}
}

func TestEndToEnd_StopAfterOneOfFive(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	factory := transport.NewMockFactory()
	ctrl, err := session.NewController(session.ControllerOpts{Factory: factory, Clock: fake})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer ctrl.Close()

	id := session.ID("15550109999", "")
	factory.MarkRegistered(id)
	if _, err := ctrl.Create(ctx, "15550109999", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	pump(t, fake, "client", func() bool {
		return len(factory.Clients()) == 1 && factory.Clients()[0].Started()
	})
	cl := factory.Clients()[0]
	cl.EmitOpen()

	engine, err := dispatch.NewEngine(dispatch.EngineOpts{
		Sessions: dispatch.SessionsFunc(func(id string) (dispatch.Session, bool) {
			s, ok := ctrl.Lookup(id)
			if !ok {
				return nil, false
			}
			return s, true
		}),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()

	info, err := engine.Start(ctx, dispatch.Request{
		SessionID:  id,
		Target:     "1203630000",
		TargetKind: transport.TargetGroup,
		Messages:   []string{"1", "2", "3", "4", "5"},
		Delay:      5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pump(t, fake, "first message", func() bool {
		got, _ := engine.Status(info.ID)
		return got.Sent == 1
	})
	if _, err := engine.Stop(info.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	pump(t, fake, "stop", func() bool {
		got, _ := engine.Status(info.ID)
		return got.Status == dispatch.StatusStopped
	})

	final, _ := engine.Status(info.ID)
	if final.Sent != 1 || final.EndedBy != dispatch.EndedByUser {
		t.Errorf("final = sent %d endedBy %q, want 1/user", final.Sent, final.EndedBy)
	}
	if sent := cl.Sent(); len(sent) != 1 || sent[0].To != "1203630000@g.us" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestEndToEnd_DroppedClientWhileRegisteredGivesUp(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	factory := transport.NewMockFactory()
	ctrl, err := session.NewController(session.ControllerOpts{Factory: factory, Clock: fake})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer ctrl.Close()

	id := session.ID("15550109999", "alice")
	factory.MarkRegistered(id)
	if _, err := ctrl.Create(ctx, "15550109999", "alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	pump(t, fake, "client", func() bool {
		return len(factory.Clients()) == 1 && factory.Clients()[0].Started()
	})
	cl := factory.Clients()[0]
	cl.EmitOpen()
	// The connection is gone but no close event arrives, so the session
	// keeps reporting registered.
	cl.Drop()

	engine, err := dispatch.NewEngine(dispatch.EngineOpts{
		Sessions: dispatch.SessionsFunc(func(id string) (dispatch.Session, bool) {
			s, ok := ctrl.Lookup(id)
			if !ok {
				return nil, false
			}
			return s, true
		}),
		Clock:             fake,
		PollInterval:      5 * time.Second,
		MaxDisconnectWait: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()

	info, err := engine.Start(ctx, dispatch.Request{
		SessionID:  id,
		Target:     "15550002222",
		TargetKind: transport.TargetIndividual,
		Messages:   []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pump(t, fake, "task to give up", func() bool {
		got, _ := engine.Status(info.ID)
		return got.Status != dispatch.StatusRunning
	})

	final, _ := engine.Status(info.ID)
	if final.Status != dispatch.StatusStopped || final.EndedBy != dispatch.EndedBySystem {
		t.Errorf("final = %s/%s, want stopped/system", final.Status, final.EndedBy)
	}
	if final.Sent != 0 || len(cl.Sent()) != 0 {
		t.Errorf("sent = %d (client %d), want 0", final.Sent, len(cl.Sent()))
	}
	if !strings.Contains(final.LastError, "not back within") {
		t.Errorf("LastError = %q", final.LastError)
	}
}
