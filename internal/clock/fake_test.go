package clock

import (
	"context"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	f := NewFake(epoch)
	ch := f.After(2 * time.Second)

	f.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(2 * time.Second)) {
			t.Errorf("fired at %v, want %v", got, epoch.Add(2*time.Second))
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestFake_AfterFuncOrderAndStop(t *testing.T) {
	f := NewFake(epoch)
	var order []string
	f.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	f.AfterFunc(time.Second, func() { order = append(order, "a") })
	stopped := f.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	if !stopped.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}
	if stopped.Stop() {
		t.Error("second Stop should return false")
	}

	f.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "c" {
		t.Errorf("order = %v, want [a c]", order)
	}
	if got := f.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("Now = %v, want %v", got, epoch.Add(5*time.Second))
	}
}

func TestFake_CallbackSchedulesWithinAdvance(t *testing.T) {
	f := NewFake(epoch)
	fired := 0
	var reschedule func()
	reschedule = func() {
		fired++
		if fired < 3 {
			f.AfterFunc(time.Second, reschedule)
		}
	}
	f.AfterFunc(time.Second, reschedule)

	f.Advance(10 * time.Second)
	if fired != 3 {
		t.Errorf("fired = %d, want 3", fired)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", f.Pending())
	}
}

func TestFake_BlockUntil(t *testing.T) {
	f := NewFake(epoch)
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.After(time.Second)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.BlockUntil(ctx, 1); err != nil {
		t.Fatalf("BlockUntil: %v", err)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if err := f.BlockUntil(short, 5); err == nil {
		t.Error("BlockUntil should time out when timers never arrive")
	}
}
