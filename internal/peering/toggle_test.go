package peering

import (
	"context"
	"testing"
	"time"
)

func TestToggleStartsOff(t *testing.T) {
	tg := NewToggle(false)
	if tg.IsOn() {
		t.Fatal("expected toggle to start off")
	}
}

func TestToggleWaitWakesOnChange(t *testing.T) {
	tg := NewToggle(false)
	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		v, ok := tg.Wait(ctx)
		done <- ok && v
	}()

	time.Sleep(10 * time.Millisecond)
	tg.TurnOn()

	select {
	case woke := <-done:
		if !woke {
			t.Fatal("expected Wait to report toggle on")
		}
	case <-time.After(time.Second):
		t.Fatal("expected Wait to return after TurnOn")
	}
}

func TestToggleWaitRespectsContext(t *testing.T) {
	tg := NewToggle(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := tg.Wait(ctx)
	if ok {
		t.Fatal("expected Wait to report cancellation, not a toggle change")
	}
}
