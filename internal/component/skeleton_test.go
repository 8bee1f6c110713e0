package component

import (
	"context"
	"testing"
	"time"

	"spmfabric/internal/envelope"
	"spmfabric/internal/model"
)

type recordingPublisher struct {
	sent []model.Message
}

func (r *recordingPublisher) Send(msg model.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

type killSwitch struct {
	fire bool
}

func (k *killSwitch) Poll(timeout time.Duration) (bool, error) { return false, nil }
func (k *killSwitch) Snapshot(env string) envelope.Snapshot {
	if k.fire && env == "KILL" {
		return envelope.Snapshot{Envelope: env, Messages: []model.Message{model.KillMessage{Reason: "stop"}}}
	}
	return envelope.Snapshot{Envelope: env}
}

func TestRunEmitsHeartbeatsAtConfiguredPeriod(t *testing.T) {
	pub := &recordingPublisher{}
	s := New("test-component", pub, nil, 20*time.Millisecond, time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	ticks := 0
	_ = s.Run(ctx, func(ctx context.Context) error {
		ticks++
		return nil
	})

	if ticks == 0 {
		t.Fatal("expected per-loop work to run at least once")
	}
	if len(pub.sent) == 0 {
		t.Fatal("expected at least one heartbeat to be published")
	}
	for _, msg := range pub.sent {
		hb, ok := msg.(model.HeartbeatMessage)
		if !ok {
			t.Fatalf("expected HeartbeatMessage, got %T", msg)
		}
		if hb.ComponentID != "test-component" {
			t.Fatalf("unexpected component id: %q", hb.ComponentID)
		}
	}
}

func TestRunStopsOnKillSignal(t *testing.T) {
	pub := &recordingPublisher{}
	kill := &killSwitch{fire: true}
	s := New("test-component", pub, kill, time.Second, time.Millisecond, nil)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected Run() to return nil on kill signal, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after observing the kill signal")
	}
}

func TestRunPerLoopErrorDoesNotAbortLoop(t *testing.T) {
	pub := &recordingPublisher{}
	s := New("test-component", pub, nil, time.Second, time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ticks := 0
	err := s.Run(ctx, func(ctx context.Context) error {
		ticks++
		return errBoom
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if ticks < 2 {
		t.Fatalf("expected the loop to keep running despite per-loop errors, got %d ticks", ticks)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
