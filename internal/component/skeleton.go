// Package component implements the shared process skeleton of §4.8: a
// heartbeat publisher, an optional subscription to the global KILL signal,
// and a bounded main loop that every process kind (pub/sub broker, control
// router, device controller, worker) embeds. Grounded on the teacher's
// ping/pong keepalive cadence (pingInterval/pongWaitMultiplier in main.go),
// generalised from a WebSocket-protocol-level ping to an application-level
// heartbeat message so any component — not just the broker the socket
// happens to terminate at — can observe liveness (§4.8, §5).
package component

import (
	"context"
	"time"

	"spmfabric/internal/envelope"
	"spmfabric/internal/logging"
	"spmfabric/internal/model"
)

// Publisher is the narrow slice of pubsub.Publisher the skeleton needs.
type Publisher interface {
	Send(msg model.Message) error
}

// Subscriber is the narrow slice of pubsub.Subscriber the skeleton needs to
// watch for the KILL signal.
type Subscriber interface {
	Poll(timeout time.Duration) (bool, error)
	Snapshot(env string) envelope.Snapshot
}

// Skeleton bundles heartbeat emission, kill-switch observation, and a main
// loop around caller-supplied per-tick work.
type Skeleton struct {
	id          string
	publisher   Publisher
	killSub     Subscriber // optional; nil disables KILL observation
	hbPeriod    time.Duration
	loopSleep   time.Duration
	log         *logging.Logger
	killTimeout time.Duration
}

// New constructs a Skeleton. killSub may be nil if this process does not
// listen for the global KILL signal.
func New(id string, publisher Publisher, killSub Subscriber, hbPeriod, loopSleep time.Duration, log *logging.Logger) *Skeleton {
	if log == nil {
		log = logging.L()
	}
	return &Skeleton{
		id:          id,
		publisher:   publisher,
		killSub:     killSub,
		hbPeriod:    hbPeriod,
		loopSleep:   loopSleep,
		log:         log.With(logging.String("component_id", id)),
		killTimeout: 10 * time.Millisecond,
	}
}

// PerLoopFunc is the caller-supplied per-iteration work. Returning an error
// only logs; it never aborts the loop, matching §5's "errors in one
// iteration must not corrupt state visible to the next."
type PerLoopFunc func(ctx context.Context) error

// Run drives the main loop until ctx is cancelled or a KILL message is
// observed. Every iteration: check termination predicate, run perLoop,
// heartbeat if due, sleep for loopSleep (interruptible by ctx).
func (s *Skeleton) Run(ctx context.Context, perLoop PerLoopFunc) error {
	lastHeartbeat := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.killRequested() {
			s.log.Info("kill signal observed, shutting down")
			return nil
		}

		if err := perLoop(ctx); err != nil {
			s.log.Error("per-loop work failed", logging.Error(err))
		}

		if s.hbPeriod > 0 && time.Since(lastHeartbeat) >= s.hbPeriod {
			s.heartbeat()
			lastHeartbeat = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.loopSleep):
		}
	}
}

func (s *Skeleton) killRequested() bool {
	if s.killSub == nil {
		return false
	}
	_, _ = s.killSub.Poll(s.killTimeout)
	return len(s.killSub.Snapshot("KILL").Messages) > 0
}

func (s *Skeleton) heartbeat() {
	if s.publisher == nil {
		return
	}
	msg := model.HeartbeatMessage{ComponentID: s.id, SentAt: time.Now().UTC()}
	if err := s.publisher.Send(msg); err != nil {
		s.log.Warn("heartbeat publish failed", logging.Error(err))
	}
}
