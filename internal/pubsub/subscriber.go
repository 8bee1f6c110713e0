package pubsub

import (
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"spmfabric/internal/envelope"
	"spmfabric/internal/logging"
	"spmfabric/internal/wire"
)

// Subscriber is the component of §4.3: constructed with a set of topic
// envelope prefixes, it polls for inbound frames and maintains a local cache
// via the shared cache-logic contract. Decode errors are reported but never
// terminate the subscriber (§4.3 last line).
type Subscriber struct {
	conn     *websocket.Conn
	prefixes []string
	logic    *envelope.Logic
	zstd     wire.Compressor
	log      *logging.Logger
}

// NewSubscriber dials url, declaring prefixes as the subscription set, and
// returns a Subscriber backed by logic for decode + admit.
func NewSubscriber(url string, prefixes []string, logic *envelope.Logic, log *logging.Logger) (*Subscriber, error) {
	if log == nil {
		log = logging.L()
	}
	target, err := dialURL(url, prefixes)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build dial url: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return nil, fmt.Errorf("pubsub: dial %s: %w", target, err)
	}
	zstd, err := wire.NewZstdCompressor()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Subscriber{
		conn:     conn,
		prefixes: prefixes,
		logic:    logic,
		zstd:     zstd,
		log:      log,
	}, nil
}

// Close releases the underlying connection.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}

// Poll waits up to timeout for one inbound frame. It returns true if a
// message was ingested into the local cache, false on a plain timeout
// (not an error). Decode failures are logged and reported as an error but
// the subscriber remains usable afterward.
func (s *Subscriber) Poll(timeout time.Duration) (bool, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, err
	}

	frame, err := wire.UnmarshalFrame(data)
	if err != nil {
		s.log.Warn("dropping malformed frame", logging.Error(err))
		return false, fmt.Errorf("pubsub: unmarshal frame: %w", err)
	}
	raw, err := wire.DecodePayload(frame.Payload, s.zstd)
	if err != nil {
		s.log.Warn("dropping frame with bad payload", logging.String("envelope", frame.Envelope), logging.Error(err))
		return false, fmt.Errorf("pubsub: decode payload: %w", err)
	}
	msg, err := s.logic.Decode(frame.Envelope, raw)
	if err != nil {
		s.log.Warn("dropping frame with unknown envelope", logging.String("envelope", frame.Envelope), logging.Error(err))
		return false, err
	}
	if _, err := s.logic.Admit(msg); err != nil {
		s.log.Warn("failed to admit message", logging.String("envelope", frame.Envelope), logging.Error(err))
		return false, err
	}
	return true, nil
}

// Snapshot returns the read-only FIFO contents cached for env.
func (s *Subscriber) Snapshot(env string) envelope.Snapshot {
	return s.logic.Snapshot(env)
}

// Len reports the number of cached messages for env.
func (s *Subscriber) Len(env string) int {
	return s.logic.Len(env)
}
