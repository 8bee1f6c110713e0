package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"spmfabric/internal/envelope"
	"spmfabric/internal/logging"
	"spmfabric/internal/wire"
)

// Broker is the PubSubCache replay broker of §4.4: it maintains an upstream
// subscription to one or more publishers and a downstream publication
// socket, admitting every upstream message into its own cache and
// forwarding it verbatim, and replaying cached state to newly-subscribing
// downstream peers before any live forwarding reaches them.
//
// Grounded on the teacher's Broker/Client plus StateSnapshotter.Record and
// its replay-on-reconnect handling in main.go/state.go.
type Broker struct {
	logic  *envelope.Logic
	hub    *hub
	codecs codecSet
	zstd   wire.Compressor
	log    *logging.Logger

	mu        sync.Mutex
	upstreams []*websocket.Conn
	server    *http.Server
	stopUpCh  chan struct{}
}

// NewBroker constructs a Broker with its own cache-logic instance (separate
// from any publisher's or subscriber's: the broker's cache is not shared
// with the processes it relays for).
func NewBroker(logic *envelope.Logic, log *logging.Logger) (*Broker, error) {
	if log == nil {
		log = logging.L()
	}
	codecs, err := newCodecSet()
	if err != nil {
		return nil, err
	}
	b := &Broker{
		logic:    logic,
		codecs:   codecs,
		zstd:     codecs.zstd,
		log:      log,
		stopUpCh: make(chan struct{}),
	}
	b.hub = newHub(log)
	b.hub.onSubscribe = b.replay
	return b, nil
}

// replay re-emits, oldest to newest, every cached envelope that prefix-
// matches one of the subscriber's declared topics (§4.4 point 2: replay
// precedes live forwarding for the newly-registered client).
func (b *Broker) replay(c *downstreamClient) {
	prefixes := c.prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	seen := make(map[string]bool)
	for _, prefix := range prefixes {
		for _, env := range b.logic.MatchingEnvelopes(prefix) {
			if seen[env] {
				continue
			}
			seen[env] = true
			snapshot := b.logic.Snapshot(env)
			for _, msg := range snapshot.Messages {
				payload, err := json.Marshal(msg)
				if err != nil {
					c.log.Warn("replay marshal failed", logging.String("envelope", env), logging.Error(err))
					continue
				}
				frame, err := buildFrame(env, payload, b.codecs)
				if err != nil {
					c.log.Warn("replay frame build failed", logging.String("envelope", env), logging.Error(err))
					continue
				}
				select {
				case c.send <- frame:
				default:
					c.log.Warn("dropping replay message: subscriber buffer full", logging.String("envelope", env))
				}
			}
		}
	}
}

// ServeDownstream registers the broker's downstream WebSocket endpoint on
// addr; subscribers connect here. Blocks until ctx is cancelled or the
// listener fails.
func (b *Broker) ServeDownstream(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		serveHub(b.hub, w, r)
	})
	b.server = &http.Server{Addr: addr, Handler: logging.HTTPTraceMiddleware(b.log)(mux)}

	errCh := make(chan error, 1)
	go func() { errCh <- b.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = b.server.Close()
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// StopDownstream closes the downstream listener immediately.
func (b *Broker) StopDownstream() error {
	if b.server == nil {
		return nil
	}
	return b.server.Close()
}

// ConnectUpstream dials a publisher at url and begins ingesting its frames
// in the background. If the upstream connection drops, the broker keeps its
// cache and keeps serving replays to downstream subscribers; call
// ConnectUpstream again once the publisher is reachable to resume ingest.
func (b *Broker) ConnectUpstream(url string) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("pubsub: connect upstream %s: %w", url, err)
	}
	b.mu.Lock()
	b.upstreams = append(b.upstreams, conn)
	b.mu.Unlock()
	go b.ingest(conn)
	return nil
}

// ingest reads frames from one upstream connection, admits them into the
// broker's cache, and forwards them downstream verbatim (§4.4 point 1:
// "every message received upstream is admitted into the broker's cache and
// forwarded downstream verbatim").
func (b *Broker) ingest(conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-b.stopUpCh:
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.log.Warn("upstream connection lost", logging.Error(err))
			return
		}
		b.handleUpstreamFrame(data)
	}
}

func (b *Broker) handleUpstreamFrame(data []byte) {
	frame, err := wire.UnmarshalFrame(data)
	if err != nil {
		b.log.Warn("dropping malformed upstream frame", logging.Error(err))
		return
	}
	raw, err := wire.DecodePayload(frame.Payload, b.zstd)
	if err != nil {
		b.log.Warn("dropping upstream frame with bad payload", logging.String("envelope", frame.Envelope), logging.Error(err))
		return
	}
	msg, err := b.logic.Decode(frame.Envelope, raw)
	if err != nil {
		b.log.Warn("dropping upstream frame with unknown envelope", logging.String("envelope", frame.Envelope), logging.Error(err))
		return
	}
	admittedEnvelope, err := b.logic.Admit(msg)
	if err != nil {
		b.log.Warn("failed to admit upstream message", logging.String("envelope", frame.Envelope), logging.Error(err))
		return
	}
	// Forward the bytes exactly as received; no need to recompress what was
	// just decompressed for admission.
	b.hub.broadcast(admittedEnvelope, data)
}

// Close tears down every upstream connection and the downstream listener.
func (b *Broker) Close() error {
	close(b.stopUpCh)
	b.mu.Lock()
	for _, conn := range b.upstreams {
		_ = conn.Close()
	}
	b.mu.Unlock()
	return b.StopDownstream()
}
