package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"spmfabric/internal/envelope"
	"spmfabric/internal/logging"
	"spmfabric/internal/model"
)

// Publisher is the single-operation component of §4.2: compute the
// envelope, serialise the payload, transmit [envelope][payload] to every
// connected downstream socket. It gives no delivery guarantee beyond
// per-socket FIFO; a subscriber that is not yet connected simply never
// sees the message.
type Publisher struct {
	logic  *envelope.Logic
	hub    *hub
	server *http.Server
	codecs codecSet
	log    *logging.Logger
}

// NewPublisher constructs a Publisher validated against logic's registered
// envelopes and ready to serve WebSocket connections once Start is called.
func NewPublisher(logic *envelope.Logic, log *logging.Logger) (*Publisher, error) {
	if log == nil {
		log = logging.L()
	}
	codecs, err := newCodecSet()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		logic:  logic,
		hub:    newHub(log),
		codecs: codecs,
		log:    log,
	}, nil
}

// Start begins serving WebSocket connections on addr. Callers run this in
// the background (e.g. via errgroup or a dedicated goroutine) since it
// blocks until the listener stops or ctx is cancelled.
func (p *Publisher) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		serveHub(p.hub, w, r)
	})
	p.server = &http.Server{Addr: addr, Handler: logging.HTTPTraceMiddleware(p.log)(mux)}

	errCh := make(chan error, 1)
	go func() { errCh <- p.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = p.server.Close()
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop closes the listener immediately.
func (p *Publisher) Stop() error {
	if p.server == nil {
		return nil
	}
	return p.server.Close()
}

// Send computes msg's envelope, rejects it before transport if the envelope
// is not registered in this publisher's cache logic, and otherwise
// broadcasts it to every connected, matching downstream socket.
func (p *Publisher) Send(msg model.Message) error {
	env := envelope.EnvelopeOf(msg)
	if p.logic != nil && !p.logic.Known(env) {
		return fmt.Errorf("pubsub: refusing to send unknown envelope %q", env)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pubsub: marshal payload: %w", err)
	}
	frame, err := buildFrame(env, payload, p.codecs)
	if err != nil {
		return fmt.Errorf("pubsub: build frame: %w", err)
	}
	p.hub.broadcast(env, frame)
	return nil
}
