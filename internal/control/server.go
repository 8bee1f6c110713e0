package control

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"spmfabric/internal/logging"
)

var serverUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a Router over one request/reply WebSocket connection per
// client (§4.5: "accepts control requests ... routes approved requests").
// Each connection handles requests strictly serially, matching the Client's
// own "requests are strictly serialised per client" guarantee (§4.6).
type Server struct {
	router *Router
	log    *logging.Logger
	server *http.Server
}

// NewServer constructs a Server dispatching accepted requests to router.
func NewServer(router *Router, log *logging.Logger) *Server {
	if log == nil {
		log = logging.L()
	}
	return &Server{router: router, log: log}
}

// Start listens on addr, handling one request/reply cycle at a time per
// connection, until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveConn)
	s.server = &http.Server{Addr: addr, Handler: logging.HTTPTraceMiddleware(s.log)(mux)}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = s.server.Close()
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop closes the listener immediately; requests in flight are discarded
// without reply (§5: "Requests in flight at shutdown time are discarded
// without reply").
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// serveConn handles one control connection end to end. Every connection is
// tagged with its own trace ID so a sequence of requests from the same
// client can be correlated in the logs; once a request names its caller
// Identity, that identity is folded into the connection's logger too (a
// client's identity is only known after its first request, unlike a
// pub/sub subscriber's topics which arrive on connect).
func (s *Server) serveConn(w http.ResponseWriter, r *http.Request) {
	_, baseLogger, _ := logging.WithTrace(r.Context(), logging.LoggerFromContext(r.Context()), logging.TraceIDFromContext(r.Context()))
	connLog := baseLogger.With(logging.String("remote_addr", r.RemoteAddr))
	conn, err := serverUpgrader.Upgrade(w, r, nil)
	if err != nil {
		connLog.Error("control: websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	identityKnown := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			connLog.Warn("control: dropping malformed request", logging.Error(err))
			continue
		}
		if !identityKnown && req.Identity != "" {
			connLog = connLog.With(logging.String("identity", req.Identity))
			identityKnown = true
		}
		s.router.Touch(req.Identity, nowFunc())
		reply := s.router.Handle(req)
		connLog.Debug("control: handled request", logging.String("kind", string(req.Kind)), logging.String("code", string(reply.Code)))
		out, err := json.Marshal(reply)
		if err != nil {
			connLog.Error("control: failed to marshal reply", logging.Error(err))
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}
