// Package pubsub implements the publish/subscribe fabric of §4.2-§4.4 over
// WebSocket connections (gorilla/websocket, the teacher's own transport
// dependency). Any reliable datagram + request/reply transport satisfies
// §6.1's contract; WebSocket was chosen because it is what the teacher
// already builds a broadcast hub around (main.go's Broker/Client).
package pubsub

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spmfabric/internal/logging"
	"spmfabric/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 20 * time.Second
	pongMultiplier = 2
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// downstreamClient is one WebSocket subscriber attached to a hub (Publisher
// or Broker downstream side). Grounded on the teacher's Client struct plus
// its writePump goroutine.
type downstreamClient struct {
	conn     *websocket.Conn
	send     chan []byte
	prefixes []string
	log      *logging.Logger
}

func parsePrefixes(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hub fans messages out to every registered downstreamClient. Shared by
// Publisher (no replay) and Broker (replay-on-subscribe).
type hub struct {
	mu      sync.RWMutex
	clients map[*downstreamClient]struct{}
	log     *logging.Logger

	// onSubscribe, if set, is invoked with a freshly-registered client before
	// it joins the live broadcast set, so the Broker can replay cached state.
	onSubscribe func(c *downstreamClient)
}

func newHub(log *logging.Logger) *hub {
	return &hub{clients: make(map[*downstreamClient]struct{}), log: log}
}

func (h *hub) register(c *downstreamClient) {
	// Replay must be queued before the client becomes visible to broadcast,
	// otherwise a concurrent publish could be written to c.send ahead of the
	// replay burst (§4.4: "replay precedes any live forwarding for the new
	// subscription").
	if h.onSubscribe != nil {
		h.onSubscribe(c)
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *downstreamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(envelope string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !matchesAny(envelope, c.prefixes) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			c.log.Warn("dropping message: subscriber buffer full", logging.String("envelope", envelope))
		}
	}
}

func matchesAny(envelope string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(envelope, p) {
			return true
		}
	}
	return false
}

// serveHub upgrades r into a WebSocket connection, registers it with h under
// the "topics" query-string prefixes, and pumps h.clients[c].send to the
// socket until the connection closes. Each connection is tagged with its own
// trace ID (propagated via the X-Trace-ID header, or generated if absent) so
// a subscriber's replay burst and every message it drops for a full send
// buffer can be correlated back to one connection in the logs.
func serveHub(h *hub, w http.ResponseWriter, r *http.Request) {
	prefixes := parsePrefixes(r.URL.Query().Get("topics"))
	_, baseLogger, _ := logging.WithTrace(r.Context(), logging.LoggerFromContext(r.Context()), logging.TraceIDFromContext(r.Context()))
	connLog := baseLogger.With(logging.String("remote_addr", r.RemoteAddr), logging.Strings("topics", prefixes))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		connLog.Error("websocket upgrade failed", logging.Error(err))
		return
	}
	client := &downstreamClient{
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		prefixes: prefixes,
		log:      connLog,
	}
	connLog.Debug("subscriber connected")

	waitDuration := pongMultiplier * pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	h.register(client)

	go readLoop(h, client, waitDuration)
	go writeLoop(client)
}

// readLoop only exists to observe disconnects and keep the read deadline
// alive via pong frames; this side of the fabric is write-only from the
// hub's perspective (subscribers never publish back through it).
func readLoop(h *hub, c *downstreamClient, waitDuration time.Duration) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
		c.log.Debug("subscriber disconnected")
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	}
}

func writeLoop(c *downstreamClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// dialURL appends the given envelope prefixes to a WebSocket URL as the
// "topics" query parameter, the subscription mechanism §4.4 calls for.
func dialURL(base string, prefixes []string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if len(prefixes) > 0 {
		q := u.Query()
		q.Set("topics", strings.Join(prefixes, ","))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// buildFrame compresses payload with the codec appropriate to envelope and
// assembles the wire.Frame bytes ready for transmission.
func buildFrame(envelope string, payload []byte, compressors codecSet) ([]byte, error) {
	c := compressors.forEnvelope(envelope)
	encoded, err := wire.EncodePayload(c, payload)
	if err != nil {
		return nil, err
	}
	frame := wire.Frame{Envelope: envelope, Payload: encoded}
	return frame.Marshal()
}

// codecSet picks a Compressor per envelope: bulk Scan2d payloads use zstd,
// everything else uses snappy (§6.1 "added" codec-tag note in SPEC_FULL.md).
type codecSet struct {
	snappy wire.Compressor
	zstd   wire.Compressor
}

func newCodecSet() (codecSet, error) {
	z, err := wire.NewZstdCompressor()
	if err != nil {
		return codecSet{}, err
	}
	return codecSet{snappy: wire.NewSnappyCompressor(), zstd: z}, nil
}

func (c codecSet) forEnvelope(envelope string) wire.Compressor {
	if strings.HasPrefix(envelope, "Scan2d") {
		return c.zstd
	}
	return c.snappy
}
