package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"spmfabric/internal/logging"
)

// state names the Lazy-Pirate connection state machine of §4.6.
type state int

const (
	stateIdle state = iota
	stateAwaiting
	stateRetrying
	stateDead
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Identity is the stable identity carried across reconnects (§4.6). If
	// empty, a random uuid is generated.
	Identity       string
	RouterURL      string
	RequestTimeout time.Duration
	RequestRetries int
	Log            *logging.Logger
}

// Client is the Lazy-Pirate control client (§4.6): one outstanding request
// at a time, a stable identity, and reconnect-with-retry on timeout.
type Client struct {
	mu sync.Mutex

	identity string
	url      string
	timeout  time.Duration
	retries  int
	log      *logging.Logger

	conn  *websocket.Conn
	state state
}

// NewClient dials RouterURL and returns a ready Client in the Idle state.
func NewClient(cfg ClientConfig) (*Client, error) {
	identity := cfg.Identity
	if identity == "" {
		identity = uuid.NewString()
	}
	log := cfg.Log
	if log == nil {
		log = logging.L()
	}
	retries := cfg.RequestRetries
	if retries <= 0 {
		retries = 1
	}
	c := &Client{
		identity: identity,
		url:      cfg.RouterURL,
		timeout:  cfg.RequestTimeout,
		retries:  retries,
		log:      log.With(logging.String("identity", identity)),
		state:    stateIdle,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Identity returns the client's stable identity.
func (c *Client) Identity() string { return c.identity }

// connect dials a fresh socket and stamps it with a new trace ID, so a
// server-side reconnect log line can be matched back to exactly the dial
// attempt that produced it even though the client's Identity stays stable
// across every reconnect (§4.6).
func (c *Client) connect() error {
	traceID := logging.GenerateTraceID()
	header := http.Header{logging.TraceIDHeader: []string{traceID}}
	conn, _, err := websocket.DefaultDialer.Dial(c.url, header)
	if err != nil {
		return fmt.Errorf("control: dial %s: %w", c.url, err)
	}
	c.conn = conn
	c.log.Debug("control: connected", logging.String(logging.TraceIDField, traceID))
	return nil
}

// teardown closes the socket with a zero linger (§4.6 point 4: "tear down
// the socket (setting a zero linger)"): the close frame is attempted with an
// already-expired deadline, so nothing waits for it (in practice it is not
// sent), and the connection is closed at once.
func (c *Client) teardown() {
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now())
	_ = c.conn.Close()
	c.conn = nil
}

// Send runs the algorithm of §4.6: transmit, wait up to RequestTimeout for a
// reply, and on timeout tear down and rebuild the socket under the same
// identity before retrying, up to RequestRetries attempts. Requests are
// strictly serialised by Client's own mutex.
func (c *Client) Send(req Request) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.Identity = c.identity
	payload, err := json.Marshal(req)
	if err != nil {
		return Reply{Code: RepFailure}, fmt.Errorf("control: marshal request: %w", err)
	}

	c.state = stateAwaiting
	for attempt := 0; attempt < c.retries; attempt++ {
		if c.conn == nil {
			c.state = stateRetrying
			if err := c.connect(); err != nil {
				c.log.Warn("control: reconnect failed", logging.Error(err))
				continue
			}
		}

		if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			c.log.Warn("control: request send failed, retrying", logging.Error(err))
			c.teardown()
			c.state = stateRetrying
			continue
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Warn("control: reply timed out, reconnecting", logging.Error(err))
			c.teardown()
			c.state = stateRetrying
			continue
		}

		var reply Reply
		if err := json.Unmarshal(data, &reply); err != nil {
			c.state = stateIdle
			return Reply{Code: RepFailure}, fmt.Errorf("control: unmarshal reply: %w", err)
		}
		c.state = stateIdle
		return reply, nil
	}

	c.state = stateDead
	return Reply{Code: NoResponse}, nil
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
