package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/duet/internal/util"
)

const (
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 15 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxFrameSize        = 1 << 20
)

// ClientConfig configures a relay Client.
type ClientConfig struct {
	URL  string // ws(s)://host/ws
	Room string

	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Client is a reconnecting connection to one relay room. Each successful dial
// starts a new epoch with a fresh connection id assigned by the relay.
type Client struct {
	cfg ClientConfig

	onMessage func([]byte)
	onConnect func(id string)

	mu   sync.Mutex
	conn *websocket.Conn
	id   string

	writeMu sync.Mutex
}

// NewClient creates a Client. Call OnMessage/OnConnect before Run.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg}
}

// OnMessage registers the callback for every inbound text frame. It is called
// from the read loop, one frame at a time, in arrival order.
func (c *Client) OnMessage(fn func([]byte)) { c.onMessage = fn }

// OnConnect registers a callback invoked after each successful (re)connect
// with the new connection id.
func (c *Client) OnConnect(fn func(id string)) { c.onConnect = fn }

// ID returns the current connection id, or false while disconnected.
func (c *Client) ID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.conn != nil
}

// Send writes one frame on the connection identified by id.
func (c *Client) Send(ctx context.Context, id string, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	current := c.id
	c.mu.Unlock()

	if conn == nil || current != id {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Run keeps a connection to the relay open until ctx is cancelled,
// reconnecting with exponential backoff. It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		conn, id, err := c.dial(ctx)
		if err == nil {
			backoff = c.cfg.MinBackoff
			err = c.serve(ctx, conn, id)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		util.LogWarning("relay connection lost: %v (retrying in %s)", err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// dial opens one connection and reads the relay-assigned id from the
// handshake response.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	url, err := RoomURL(c.cfg.URL, c.cfg.Room)
	if err != nil {
		return nil, "", err
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to relay: %w", err)
	}

	id := resp.Header.Get(ConnectionIDHeader)
	if id == "" {
		conn.Close()
		return nil, "", errors.New("relay did not assign a connection id")
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, id, nil
}

// serve runs one connection epoch: publishes the connection, pings, and
// reads frames until the connection fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, id string) error {
	c.mu.Lock()
	c.conn = conn
	c.id = id
	c.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(ctx, conn, done)
	}()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.id = ""
		c.mu.Unlock()
		close(done)
		conn.Close()
		wg.Wait()
	}()

	util.LogInfo("connected to relay room %q as %s", c.cfg.Room, id)
	if c.onConnect != nil {
		c.onConnect(id)
	}

	for {
		typ, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(frame)
		}
	}
}

// keepalive sends pings and closes conn when ctx is cancelled so the blocked
// read in serve returns.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				util.LogDebug("relay ping failed: %v", err)
				conn.Close()
				return
			}
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
			return
		case <-done:
			return
		}
	}
}
