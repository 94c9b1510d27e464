package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
)

// ClientState is what a subscriber shows its caller.
type ClientState string

const (
	StateConnecting   ClientState = "connecting"
	StateConnected    ClientState = "connected"
	StateReconnecting ClientState = "reconnecting"
	StateOffline      ClientState = "offline"
)

// ClientConfig configures a realtime subscriber.
type ClientConfig struct {
	URL string
	// Token returns the bearer credential. It is called on every connect.
	Token func() (string, error)
	// HeartbeatTimeout is how long the connection may stay silent, pings
	// included, before it is treated as half-open.
	HeartbeatTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// MaxAttempts bounds consecutive failed connects before going offline.
	MaxAttempts uint64

	OnEvent func(Event)
	OnState func(ClientState)
	// OnReconnect runs after every reconnect. Events sent while the
	// connection was down are lost, so this is where callers re-fetch.
	OnReconnect func(ctx context.Context) error
}

// Client subscribes to the realtime channel and keeps the subscription alive
// with capped exponential backoff.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	log    *logger.Logger

	mu    sync.RWMutex
	state ClientState
}

// NewClient creates a new Client.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log,
		state:  StateConnecting,
	}
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run connects and delivers events until ctx ends (nil) or reconnection is
// exhausted (a Connectivity error, state offline).
func (c *Client) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	for reconnect := false; ; reconnect = true {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.setState(StateOffline)
			return errors.Connectivity(err, "realtime channel unavailable")
		}
		c.setState(StateConnected)
		if reconnect && c.cfg.OnReconnect != nil {
			if err := c.cfg.OnReconnect(ctx); err != nil {
				c.log.Warn().Err(err).Msg("Realtime reconcile failed")
			}
		}

		err = c.read(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Info().Err(err).Str("url", c.cfg.URL).Msg("Realtime connection lost, reconnecting")
		c.setState(StateReconnecting)
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxAttempts-1), ctx)

	var conn *websocket.Conn
	op := func() error {
		header := http.Header{}
		if c.cfg.Token != nil {
			token, err := c.cfg.Token()
			if err != nil {
				return backoff.Permanent(err)
			}
			header.Set("Authorization", "Bearer "+token)
		}
		ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(errors.New(errors.ErrCodeUnauthorized, "realtime credential rejected"))
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("retry_in", wait).Str("url", c.cfg.URL).Msg("Realtime connect failed")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// read delivers events until the connection fails, goes silent for longer
// than the heartbeat timeout, or ctx ends.
func (c *Client) read(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	extend := func() error { return conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout)) }
	_ = extend()
	conn.SetPingHandler(func(data string) error {
		_ = extend()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = extend()
		evt, err := Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Ignoring malformed realtime event")
			continue
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(evt)
		}
	}
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
