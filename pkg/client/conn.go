package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/browserpilot/internal/retry"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

var (
	// ErrConnectionLost is returned once reconnect attempts are exhausted.
	ErrConnectionLost = errors.New("connection lost")
	// ErrSessionEnded means the server closed the connection because the
	// session is gone.
	ErrSessionEnded = errors.New("session ended")
	// ErrReplaced means a newer connection with the same client id and role
	// took this one's place.
	ErrReplaced = errors.New("replaced by newer connection")
	// ErrSessionNotFound means the session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotConnected is returned by Send while no socket is open.
	ErrNotConnected = errors.New("not connected")
)

// ConnOptions configures an observer connection.
type ConnOptions struct {
	// Reconnect controls the backoff between connection attempts. The zero
	// value doubles from 1s up to 10s with five attempts. A connection that
	// drops before StableAfter counts as a failed attempt.
	Reconnect retry.Config
	// StableAfter is how long a connection must stay up before a drop
	// starts the backoff over. Defaults to Reconnect.MaxDelay.
	StableAfter time.Duration
	// ReadTimeout is how long the connection may stay silent before it is
	// considered dead. The server pings well within the default.
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// Buffer is the capacity of the Events channel.
	Buffer int
	Dialer *websocket.Dialer
}

func (o *ConnOptions) applyDefaults() {
	if o.Reconnect.InitialDelay <= 0 && o.Reconnect.MaxAttempts == 0 {
		o.Reconnect = retry.DefaultConfig()
	}
	if o.StableAfter <= 0 {
		o.StableAfter = max(o.Reconnect.MaxDelay, o.Reconnect.InitialDelay)
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 45 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
}

// Conn is one observer connection to a session. It reconnects with
// exponential backoff until the session ends, the server replaces it, the
// attempts run out or it is closed.
type Conn struct {
	url    string
	opts   ConnOptions
	events chan models.Event
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	ws     *websocket.Conn
	state  State
	err    error
	closed bool
}

// Dial starts an observer connection to url. It returns immediately; the
// first connect happens in the background. ctx bounds the connection's
// lifetime.
func Dial(ctx context.Context, url string, opts ConnOptions) *Conn {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		url:    url,
		opts:   opts,
		events: make(chan models.Event, opts.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Events delivers every event except keepalives, in arrival order. Frames
// are dropped when the consumer falls behind. The channel is closed when the
// connection ends.
func (c *Conn) Events() <-chan models.Event {
	return c.events
}

// Done is closed when the connection has ended for good.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive or after a
// local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns a copy of the session as seen by this connection.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Connected reports whether a socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// active reports whether the connection is open or still trying to connect.
func (c *Conn) active() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send writes a command on the open socket.
func (c *Conn) Send(cmd models.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteJSON(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return nil
}

// Close ends the connection and waits for its goroutine to exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	<-c.done
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	// failures counts consecutive failed dials and early drops.
	failures := 0
	for {
		if failures > 0 && !c.sleep(ctx, c.opts.Reconnect.Delay(failures)) {
			c.finish(ctx, ctx.Err())
			return
		}

		err := c.connect(ctx)
		var perm *retry.PermanentError
		switch {
		case errors.As(err, &perm):
			c.finish(ctx, perm.Err)
			return
		case err != nil:
			if ctx.Err() != nil {
				c.finish(ctx, ctx.Err())
				return
			}
			failures++
			if c.exhausted(ctx, failures, err) {
				return
			}
			log.Debug().Err(err).Int("attempt", failures).Str("url", c.url).Msg("observer connect failed")
			continue
		}

		connectedAt := time.Now()
		err = c.read(ctx)
		if terminal(err) || ctx.Err() != nil {
			c.finish(ctx, err)
			return
		}
		if time.Since(connectedAt) >= c.opts.StableAfter {
			failures = 0
		}
		failures++
		if c.exhausted(ctx, failures, err) {
			return
		}
		log.Info().Err(err).Int("attempt", failures).Str("url", c.url).Msg("observer connection dropped, reconnecting")
	}
}

// exhausted ends the connection once failures reaches the attempt limit.
func (c *Conn) exhausted(ctx context.Context, failures int, err error) bool {
	limit := c.opts.Reconnect.MaxAttempts
	if limit <= 0 || failures < limit {
		return false
	}
	c.finish(ctx, fmt.Errorf("observer connect: %w after %d attempts: %w", retry.ErrExhausted, failures, err))
	return true
}

func (c *Conn) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Conn) connect(ctx context.Context) error {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return retry.Permanent(ErrSessionNotFound)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return retry.Permanent(context.Canceled)
	}
	c.ws = ws
	c.state.Connected = true
	c.mu.Unlock()

	log.Debug().Str("url", c.url).Msg("observer connected")
	return nil
}

// read consumes the socket until it fails. The error tells run whether to
// reconnect.
func (c *Conn) read(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	defer func() {
		_ = ws.Close()
		c.mu.Lock()
		c.ws = nil
		c.state.Connected = false
		c.mu.Unlock()
	}()

	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
	})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return closeError(err)
		}

		ev, err := models.Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("ignoring undecodable event")
			continue
		}

		switch ev.Kind() {
		case models.KindPing:
			if err := c.Send(models.Command{Type: models.CommandPong}); err != nil {
				return err
			}
			continue
		case models.KindPong:
			continue
		}

		c.mu.Lock()
		c.state.Apply(ev)
		c.mu.Unlock()

		if !c.deliver(ctx, ev) {
			return ctx.Err()
		}
	}
}

func (c *Conn) deliver(ctx context.Context, ev models.Event) bool {
	if ev.Kind() == models.KindFrame {
		select {
		case c.events <- ev:
		default:
		}
		return true
	}
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) finish(ctx context.Context, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		c.err = nil
	case errors.Is(err, retry.ErrExhausted):
		c.err = fmt.Errorf("%w: %w", ErrConnectionLost, retry.Cause(err))
		c.state.ConnectionLost = true
		log.Warn().Err(c.err).Str("url", c.url).Msg("observer gave up reconnecting")
	case ctx.Err() != nil:
		c.err = ctx.Err()
	default:
		c.err = err
	}
}

// closeError maps the server's close codes to sentinel errors.
func closeError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case models.CloseSessionEnded:
		return ErrSessionEnded
	case models.CloseReplaced:
		return ErrReplaced
	case models.CloseNotFound:
		return ErrSessionNotFound
	}
	return err
}

// terminal reports whether err means reconnecting is pointless.
func terminal(err error) bool {
	return errors.Is(err, ErrSessionEnded) || errors.Is(err, ErrReplaced) || errors.Is(err, ErrSessionNotFound)
}
