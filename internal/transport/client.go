package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voicev2/internal/failure"
	"github.com/lexiqai/voicev2/internal/resilience"
)

var (
	// ErrNotReady is returned by Send before session_started is confirmed
	// and while reconnecting. The message is dropped, not queued.
	ErrNotReady = errors.New("transport: session not started")
	// ErrAuthRejected is the cause of a rejected handshake.
	ErrAuthRejected = errors.New("transport: session rejected")
	// ErrSendQueueFull is returned by Send when the writer has fallen
	// behind. The message is dropped.
	ErrSendQueueFull = errors.New("transport: send queue full")

	errHeartbeatTimeout = errors.New("transport: heartbeat timeout")
)

const writeWait = 5 * time.Second

// Status is the transport connection status.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// ConnectionState is owned by the client; other components get copies.
type ConnectionState struct {
	Status           Status
	ReconnectAttempt int
	LastHeartbeat    time.Time
	SessionID        string
	// Err is set when the connection closed because of a failure.
	Err error
}

// TokenSource supplies an auth token for each handshake.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Config controls the client.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	MaxMissedPongs   int
	SendQueue        int // messages waiting for the writer
	Reconnect        resilience.ReconnectConfig
	Dialer           *websocket.Dialer
}

// Client is the engine side of the session protocol.
type Client struct {
	config Config
	tokens TokenSource
	logger zerolog.Logger

	handlerMu sync.RWMutex
	onMessage func(Message)
	onState   func(ConnectionState)

	mu      sync.Mutex
	conn    *websocket.Conn
	out     chan []byte
	state   ConnectionState
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client; nothing is dialed until Connect.
func NewClient(config Config, tokens TokenSource, logger zerolog.Logger) *Client {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 5 * time.Second
	}
	if config.PongTimeout <= 0 || config.PongTimeout > config.PingInterval {
		config.PongTimeout = config.PingInterval
	}
	if config.MaxMissedPongs <= 0 {
		config.MaxMissedPongs = 2
	}
	if config.SendQueue <= 0 {
		config.SendQueue = 64
	}
	if config.Reconnect.MaxAttempts <= 0 {
		config.Reconnect = resilience.DefaultReconnectConfig()
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	return &Client{
		config: config,
		tokens: tokens,
		logger: logger,
		state:  ConnectionState{Status: StatusIdle},
	}
}

// OnMessage registers the inbound message handler. It runs on the read
// goroutine and must not block.
func (c *Client) OnMessage(handler func(Message)) {
	c.handlerMu.Lock()
	c.onMessage = handler
	c.handlerMu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (c *Client) OnStateChange(handler func(ConnectionState)) {
	c.handlerMu.Lock()
	c.onState = handler
	c.handlerMu.Unlock()
}

// State returns a copy of the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials, performs the handshake and returns once session_started
// is confirmed. ctx bounds the lifetime of the whole connection including
// reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != StatusIdle {
		c.mu.Unlock()
		return errors.New("transport: already connected")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.setState(ConnectionState{Status: StatusConnecting})
	conn, sessionID, err := c.dial(c.ctx)
	if err != nil {
		c.setState(ConnectionState{Status: StatusClosed, Err: err})
		c.cancel()
		return err
	}

	out := c.attach(conn, sessionID)
	c.wg.Add(1)
	go c.supervise(conn, out)
	return nil
}

// Send queues one message for the connection's writer and never blocks.
// Audio and every other application message is refused until the server
// has confirmed the session. Messages still queued when the connection
// drops are lost.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	out := c.out
	ready := c.state.Status == StatusConnected
	c.mu.Unlock()
	if !ready || out == nil {
		return ErrNotReady
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close ends the session and stops reconnecting. It is safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.closing = true
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(time.Second))
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	closed := c.state.Status == StatusClosed
	c.mu.Unlock()
	if !closed {
		c.setState(ConnectionState{Status: StatusClosed})
	}
	return nil
}

// dial opens a connection and completes the handshake with a fresh token.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	token, err := c.tokens(ctx)
	if err != nil {
		return nil, "", failure.New(failure.CategoryAuth, failure.CodeHandshakeRejected, "auth token unavailable", err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.config.Dialer.DialContext(hctx, c.config.URL, nil)
	if err != nil {
		return nil, "", failure.New(failure.CategoryTransport, failure.CodeConnectionLost, "dial failed", err)
	}

	deadline := time.Now().Add(c.config.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	data, _ := Encode(Message{Type: TypeSessionStart, AuthToken: token})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, "", failure.New(failure.CategoryTransport, failure.CodeConnectionLost, "handshake write failed", err)
	}

	conn.SetReadDeadline(deadline)
	_, data, err = conn.ReadMessage()
	if err != nil {
		conn.Close()
		if websocket.IsCloseError(err, CloseAuthRejected) {
			return nil, "", failure.New(failure.CategoryAuth, failure.CodeHandshakeRejected, "session rejected", ErrAuthRejected)
		}
		return nil, "", failure.New(failure.CategoryTransport, failure.CodeHandshakeTimeout, "no session confirmation", err)
	}

	msg, err := Decode(data)
	if err != nil {
		conn.Close()
		return nil, "", failure.New(failure.CategoryTransport, failure.CodeHandshakeTimeout, "bad handshake reply", err)
	}
	switch msg.Type {
	case TypeSessionStarted:
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})
		return conn, msg.SessionID, nil
	case TypeSessionRejected:
		conn.Close()
		reason := msg.Reason
		if reason == "" {
			reason = "session rejected"
		}
		return nil, "", failure.New(failure.CategoryAuth, failure.CodeHandshakeRejected, reason, ErrAuthRejected)
	default:
		conn.Close()
		return nil, "", failure.New(failure.CategoryTransport, failure.CodeHandshakeTimeout,
			fmt.Sprintf("unexpected %s before session_started", msg.Type), nil)
	}
}

// attach makes conn current with a fresh, empty send queue.
func (c *Client) attach(conn *websocket.Conn, sessionID string) chan []byte {
	out := make(chan []byte, c.config.SendQueue)
	c.mu.Lock()
	c.conn = conn
	c.out = out
	c.mu.Unlock()
	c.setState(ConnectionState{
		Status:        StatusConnected,
		LastHeartbeat: time.Now(),
		SessionID:     sessionID,
	})
	return out
}

// supervise serves the current connection and reconnects after drops
// until the attempts run out or the client is closed.
func (c *Client) supervise(conn *websocket.Conn, out chan []byte) {
	defer c.wg.Done()

	for {
		err := c.serve(conn, out)
		if c.ctx.Err() != nil || c.isClosing() {
			return
		}

		c.logger.Warn().Err(err).Msg("Session transport dropped, reconnecting")
		c.mu.Lock()
		c.conn = nil
		c.out = nil
		c.mu.Unlock()
		c.setState(ConnectionState{Status: StatusReconnecting})

		conn, out, err = c.reconnect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Session transport gave up")
			c.setState(ConnectionState{Status: StatusClosed, Err: err})
			return
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, chan []byte, error) {
	var conn *websocket.Conn
	var sessionID string

	err := resilience.Reconnect(c.ctx, func(ctx context.Context, attempt int) error {
		c.setState(ConnectionState{Status: StatusReconnecting, ReconnectAttempt: attempt})
		cn, sid, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			if fe, ok := failure.As(err); ok && fe.Category == failure.CategoryAuth {
				return resilience.Permanent(err)
			}
			return err
		}
		conn, sessionID = cn, sid
		return nil
	}, c.config.Reconnect)

	if err != nil {
		if _, ok := failure.As(err); ok && !errors.Is(err, resilience.ErrAttemptsExhausted) {
			return nil, nil, err
		}
		if c.ctx.Err() != nil {
			return nil, nil, c.ctx.Err()
		}
		return nil, nil, failure.New(failure.CategoryTransport, failure.CodeReconnectExhausted, "reconnect attempts exhausted", err)
	}

	return conn, c.attach(conn, sessionID), nil
}

// serve runs the read loop, the writer and the heartbeat for one
// connection and returns why it ended. A pong must arrive within
// PongTimeout of its ping; MaxMissedPongs misses in a row end the
// connection.
func (c *Client) serve(conn *websocket.Conn, out chan []byte) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	stopWriter := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(conn, out, stopWriter)
	}()
	defer func() {
		close(stopWriter)
		<-writerDone
	}()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	var pingSent time.Time
	var pongDue <-chan time.Time
	missed := 0
	// checkPong reports whether the heartbeat has failed.
	checkPong := func() bool {
		pongDue = nil
		if c.State().LastHeartbeat.Before(pingSent) {
			missed++
			c.logger.Debug().Int("missed", missed).Msg("Pong overdue")
		} else {
			missed = 0
		}
		return missed >= c.config.MaxMissedPongs
	}

	for {
		select {
		case <-c.ctx.Done():
			conn.Close()
			<-readErr
			return c.ctx.Err()
		case err := <-readErr:
			conn.Close()
			return err
		case <-pongDue:
			if checkPong() {
				conn.Close()
				<-readErr
				return errHeartbeatTimeout
			}
			continue
		case <-ticker.C:
		}

		if pongDue != nil && checkPong() {
			conn.Close()
			<-readErr
			return errHeartbeatTimeout
		}

		pingSent = time.Now()
		if err := conn.WriteControl(websocket.PingMessage, nil, pingSent.Add(writeWait)); err != nil {
			conn.Close()
			<-readErr
			return err
		}
		pongDue = time.After(c.config.PongTimeout)
	}
}

// writeLoop is the only writer of data frames on conn. A failed write
// closes the connection so the read loop ends and a reconnect follows.
func (c *Client) writeLoop(conn *websocket.Conn, out <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to write message")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed message")
			continue
		}

		switch msg.Type {
		case TypePing:
			_ = c.Send(Message{Type: TypePong})
			continue
		case TypePong:
			c.touch()
			continue
		}

		c.handlerMu.RLock()
		handler := c.onMessage
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Client) touch() {
	c.mu.Lock()
	c.state.LastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Client) setState(state ConnectionState) {
	c.mu.Lock()
	if state.LastHeartbeat.IsZero() {
		state.LastHeartbeat = c.state.LastHeartbeat
	}
	if state.SessionID == "" && state.Status != StatusClosed {
		state.SessionID = c.state.SessionID
	}
	c.state = state
	c.mu.Unlock()

	c.handlerMu.RLock()
	handler := c.onState
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(state)
	}
}
