// Package panel owns the websocket session to the control panel: it tags
// outbound requests with correlation IDs, demultiplexes the single inbound
// stream into per-request replies, and forwards everything else to the
// entity store's ingestion worker.
package panel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"laresbridge/internal/clock"
	"laresbridge/internal/frame"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrTimeout means a correlated request got no matching reply within
	// its deadline. It is the only protocol error surfaced to callers.
	ErrTimeout = errors.New("timeout waiting for panel reply")

	// ErrNotConnected means no panel session is established.
	ErrNotConnected = errors.New("not connected to panel")
)

// Matcher decides whether an inbound frame satisfies a pending request.
//
// Tolerant matchers accept a verb match even when the echoed ID differs,
// because some panel firmware does not echo request IDs faithfully. This is
// a deliberate compatibility workaround: with two same-verb requests in
// flight against such firmware, replies can be misattributed. Callers that
// cannot tolerate that must use a strict matcher.
type Matcher func(f *frame.Frame) bool

// StateSink receives full-read payloads and connectivity transitions. The
// entity store implements it.
type StateSink interface {
	ApplyReadPayload(payload map[string]any)
	SetConnected(connected bool)
}

// Options configures a Client.
type Options struct {
	Host    string
	Port    int
	Secure  bool
	PIN     string
	Sender  string

	RequestTimeout     time.Duration // correlated request deadline, default 10s
	CommandTimeout     time.Duration // fire-and-forget watchdog, default 60s
	ZonesPollInterval  time.Duration // default 5s
	ThermoPollInterval time.Duration // default 15s
	ReconnectCooldown  time.Duration // wait after a clean close, default 8s
}

func (o *Options) defaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 60 * time.Second
	}
	if o.ZonesPollInterval <= 0 {
		o.ZonesPollInterval = 5 * time.Second
	}
	if o.ThermoPollInterval <= 0 {
		o.ThermoPollInterval = 15 * time.Second
	}
	if o.ReconnectCooldown <= 0 {
		o.ReconnectCooldown = 8 * time.Second
	}
}

// pending is one ephemeral correlation record: created on send, removed when
// its reply arrives or its deadline fires.
type pending struct {
	id       string
	verb     string // expected reply verb, "" when only the matcher knows
	match    Matcher
	done     chan *frame.Frame
	issuedAt time.Time
}

// Client is the correlation layer over one duplex panel connection.
type Client struct {
	opts   Options
	logger *zap.Logger
	clk    clock.Clock
	sink   StateSink

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	loginID   string
	reconnect bool

	stop     chan struct{}
	stopOnce sync.Once

	writeMu sync.Mutex

	cmdIDMu sync.Mutex
	cmdID   int

	pendingMu sync.Mutex
	pendings  []*pending

	unhandled chan *frame.Frame

	pollOnce sync.Once
}

// NewClient creates a panel client. Frames that match no pending request are
// delivered on Unhandled(); the caller must drain it.
func NewClient(opts Options, sink StateSink, clk clock.Clock, logger *zap.Logger) *Client {
	opts.defaults()
	if opts.Sender == "" {
		opts.Sender = frame.Sender
	}
	return &Client{
		opts:      opts,
		logger:    logger,
		clk:       clk,
		sink:      sink,
		stop:      make(chan struct{}),
		reconnect: true,
		unhandled: make(chan *frame.Frame, 256),
	}
}

// Unhandled returns the channel carrying frames that matched no pending
// request. Handing the store a channel rather than a callback keeps the
// no-throw contract structural: nothing downstream can break the read loop.
func (c *Client) Unhandled() <-chan *frame.Frame { return c.unhandled }

// IsConnected reports whether a panel session is established.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// LoginID returns the session ID assigned by the panel at login.
func (c *Client) LoginID() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.loginID
}

// nextID allocates a correlation ID. The counter is owned by the client and
// guarded here; IDs are never reused while a record for them is pending.
func (c *Client) nextID() string {
	c.cmdIDMu.Lock()
	defer c.cmdIDMu.Unlock()
	c.cmdID++
	return fmt.Sprintf("%d", c.cmdID)
}

// Connect dials the panel, logs in, performs the initial synchronization
// (system version, full read, realtime registration) and starts the reader
// and pollers.
func (c *Client) Connect() error {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	scheme := "ws"
	dialer := websocket.Dialer{
		Subprotocols:     []string{"KS_WSOCK"},
		HandshakeTimeout: 10 * time.Second,
	}
	if c.opts.Secure {
		scheme = "wss"
		// Panels ship self-signed certificates.
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	url := fmt.Sprintf("%s://%s:%d/KseniaWsock", scheme, c.opts.Host, c.opts.Port)

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to panel: %w", err)
	}

	loginID, err := c.login(conn)
	if err != nil {
		conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("panel login failed: %w", err)
	}

	c.conn = conn
	c.loginID = loginID
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to panel", zap.String("login_id", loginID))

	go c.readLoop(conn)
	c.connMu.Unlock()

	if err := c.initialSync(); err != nil {
		c.logger.Warn("Initial sync incomplete", zap.Error(err))
	}

	c.sink.SetConnected(true)
	c.pollOnce.Do(func() {
		go c.pollZones()
		go c.pollThermostats()
	})
	return nil
}

// login runs the LOGIN exchange synchronously on the fresh connection,
// before the read loop takes ownership of the receive side.
func (c *Client) login(conn *websocket.Conn) (string, error) {
	req, err := c.buildFrame("LOGIN", c.nextID(), "USER", map[string]any{"PIN": c.opts.PIN})
	if err != nil {
		return "", err
	}
	data, err := req.Encode()
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", fmt.Errorf("send login: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read login reply: %w", err)
	}
	resp, err := frame.Decode(raw)
	if err != nil {
		return "", err
	}
	payload := resp.PayloadMap()
	if fmt.Sprint(payload["RESULT"]) != "OK" {
		return "", fmt.Errorf("panel rejected login: %v", payload["RESULT"])
	}
	loginID := fmt.Sprint(payload["ID_LOGIN"])
	if loginID == "" || loginID == "<nil>" {
		return "", fmt.Errorf("login reply missing ID_LOGIN")
	}
	return loginID, nil
}

// initialSync fetches the version and full configuration snapshot, then
// registers for realtime pushes. The registration reply carries the initial
// realtime state; it is forwarded to the ingestion path like any push.
func (c *Client) initialSync() error {
	if version, err := c.SystemVersion(); err != nil {
		c.logger.Warn("System version read failed", zap.Error(err))
	} else {
		c.logger.Info("Panel version",
			zap.Any("model", version["MODEL"]), zap.Any("fw", version["FW"]))
	}

	payload, err := c.ReadAll()
	if err != nil {
		return fmt.Errorf("initial read: %w", err)
	}
	c.sink.ApplyReadPayload(payload)

	initial, err := c.RegisterRealtime()
	if err != nil {
		return fmt.Errorf("realtime registration: %w", err)
	}
	if initial != nil {
		initial.Cmd = "REALTIME"
		c.forwardUnhandled(initial)
	}
	return nil
}

func (c *Client) buildFrame(cmd, id, payloadType string, payload map[string]any) (*frame.Frame, error) {
	f, err := frame.New(cmd, id, payloadType, payload, c.clk.Now().Unix())
	if err != nil {
		return nil, err
	}
	f.Sender = c.opts.Sender
	return f, nil
}

// send encodes and writes one frame under the write lock.
func (c *Client) send(f *frame.Frame) error {
	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := f.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", f.Cmd, err)
	}
	return nil
}

// SendAndAwait transmits a request built with a fresh correlation ID and
// suspends the caller until an inbound frame satisfies the matcher returned
// by makeMatcher, or the timeout elapses. A timed-out record is removed so a
// late reply routes to the unhandled sink instead of a dead caller.
func (c *Client) SendAndAwait(cmd, payloadType string, payload map[string]any, makeMatcher func(id string) Matcher, timeout time.Duration) (*frame.Frame, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	id := c.nextID()
	req, err := c.buildFrame(cmd, id, payloadType, payload)
	if err != nil {
		return nil, err
	}

	p := c.register(id, cmd+"_RES", makeMatcher(id))
	if err := c.send(req); err != nil {
		c.remove(p)
		return nil, err
	}

	select {
	case f := <-p.done:
		return f, nil
	case <-c.clk.After(timeout):
		c.remove(p)
		return nil, fmt.Errorf("%s: %w", cmd, ErrTimeout)
	case <-c.stop:
		c.remove(p)
		return nil, ErrNotConnected
	}
}

// FireAndForget transmits a request and returns a completion channel without
// blocking. A watchdog drops the pending record after the command timeout;
// the channel is then closed without a value.
func (c *Client) FireAndForget(cmd, payloadType string, payload map[string]any, makeMatcher func(id string) Matcher) (<-chan *frame.Frame, string, error) {
	id := c.nextID()
	req, err := c.buildFrame(cmd, id, payloadType, payload)
	if err != nil {
		return nil, "", err
	}

	p := c.register(id, cmd+"_RES", makeMatcher(id))
	if err := c.send(req); err != nil {
		c.remove(p)
		return nil, "", err
	}

	c.clk.AfterFunc(c.opts.CommandTimeout, func() {
		if c.remove(p) {
			c.logger.Error("Command timed out, dropping pending record",
				zap.String("command_id", id))
			close(p.done)
		}
	})
	return p.done, id, nil
}

// register creates the pending record. At most one live record exists per
// correlation ID because IDs are never reused while outstanding.
func (c *Client) register(id, verb string, match Matcher) *pending {
	p := &pending{
		id:       id,
		verb:     verb,
		match:    match,
		done:     make(chan *frame.Frame, 1),
		issuedAt: c.clk.Now(),
	}
	c.pendingMu.Lock()
	c.pendings = append(c.pendings, p)
	c.pendingMu.Unlock()
	return p
}

// remove deletes a pending record; returns false when the record was
// already resolved or removed.
func (c *Client) remove(p *pending) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, cand := range c.pendings {
		if cand == p {
			c.pendings = append(c.pendings[:i], c.pendings[i+1:]...)
			return true
		}
	}
	return false
}

// readLoop is the single reader draining the inbound channel. A frame
// resolves at most one pending request; everything else goes to the
// unhandled sink. Malformed frames are logged and skipped, never fatal.
func (c *Client) readLoop(conn *websocket.Conn) {
	idleLimit := 60 * time.Second
	conn.SetReadDeadline(time.Now().Add(idleLimit))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleLimit))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.keepAlive(conn, stopPing)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleLimit))

		f, err := frame.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

// keepAlive pings the socket while it is idle so dead connections are
// detected instead of hanging the reader forever.
func (c *Client) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("Keep-alive ping failed", zap.Error(err))
				return
			}
		}
	}
}

// dispatch routes one inbound frame: first pending matcher wins, in issue
// order. A command reply that matches no record is attributed to a sole
// same-verb pending as a firmware compatibility fallback; anything else is
// unhandled traffic.
func (c *Client) dispatch(f *frame.Frame) {
	c.pendingMu.Lock()
	for i, p := range c.pendings {
		if p.match(f) {
			c.pendings = append(c.pendings[:i], c.pendings[i+1:]...)
			c.pendingMu.Unlock()
			p.done <- f
			return
		}
	}

	if f.Cmd == "CMD_USR_RES" {
		var sole *pending
		count := 0
		for _, p := range c.pendings {
			if p.verb == "CMD_USR_RES" {
				sole = p
				count++
			}
		}
		if count == 1 {
			c.removeLocked(sole)
			c.pendingMu.Unlock()
			c.logger.Warn("Command reply id mismatch, attributing to sole pending command",
				zap.String("got", f.ID), zap.String("pending", sole.id))
			sole.done <- f
			return
		}
	}
	c.pendingMu.Unlock()

	c.forwardUnhandled(f)
}

func (c *Client) removeLocked(p *pending) {
	for i, cand := range c.pendings {
		if cand == p {
			c.pendings = append(c.pendings[:i], c.pendings[i+1:]...)
			return
		}
	}
}

// forwardUnhandled hands a frame to the ingestion channel. A full channel
// drops the frame: degrading to a stale field beats blocking the reader.
func (c *Client) forwardUnhandled(f *frame.Frame) {
	select {
	case c.unhandled <- f:
	default:
		c.logger.Warn("Ingestion queue full, dropping frame", zap.String("cmd", f.Cmd))
	}
}

// handleDisconnect tears the session down and, unless Disconnect was
// requested, starts the reconnect loop.
func (c *Client) handleDisconnect(cause error) {
	c.connMu.Lock()
	if !c.connected {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	shouldReconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Error("Panel connection lost", zap.Error(cause))
	c.sink.SetConnected(false)

	if !shouldReconnect {
		return
	}

	// Some panels reject reconnection for a while after a clean close.
	cooldown := time.Duration(0)
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		cooldown = c.opts.ReconnectCooldown
	}
	go c.attemptReconnect(cooldown)
}

// Reconnect starts the background reconnect loop. Used when the initial
// connection attempt fails; later disconnects restart the loop on their own.
func (c *Client) Reconnect() {
	c.attemptReconnect(0)
}

// attemptReconnect retries with exponential backoff until connected or the
// client is stopped.
func (c *Client) attemptReconnect(initialDelay time.Duration) {
	backoff := 2 * time.Second
	maxBackoff := 60 * time.Second
	if initialDelay > 0 {
		select {
		case <-c.stop:
			return
		case <-c.clk.After(initialDelay):
		}
	}

	for {
		c.logger.Info("Attempting to reconnect to panel...")
		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			select {
			case <-c.stop:
				return
			case <-c.clk.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		c.logger.Info("Reconnected to panel")
		return
	}
}

// Disconnect closes the session and disables reconnection.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	c.reconnect = false
	c.stopOnce.Do(func() { close(c.stop) })
	wasConnected := c.connected
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	if wasConnected {
		c.sink.SetConnected(false)
		c.logger.Info("Disconnected from panel")
	}
	return nil
}
