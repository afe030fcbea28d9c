package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sfplink/internal/fault"
	"sfplink/internal/profile"
)

// State is the proxy socket lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Reconnection defaults: 1s, 2s, 4s, 8s, 16s, then terminal.
const (
	DefaultInitialBackoff       = time.Second
	DefaultMaxReconnectAttempts = 5
)

// BackoffDelay returns the reconnect delay for the given zero-based
// attempt number: initial doubled per attempt.
func BackoffDelay(initial time.Duration, attempt int) time.Duration {
	return initial << uint(attempt)
}

// ProxyOptions configures the WebSocket relay adapter.
type ProxyOptions struct {
	Endpoint       string
	InitialBackoff time.Duration // DefaultInitialBackoff when zero
	MaxAttempts    int           // DefaultMaxReconnectAttempts when zero
	AckTimeout     time.Duration // wait for the relay's connected ack
	Logger         *logrus.Logger
}

// Proxy relays BLE traffic through a WebSocket endpoint speaking the
// JSON envelope protocol. An unexpected socket closure triggers
// exponential-backoff reconnection; an explicit Disconnect is final.
type Proxy struct {
	opts ProxyOptions
	log  *logrus.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	prof         profile.Profile
	frames       chan []byte
	framesClosed bool
	attempts     int
	retryTimer   *time.Timer
	noReconnect  bool
	pendingAcks  []chan error
	readCancel   context.CancelFunc
}

// NewProxy creates a proxy transport adapter.
func NewProxy(opts ProxyOptions) *Proxy {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultStageTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Proxy{
		opts:  opts,
		log:   log,
		state: StateIdle,
	}
}

// State returns the current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Connect dials the relay, asks it to connect to the device described by
// the profile, and subscribes to the notify characteristic. The returned
// channel delivers notification payloads across reconnects and is closed
// exactly once when the transport gives up or is explicitly closed.
func (p *Proxy) Connect(ctx context.Context, prof profile.Profile) (<-chan []byte, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.state != StateIdle && p.state != StateDisconnected {
		p.mu.Unlock()
		return nil, fmt.Errorf("proxy already connected (state %s)", p.state)
	}
	p.state = StateConnecting
	p.prof = prof
	p.frames = make(chan []byte, 32)
	p.framesClosed = false
	p.noReconnect = false
	p.attempts = 0
	frames := p.frames
	p.mu.Unlock()

	if err := p.dial(ctx); err != nil {
		p.mu.Lock()
		p.state = StateDisconnected
		p.closeFramesLocked()
		p.mu.Unlock()
		return nil, err
	}
	return frames, nil
}

// dial establishes the socket, performs the connect/subscribe handshake,
// and starts the read loop.
func (p *Proxy) dial(ctx context.Context) error {
	p.mu.Lock()
	endpoint := p.opts.Endpoint
	prof := p.prof
	p.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fault.Wrap(fault.Capability, "proxy dial", err)
	}
	// EEPROM dumps exceed the default read limit.
	conn.SetReadLimit(1 << 20)

	ack := make(chan error, 1)

	readCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.conn = conn
	p.readCancel = cancel
	p.pendingAcks = append(p.pendingAcks, ack)
	p.mu.Unlock()

	go p.readLoop(readCtx, conn)

	hsCtx, hsCancel := context.WithTimeout(ctx, p.opts.AckTimeout)
	defer hsCancel()

	err = wsjson.Write(hsCtx, conn, Envelope{
		Type:          MsgConnect,
		ServiceUUID:   prof.ServiceUUID,
		DeviceAddress: prof.DeviceAddress,
	})
	if err != nil {
		p.dropAck(ack)
		conn.Close(websocket.StatusInternalError, "handshake write failed")
		return fmt.Errorf("failed to send connect: %w", err)
	}

	select {
	case err := <-ack:
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "connect rejected")
			return err
		}
	case <-hsCtx.Done():
		p.dropAck(ack)
		conn.Close(websocket.StatusNormalClosure, "connect ack timeout")
		return fault.TimeoutOp("Proxy connect")
	}

	err = wsjson.Write(hsCtx, conn, Envelope{
		Type:               MsgSubscribe,
		CharacteristicUUID: prof.NotifyCharUUID,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	p.mu.Lock()
	p.state = StateConnected
	p.attempts = 0
	p.mu.Unlock()

	p.log.WithField("endpoint", endpoint).Info("proxy connected")
	return nil
}

// readLoop consumes envelopes until the socket closes. Malformed JSON is
// logged and dropped; it never terminates the transport.
func (p *Proxy) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.onSocketClosed(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.log.WithError(err).Warn("dropping malformed relay frame")
			continue
		}
		p.handleEnvelope(env)
	}
}

func (p *Proxy) handleEnvelope(env Envelope) {
	switch env.Type {
	case MsgConnected:
		p.resolveAck(nil)
	case MsgError:
		p.log.WithField("error", env.Error).Warn("relay reported error")
		p.resolveAck(fault.Newf(fault.Protocol, "relay error: %s", env.Error))
	case MsgNotification:
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			p.log.WithError(err).Warn("dropping notification with bad base64")
			return
		}
		p.mu.Lock()
		frames := p.frames
		closed := p.framesClosed
		p.mu.Unlock()
		if closed {
			return
		}
		select {
		case frames <- payload:
		default:
			p.log.Warn("dropped notification: frame buffer full")
		}
	case MsgStatus:
		p.log.WithField("message", env.Message).Debug("relay status")
	case MsgDisconnected:
		p.log.WithField("reason", env.Reason).Info("relay reports device disconnected")
	default:
		p.log.WithField("type", env.Type).Debug("ignoring relay envelope")
	}
}

// dropAck removes an abandoned pending operation so a late relay reply
// cannot settle the wrong one.
func (p *Proxy) dropAck(ack chan error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.pendingAcks {
		if a == ack {
			p.pendingAcks = append(p.pendingAcks[:i], p.pendingAcks[i+1:]...)
			return
		}
	}
}

// resolveAck settles the oldest pending operation.
func (p *Proxy) resolveAck(err error) {
	p.mu.Lock()
	var ack chan error
	if len(p.pendingAcks) > 0 {
		ack = p.pendingAcks[0]
		p.pendingAcks = p.pendingAcks[1:]
	}
	p.mu.Unlock()
	if ack != nil {
		ack <- err
	}
}

// onSocketClosed runs the reconnect path unless reconnection has been
// disabled by an explicit disconnect. Closures during an in-flight dial
// are handled by the dial's own error path.
func (p *Proxy) onSocketClosed(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noReconnect || p.state == StateDisconnected || p.state == StateConnecting {
		return
	}
	p.scheduleReconnectLocked(cause)
}

// scheduleReconnectLocked arms the next backoff timer or gives up once
// the attempt ceiling is hit. Caller holds p.mu.
func (p *Proxy) scheduleReconnectLocked(cause error) {
	if p.attempts >= p.opts.MaxAttempts {
		p.log.WithError(cause).Error("reconnect attempts exhausted")
		p.finalizeLocked()
		return
	}

	delay := BackoffDelay(p.opts.InitialBackoff, p.attempts)
	p.attempts++
	p.state = StateReconnecting
	p.retryTimer = time.AfterFunc(delay, p.retryDial)

	p.log.WithFields(logrus.Fields{
		"attempt": p.attempts,
		"delay":   delay,
	}).Warn("proxy socket closed, scheduling reconnect")
}

// retryDial is the timer body for a scheduled reconnect.
func (p *Proxy) retryDial() {
	p.mu.Lock()
	if p.noReconnect {
		p.mu.Unlock()
		return
	}
	p.state = StateConnecting
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.AckTimeout)
	defer cancel()
	if err := p.dial(ctx); err != nil {
		p.log.WithError(err).Warn("reconnect attempt failed")
		p.mu.Lock()
		if !p.noReconnect && p.state != StateDisconnected {
			p.scheduleReconnectLocked(err)
		}
		p.mu.Unlock()
	}
}

// finalizeLocked moves to the terminal disconnected state: every pending
// operation rejects with a connection-lost fault and the frame channel
// closes. Caller holds p.mu.
func (p *Proxy) finalizeLocked() {
	p.state = StateDisconnected
	for _, ack := range p.pendingAcks {
		ack <- fault.New(fault.ConnectionLost, "proxy connection lost")
	}
	p.pendingAcks = nil
	p.closeFramesLocked()
}

func (p *Proxy) closeFramesLocked() {
	if p.frames != nil && !p.framesClosed {
		close(p.frames)
		p.framesClosed = true
	}
}

// Write sends one payload to the device's write characteristic through
// the relay.
func (p *Proxy) Write(ctx context.Context, data []byte) error {
	return p.writeEnvelope(ctx, data, false)
}

func (p *Proxy) writeEnvelope(ctx context.Context, data []byte, withResponse bool) error {
	p.mu.Lock()
	conn := p.conn
	state := p.state
	prof := p.prof
	p.mu.Unlock()

	if conn == nil || state != StateConnected {
		return fault.New(fault.ConnectionLost, "proxy not connected")
	}
	return wsjson.Write(ctx, conn, Envelope{
		Type:               MsgWrite,
		CharacteristicUUID: prof.WriteCharUUID,
		Data:               base64.StdEncoding.EncodeToString(data),
		WithResponse:       withResponse,
	})
}

// WriteChunks streams data through the relay in fixed-size fragments.
func (p *Proxy) WriteChunks(ctx context.Context, data []byte, opts ChunkOptions) error {
	return writeInChunks(ctx, data, opts, func(chunk []byte) error {
		return p.writeEnvelope(ctx, chunk, opts.WithResponse)
	})
}

// Discover asks the relay to scan for nearby devices on its side of the
// link. Runs on its own short-lived socket, independent of any active
// connection.
func (p *Proxy) Discover(ctx context.Context, timeout time.Duration) ([]DiscoveredPeer, error) {
	conn, _, err := websocket.Dial(ctx, p.opts.Endpoint, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Capability, "proxy dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "discover done")
	conn.SetReadLimit(1 << 20)

	err = wsjson.Write(ctx, conn, Envelope{
		Type:    MsgDiscover,
		Timeout: timeout.Seconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send discover: %w", err)
	}

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return nil, fmt.Errorf("discover read failed: %w", err)
		}
		switch env.Type {
		case MsgDiscovered:
			return env.Devices, nil
		case MsgError:
			return nil, fault.Newf(fault.Protocol, "relay error: %s", env.Error)
		default:
			// Status chatter while the relay scans.
		}
	}
}

// Disconnect permanently disables reconnection, cancels any scheduled
// retry, and closes the socket. Idempotent: repeated calls are no-ops.
func (p *Proxy) Disconnect() error {
	p.mu.Lock()
	if p.noReconnect || p.state == StateDisconnected && p.framesClosed {
		p.mu.Unlock()
		return nil
	}
	p.noReconnect = true
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	conn := p.conn
	readCancel := p.readCancel
	p.conn = nil
	p.readCancel = nil
	p.finalizeLocked()
	p.mu.Unlock()

	if conn != nil {
		// Best-effort polite goodbye; the relay disconnects the device.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = wsjson.Write(ctx, conn, Envelope{Type: MsgDisconnect})
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if readCancel != nil {
		readCancel()
	}
	return nil
}
