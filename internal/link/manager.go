package link

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sfplink/internal/fault"
	"sfplink/internal/framing"
	"sfplink/internal/profile"
	"sfplink/internal/transport"
	"sfplink/internal/util"
)

// Mode selects which transport the manager drives.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeDirect Mode = "direct"
	ModeProxy  Mode = "proxy"
)

// ConnState is the manager's connection lifecycle state.
type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
)

// DefaultPollInterval is how often the manager queries device status
// while connected.
const DefaultPollInterval = 5 * time.Second

// DefaultFirmwareBaseline is the newest firmware this client was tested
// against.
const DefaultFirmwareBaseline = "1.1.1"

// Textual device commands and the response lines that acknowledge them.
const (
	cmdStatus      = "[GET] /stats"
	cmdTransferSt  = "[POST] /sif/start"
	cmdWriteCommit = "[POST] /sif/write"

	ackReady   = "sif: ready"
	ackWriteOK = "sif: write ok"
)

// ModuleStore is the minimal contract the manager needs from the module
// CRUD layer: fetch an EEPROM image by id, persist a freshly read one.
type ModuleStore interface {
	FetchModuleEEPROM(id string) ([]byte, error)
	SaveModule(img *framing.Image) (string, error)
}

// ProfileStore is the durable single-slot active-profile store.
type ProfileStore interface {
	LoadActive() (*profile.Profile, error)
	SaveActive(profile.Profile) error
}

// Options configures a Manager. Zero values pick the documented
// defaults; the factory fields exist so tests can substitute a fake
// transport.
type Options struct {
	Profiles ProfileStore
	Modules  ModuleStore

	ProxyEndpoint      string
	PollInterval       time.Duration
	CorrelationTimeout time.Duration
	StageTimeout       time.Duration
	ChunkSize          int
	ChunkDelay         time.Duration
	WithResponse       bool
	FirmwareBaseline   string

	Logger   *logrus.Logger
	OnState  func(ConnState)
	OnStatus func(StatusSnapshot)

	DirectFactory   func() transport.Transport
	ProxyFactory    func() transport.Transport
	DirectAvailable func() bool
}

// Manager owns the active connection. It is the only component allowed
// to mutate the connection handle, the pending-correlation set, and the
// polling timer; everything else goes through its methods.
type Manager struct {
	opts Options
	log  *logrus.Logger
	corr *Correlator

	mu         sync.Mutex
	state      ConnState
	connecting bool
	tr         transport.Transport
	frames     <-chan []byte
	binCh      chan []byte
	pollStop   chan struct{}
	last       *StatusSnapshot

	pollInFlight atomic.Bool
}

// New creates a disconnected Manager.
func New(opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CorrelationTimeout <= 0 {
		opts.CorrelationTimeout = DefaultCorrelationTimeout
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = transport.DefaultStageTimeout
	}
	if opts.FirmwareBaseline == "" {
		opts.FirmwareBaseline = DefaultFirmwareBaseline
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.DirectAvailable == nil {
		opts.DirectAvailable = transport.DirectAvailable
	}
	if opts.DirectFactory == nil {
		opts.DirectFactory = func() transport.Transport {
			return transport.NewDirect(transport.DirectOptions{
				StageTimeout: opts.StageTimeout,
				Logger:       log,
			})
		}
	}
	if opts.ProxyFactory == nil {
		opts.ProxyFactory = func() transport.Transport {
			return transport.NewProxy(transport.ProxyOptions{
				Endpoint:   opts.ProxyEndpoint,
				AckTimeout: opts.StageTimeout,
				Logger:     log,
			})
		}
	}
	return &Manager{
		opts:  opts,
		log:   log,
		corr:  NewCorrelator(),
		state: Disconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastStatus returns the most recent status snapshot, or nil before the
// first successful poll.
func (m *Manager) LastStatus() *StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	cb := m.opts.OnState
	m.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

// SetHandlers installs the state-change and status callbacks. Both fire
// from manager goroutines; install them before Connect.
func (m *Manager) SetHandlers(onState func(ConnState), onStatus func(StatusSnapshot)) {
	m.mu.Lock()
	m.opts.OnState = onState
	m.opts.OnStatus = onStatus
	m.mu.Unlock()
}

// Connect establishes a connection in the requested mode. Any prior
// active connection is torn down first, so at most one exists at a time.
// A second Connect while one is in flight is rejected rather than
// allowed to race for the connection slot.
func (m *Manager) Connect(ctx context.Context, mode Mode) error {
	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		return fmt.Errorf("connect already in progress")
	}
	m.connecting = true
	active := m.tr != nil
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	if active {
		if err := m.Disconnect(); err != nil {
			m.log.WithError(err).Warn("teardown of prior connection reported error")
		}
	}

	m.setState(Connecting)

	prof, err := m.resolveProfile()
	if err != nil {
		m.setState(Disconnected)
		return err
	}

	tr, err := m.pickTransport(mode)
	if err != nil {
		m.setState(Disconnected)
		return err
	}

	frames, err := tr.Connect(ctx, prof)
	if err != nil {
		m.setState(Disconnected)
		return err
	}

	binCh := make(chan []byte, 4)
	pollStop := make(chan struct{})

	m.mu.Lock()
	m.tr = tr
	m.frames = frames
	m.binCh = binCh
	m.pollStop = pollStop
	m.last = nil
	m.mu.Unlock()

	go m.readLoop(tr, frames, binCh)
	go m.pollLoop(pollStop)

	m.setState(Connected)
	m.log.WithField("mode", mode).Info("connected")
	return nil
}

// resolveProfile loads the persisted active profile, falling back to the
// stock defaults.
func (m *Manager) resolveProfile() (profile.Profile, error) {
	if m.opts.Profiles != nil {
		p, err := m.opts.Profiles.LoadActive()
		if err != nil {
			return profile.Profile{}, fmt.Errorf("failed to load profile: %w", err)
		}
		if p != nil {
			return *p, p.Validate()
		}
	}
	return profile.Default(), nil
}

// pickTransport applies the mode selection policy: direct when the host
// has Bluetooth, proxy as the fallback, capability error when neither
// can serve.
func (m *Manager) pickTransport(mode Mode) (transport.Transport, error) {
	switch mode {
	case ModeDirect:
		if !m.opts.DirectAvailable() {
			return nil, fault.New(fault.Capability,
				"Bluetooth is unavailable in this environment; use the proxy transport")
		}
		return m.opts.DirectFactory(), nil
	case ModeProxy:
		if m.opts.ProxyEndpoint == "" {
			return nil, fault.New(fault.Capability, "no proxy endpoint configured")
		}
		return m.opts.ProxyFactory(), nil
	case ModeAuto, "":
		if m.opts.DirectAvailable() {
			return m.opts.DirectFactory(), nil
		}
		if m.opts.ProxyEndpoint != "" {
			m.log.Info("Bluetooth unavailable, falling back to proxy")
			return m.opts.ProxyFactory(), nil
		}
		return nil, fault.New(fault.Capability,
			"no usable transport: Bluetooth is unavailable and no proxy endpoint is configured")
	default:
		return nil, fmt.Errorf("unknown connection mode %q", mode)
	}
}

// Disconnect tears the active connection down: polling stops, every
// pending correlation is force-rejected, the connection handle clears,
// and the state change fires. All four happen before this returns.
func (m *Manager) Disconnect() error {
	return m.teardown(nil)
}

// teardown is the single disconnect path, shared by caller-initiated
// disconnects and transport-reported losses. When expect is non-nil the
// teardown only applies if that transport is still the active one.
func (m *Manager) teardown(expect transport.Transport) error {
	m.mu.Lock()
	if expect != nil && m.tr != expect {
		m.mu.Unlock()
		return nil
	}
	tr := m.tr
	pollStop := m.pollStop
	m.tr = nil
	m.frames = nil
	m.binCh = nil
	m.pollStop = nil
	m.mu.Unlock()

	if tr == nil {
		return nil
	}

	if pollStop != nil {
		close(pollStop)
	}
	m.corr.FailAll(fault.New(fault.ConnectionLost, "connection closed"))
	err := tr.Disconnect()
	m.setState(Disconnected)
	m.log.Info("disconnected")
	return err
}

// readLoop is the single consumer of the transport's inbound frames. It
// classifies each payload and routes text lines to the correlator and
// binary payloads to whoever is waiting on a transfer. Channel closure
// means the transport disconnected.
func (m *Manager) readLoop(tr transport.Transport, frames <-chan []byte, binCh chan []byte) {
	for buf := range frames {
		frame := framing.Classify(buf)
		if frame.Kind == framing.Text {
			for _, line := range strings.Split(string(frame.Payload), "\n") {
				line = strings.TrimRight(line, "\r")
				if line == "" {
					continue
				}
				if !m.corr.Dispatch(line) {
					m.log.WithField("line", line).Debug("unclaimed device line")
				}
			}
			continue
		}

		if m.log.IsLevelEnabled(logrus.DebugLevel) {
			m.log.Debugf("binary frame (%d bytes):\n%s", len(frame.Payload), util.HexDump(frame.Payload))
		}
		select {
		case binCh <- frame.Payload:
		default:
			m.log.WithField("bytes", len(frame.Payload)).Warn("dropping binary frame: no reader")
		}
	}
	if err := m.teardown(tr); err != nil {
		m.log.WithError(err).Debug("teardown after transport loss")
	}
}

// pollLoop queries device status every interval. A tick still in flight
// when the next interval fires is not stacked; per-tick failures are
// logged and polling continues.
func (m *Manager) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.pollInFlight.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer m.pollInFlight.Store(false)
				if err := m.pollOnce(); err != nil {
					m.log.WithError(err).Debug("status poll failed")
				}
			}()
		}
	}
}

// pollOnce issues one status query and records the snapshot.
func (m *Manager) pollOnce() error {
	pending := m.corr.Expect(sysmonPrefix, m.opts.CorrelationTimeout)
	if err := m.SendCommand(cmdStatus); err != nil {
		m.corr.Cancel(pending, err)
		return err
	}
	line, err := pending.Wait()
	if err != nil {
		return err
	}

	snap, err := ParseSysmon(line)
	if err != nil {
		return err
	}

	m.mu.Lock()
	first := m.last == nil
	m.last = snap
	onStatus := m.opts.OnStatus
	m.mu.Unlock()

	if first {
		level, msg := CompareFirmware(snap.FirmwareVersion, m.opts.FirmwareBaseline)
		switch level {
		case CompatWarn:
			m.log.Warn(msg)
		case CompatInfo:
			m.log.Info(msg)
		}
	}
	if onStatus != nil {
		onStatus(*snap)
	}
	return nil
}

// Status issues an immediate status query and returns the snapshot.
func (m *Manager) Status() (*StatusSnapshot, error) {
	if err := m.pollOnce(); err != nil {
		return nil, err
	}
	return m.LastStatus(), nil
}

// SendCommand writes a UTF-8 command string through the active write
// channel. Fails immediately when no connection is active.
func (m *Manager) SendCommand(text string) error {
	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	if tr == nil {
		return fault.New(fault.ConnectionLost, "no active connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StageTimeout)
	defer cancel()
	return tr.Write(ctx, []byte(text))
}

// WaitForMessage blocks until an inbound text line contains the given
// substring, or the timeout elapses.
func (m *Manager) WaitForMessage(pattern string, timeout time.Duration) (string, error) {
	return m.corr.Expect(pattern, timeout).Wait()
}

// ReadModule triggers a transfer of the inserted module's EEPROM and
// parses the resulting binary notification.
func (m *Manager) ReadModule(ctx context.Context) (*framing.Image, error) {
	m.mu.Lock()
	binCh := m.binCh
	m.mu.Unlock()
	if binCh == nil {
		return nil, fault.New(fault.ConnectionLost, "no active connection")
	}

	// Drop any stale dump from an earlier transfer.
	select {
	case <-binCh:
	default:
	}

	if err := m.SendCommand(cmdTransferSt); err != nil {
		return nil, err
	}

	timer := time.NewTimer(m.opts.StageTimeout)
	defer timer.Stop()
	select {
	case payload, ok := <-binCh:
		if !ok {
			return nil, fault.New(fault.ConnectionLost, "connection closed during read")
		}
		img, err := framing.Parse(payload)
		if err != nil {
			return nil, err
		}
		return img, nil
	case <-timer.C:
		return nil, fault.TimeoutOp("EEPROM read")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteResult reports a completed chunked write.
type WriteResult struct {
	BytesWritten int
	TotalChunks  int
	// VerifyHint reminds the caller to re-read and compare; the device
	// gives no integrity guarantee of its own.
	VerifyHint string
}

// WriteModule streams a stored EEPROM image to the device: fetch, start
// command, start ack, chunked transfer with progress, commit command,
// commit ack. Any stage failure aborts the remaining stages with a
// typed error naming the stage.
func (m *Manager) WriteModule(ctx context.Context, id string, onProgress func(written, total int)) (*WriteResult, error) {
	if m.opts.Modules == nil {
		return nil, fmt.Errorf("no module store configured")
	}

	data, err := m.opts.Modules.FetchModuleEEPROM(id)
	if err != nil {
		return nil, fault.Stage("module-fetch", err)
	}

	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	if tr == nil {
		return nil, fault.New(fault.ConnectionLost, "no active connection")
	}

	// Stage 1: start ack.
	pending := m.corr.Expect(ackReady, m.opts.CorrelationTimeout)
	if err := m.SendCommand(cmdTransferSt); err != nil {
		m.corr.Cancel(pending, err)
		return nil, fault.Stage("start-ack", err)
	}
	if _, err := pending.Wait(); err != nil {
		return nil, fault.Stage("start-ack", err)
	}

	// Stage 2: chunk transfer.
	opts := transport.ChunkOptions{
		ChunkSize:    m.opts.ChunkSize,
		Delay:        m.opts.ChunkDelay,
		WithResponse: m.opts.WithResponse,
		OnProgress:   onProgress,
	}
	if err := tr.WriteChunks(ctx, data, opts); err != nil {
		return nil, fault.Stage("chunk-transfer", err)
	}

	// Stage 3: commit ack.
	pending = m.corr.Expect(ackWriteOK, m.opts.CorrelationTimeout)
	if err := m.SendCommand(cmdWriteCommit); err != nil {
		m.corr.Cancel(pending, err)
		return nil, fault.Stage("complete-ack", err)
	}
	if _, err := pending.Wait(); err != nil {
		return nil, fault.Stage("complete-ack", err)
	}

	return &WriteResult{
		BytesWritten: len(data),
		TotalChunks:  transport.TotalChunks(len(data), opts.ChunkSize),
		VerifyHint:   "re-read the module EEPROM and compare before trusting the write",
	}, nil
}
