package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"sfplink/internal/fault"
	"sfplink/internal/profile"
)

// Stage names reported in timeout faults, in pipeline order.
const (
	stageSelect     = "Device selection"
	stageGATT       = "GATT connection"
	stageService    = "Service discovery"
	stageWriteChar  = "Write characteristic discovery"
	stageNotifyChar = "Notify characteristic discovery"
)

// DirectOptions configures the local GATT adapter.
type DirectOptions struct {
	// StageTimeout bounds each connect stage independently;
	// DefaultStageTimeout when zero.
	StageTimeout time.Duration
	Logger       *logrus.Logger
}

// Direct drives a local GATT connection through the system Bluetooth
// adapter.
type Direct struct {
	opts DirectOptions
	log  *logrus.Logger

	mu         sync.Mutex
	device     *bluetooth.Device
	writeChar  *bluetooth.DeviceCharacteristic
	notifyChar *bluetooth.DeviceCharacteristic
	frames     chan []byte
	closeOnce  *sync.Once
}

// NewDirect creates a direct transport adapter.
func NewDirect(opts DirectOptions) *Direct {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Direct{opts: opts, log: log}
}

// DirectAvailable reports whether a usable Bluetooth adapter exists in
// this environment.
func DirectAvailable() bool {
	return bluetooth.DefaultAdapter.Enable() == nil
}

// ScanDevices scans the local adapter for the given duration and reports
// every peripheral seen, strongest signal first. Used for manual profile
// entry when the device name or address is unknown.
func ScanDevices(timeout time.Duration) ([]DiscoveredPeer, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fault.Wrap(fault.Capability, "Bluetooth adapter", err)
	}

	var mu sync.Mutex
	seen := make(map[string]DiscoveredPeer)

	timer := time.AfterFunc(timeout, func() { adapter.StopScan() })
	defer timer.Stop()

	err := adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		addr, _ := r.Address.MarshalText()
		mu.Lock()
		seen[string(addr)] = DiscoveredPeer{
			Name:    r.LocalName(),
			Address: string(addr),
			RSSI:    int(r.RSSI),
		}
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	peers := make([]DiscoveredPeer, 0, len(seen))
	for _, p := range seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].RSSI > peers[j].RSSI })
	return peers, nil
}

// awaitStage runs fn with an independent deadline and reports a timeout
// fault carrying the stage name. Failures before the deadline keep their
// own cause and only gain the stage name. The goroutine is abandoned on
// timeout: the BLE stack offers no cancellation for in-flight operations.
func awaitStage(stage string, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", stage, err)
		}
		return nil
	case <-time.After(timeout):
		return fault.TimeoutOp(stage)
	}
}

// Connect scans for the target device, connects, and discovers the write
// and notify characteristics. Each stage has its own timeout. The
// returned channel delivers raw notification payloads and is closed
// exactly once when the physical connection drops.
func (d *Direct) Connect(ctx context.Context, prof profile.Profile) (<-chan []byte, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fault.Wrap(fault.Capability, "Bluetooth adapter", err)
	}

	// Stage 1: device selection by scan.
	var result bluetooth.ScanResult
	err := awaitStage(stageSelect, d.opts.StageTimeout, func() error {
		found := false
		scanErr := adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !d.matches(prof, r) {
				return
			}
			result = r
			found = true
			a.StopScan()
		})
		if scanErr != nil {
			return scanErr
		}
		if !found {
			return fmt.Errorf("no matching device seen")
		}
		return nil
	})
	if err != nil {
		adapter.StopScan()
		return nil, err
	}

	addr, _ := result.Address.MarshalText()
	d.log.WithField("address", string(addr)).Info("connecting")

	// Stage 2: GATT connection.
	var device bluetooth.Device
	err = awaitStage(stageGATT, d.opts.StageTimeout, func() error {
		var connErr error
		device, connErr = adapter.Connect(result.Address, bluetooth.ConnectionParams{})
		return connErr
	})
	if err != nil {
		return nil, err
	}

	// Stage 3: service discovery.
	var service bluetooth.DeviceService
	err = awaitStage(stageService, d.opts.StageTimeout, func() error {
		services, svcErr := device.DiscoverServices(nil)
		if svcErr != nil {
			return svcErr
		}
		for i := range services {
			if strings.EqualFold(services[i].UUID().String(), prof.ServiceUUID) {
				service = services[i]
				return nil
			}
		}
		return fmt.Errorf("service %s not found", prof.ServiceUUID)
	})
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	// Stages 4 and 5: characteristic discovery. One round trip discovers
	// both, but each lookup fails under its own stage name.
	var chars []bluetooth.DeviceCharacteristic
	err = awaitStage(stageWriteChar, d.opts.StageTimeout, func() error {
		var charErr error
		chars, charErr = service.DiscoverCharacteristics(nil)
		return charErr
	})
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	var writeChar, notifyChar *bluetooth.DeviceCharacteristic
	for i := range chars {
		uuid := chars[i].UUID().String()
		if strings.EqualFold(uuid, prof.WriteCharUUID) {
			writeChar = &chars[i]
		}
		if strings.EqualFold(uuid, prof.NotifyCharUUID) {
			notifyChar = &chars[i]
		}
	}
	if writeChar == nil {
		device.Disconnect()
		return nil, fmt.Errorf("%s: characteristic %s not found", stageWriteChar, prof.WriteCharUUID)
	}
	if notifyChar == nil {
		device.Disconnect()
		return nil, fmt.Errorf("%s: characteristic %s not found", stageNotifyChar, prof.NotifyCharUUID)
	}

	frames := make(chan []byte, 32)
	closeOnce := &sync.Once{}

	// The disconnect observer must fire the teardown exactly once per
	// physical disconnect, whether the radio dropped or we closed it.
	adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if !connected {
			closeOnce.Do(func() {
				d.log.Info("device disconnected")
				close(frames)
			})
		}
	})

	err = awaitStage(stageNotifyChar, d.opts.StageTimeout, func() error {
		return notifyChar.EnableNotifications(func(buf []byte) {
			payload := make([]byte, len(buf))
			copy(payload, buf)
			select {
			case frames <- payload:
			default:
				d.log.Warn("dropped notification: frame buffer full")
			}
		})
	})
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	// Let the subscription settle before the first write.
	time.Sleep(100 * time.Millisecond)

	d.mu.Lock()
	d.device = &device
	d.writeChar = writeChar
	d.notifyChar = notifyChar
	d.frames = frames
	d.closeOnce = closeOnce
	d.mu.Unlock()

	return frames, nil
}

// matches reports whether a scan result fits the profile: exact address
// when the profile pins one, otherwise a name match.
func (d *Direct) matches(prof profile.Profile, r bluetooth.ScanResult) bool {
	if prof.DeviceAddress != "" {
		addr, _ := r.Address.MarshalText()
		return strings.EqualFold(string(addr), prof.DeviceAddress)
	}
	name := strings.ToLower(r.LocalName())
	if name == "" {
		return false
	}
	if prof.DeviceName != "" {
		return strings.Contains(name, strings.ToLower(prof.DeviceName))
	}
	return strings.Contains(name, "sfp")
}

// Write sends a single payload to the write characteristic.
func (d *Direct) Write(ctx context.Context, data []byte) error {
	d.mu.Lock()
	wc := d.writeChar
	d.mu.Unlock()
	if wc == nil {
		return fault.New(fault.ConnectionLost, "not connected")
	}
	// The Linux BLE stack only supports write-without-response from
	// this client role; acknowledged writes go through the proxy.
	_, err := wc.WriteWithoutResponse(data)
	return err
}

// WriteChunks streams data through the write characteristic in
// fixed-size fragments.
func (d *Direct) WriteChunks(ctx context.Context, data []byte, opts ChunkOptions) error {
	d.mu.Lock()
	wc := d.writeChar
	d.mu.Unlock()
	if wc == nil {
		return fault.New(fault.ConnectionLost, "not connected")
	}
	return writeInChunks(ctx, data, opts, func(chunk []byte) error {
		_, err := wc.WriteWithoutResponse(chunk)
		return err
	})
}

// Disconnect tears down the radio connection. Safe to call repeatedly.
func (d *Direct) Disconnect() error {
	d.mu.Lock()
	device := d.device
	frames := d.frames
	closeOnce := d.closeOnce
	d.device = nil
	d.writeChar = nil
	d.notifyChar = nil
	d.frames = nil
	d.closeOnce = nil
	d.mu.Unlock()

	if device == nil {
		return nil
	}
	err := device.Disconnect()
	if closeOnce != nil && frames != nil {
		// The disconnect handler usually closes the channel; make sure
		// it happens even when the event never fires.
		closeOnce.Do(func() { close(frames) })
	}
	return err
}
