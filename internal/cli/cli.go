// Package cli defines the kong command tree for sfplink.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sfplink/internal/config"
	"sfplink/internal/link"
	"sfplink/internal/profile"
	"sfplink/internal/store"
	"sfplink/internal/transport"
	"sfplink/internal/tui"
)

// CLI is the root command structure for sfplink.
type CLI struct {
	Verbose bool   `short:"v" help:"Enable verbose debug output"`
	Config  string `help:"Config file path (default ~/.sfplink/config.yaml)"`
	Mode    string `help:"Connection mode: auto, direct, or proxy"`
	Proxy   string `help:"WebSocket relay endpoint (overrides config)"`

	// Default command - live monitor
	Monitor MonitorCmd `cmd:"" default:"withargs" help:"Interactive status monitor (default)"`

	Connect ConnectCmd `cmd:"" help:"Verify a connection can be established"`
	Status  StatusCmd  `cmd:"" help:"Connect and print one status snapshot"`
	Scan    ScanCmd    `cmd:"" help:"List nearby BLE devices"`
	Module  ModuleCmd  `cmd:"" help:"SFP module operations"`
	Store   StoreCmd   `cmd:"" help:"Stored module library"`
	Profile ProfileCmd `cmd:"" help:"Connection profile"`
}

// loadConfig reads the config file and applies flag overrides.
func (c *CLI) loadConfig() (config.Config, error) {
	path := c.Config
	if path == "" {
		if p, err := config.DefaultPath(); err == nil {
			path = p
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if c.Mode != "" {
		cfg.Mode = c.Mode
	}
	if c.Proxy != "" {
		cfg.ProxyEndpoint = c.Proxy
	}
	if c.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// setup builds the connection manager. Every connecting command goes
// through here so flag overrides behave identically.
func (c *CLI) setup() (link.Mode, *link.Manager, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return "", nil, err
	}

	profiles, err := profile.OpenDefaultStore()
	if err != nil {
		return "", nil, err
	}
	modules, err := store.OpenDefault()
	if err != nil {
		return "", nil, err
	}

	mgr := link.New(link.Options{
		Profiles:           profiles,
		Modules:            modules,
		ProxyEndpoint:      cfg.ProxyEndpoint,
		PollInterval:       cfg.PollInterval(),
		CorrelationTimeout: cfg.CorrelationTimeout(),
		StageTimeout:       cfg.StageTimeout(),
		ChunkSize:          cfg.ChunkSize,
		ChunkDelay:         cfg.ChunkDelay(),
		FirmwareBaseline:   cfg.FirmwareBaseline,
		Logger:             config.NewLogger(cfg.LogLevel),
	})
	return link.Mode(cfg.Mode), mgr, nil
}

// --- Monitor Command ---

type MonitorCmd struct{}

func (c *MonitorCmd) Run(globals *CLI) error {
	mode, mgr, err := globals.setup()
	if err != nil {
		return err
	}
	return tui.Run(mgr, mode)
}

// --- Connect Command ---

type ConnectCmd struct{}

func (c *ConnectCmd) Run(globals *CLI) error {
	mode, mgr, err := globals.setup()
	if err != nil {
		return err
	}
	if err := mgr.Connect(context.Background(), mode); err != nil {
		return err
	}
	defer mgr.Disconnect()

	fmt.Println("Connection established.")
	if snap, err := mgr.Status(); err == nil {
		fmt.Printf("Device firmware %s, battery %d%%\n", snap.FirmwareVersion, snap.BatteryPercent)
	}
	return nil
}

// --- Scan Command ---

type ScanCmd struct {
	Timeout int `help:"Scan duration in seconds" default:"5"`
}

func (c *ScanCmd) Run(globals *CLI) error {
	cfg, err := globals.loadConfig()
	if err != nil {
		return err
	}
	timeout := time.Duration(c.Timeout) * time.Second

	var peers []transport.DiscoveredPeer
	if cfg.Mode == "proxy" || (!transport.DirectAvailable() && cfg.ProxyEndpoint != "") {
		p := transport.NewProxy(transport.ProxyOptions{
			Endpoint: cfg.ProxyEndpoint,
			Logger:   config.NewLogger(cfg.LogLevel),
		})
		ctx, cancel := context.WithTimeout(context.Background(), timeout+10*time.Second)
		defer cancel()
		peers, err = p.Discover(ctx, timeout)
	} else {
		peers, err = transport.ScanDevices(timeout)
	}
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		fmt.Println("No devices found.")
		return nil
	}
	for _, peer := range peers {
		name := peer.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Printf("  %-20s  %-18s  %d dBm\n", name, peer.Address, peer.RSSI)
	}
	return nil
}

// --- Status Command ---

type StatusCmd struct{}

func (c *StatusCmd) Run(globals *CLI) error {
	mode, mgr, err := globals.setup()
	if err != nil {
		return err
	}
	if err := mgr.Connect(context.Background(), mode); err != nil {
		return err
	}
	defer mgr.Disconnect()

	snap, err := mgr.Status()
	if err != nil {
		return err
	}

	fmt.Printf("Firmware:    %s\n", snap.FirmwareVersion)
	fmt.Printf("Battery:     %d%%\n", snap.BatteryPercent)
	fmt.Printf("SFP present: %v\n", snap.SFPPresent)
	return nil
}

// --- Module Commands ---

type ModuleCmd struct {
	Read  ModuleReadCmd  `cmd:"" help:"Read EEPROM from the inserted module into the store"`
	Write ModuleWriteCmd `cmd:"" help:"Write a stored EEPROM image to the inserted module"`
	Info  ModuleInfoCmd  `cmd:"" help:"Show identity fields of a stored module"`
}

type ModuleReadCmd struct {
	Output string `arg:"" optional:"" help:"Output file path (optional; always saves to store)"`
}

func (c *ModuleReadCmd) Run(globals *CLI) error {
	mode, mgr, err := globals.setup()
	if err != nil {
		return err
	}
	if err := mgr.Connect(context.Background(), mode); err != nil {
		return err
	}
	defer mgr.Disconnect()

	img, err := mgr.ReadModule(context.Background())
	if err != nil {
		return err
	}

	s, err := store.OpenDefault()
	if err != nil {
		return err
	}
	hash, err := s.SaveModule(img)
	if err != nil {
		return err
	}

	fmt.Printf("Read %d bytes: %s %s (S/N: %s)\n", len(img.Raw), img.Vendor, img.Model, img.Serial)
	fmt.Printf("Stored as %s\n", store.ShortHash(hash))

	if c.Output != "" {
		if err := os.WriteFile(c.Output, img.Raw, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", c.Output, err)
		}
		fmt.Printf("Saved to %s\n", c.Output)
	}
	return nil
}

type ModuleWriteCmd struct {
	ID string `arg:"" help:"Stored module hash (full or short)"`
}

func (c *ModuleWriteCmd) Run(globals *CLI) error {
	mode, mgr, err := globals.setup()
	if err != nil {
		return err
	}
	if err := mgr.Connect(context.Background(), mode); err != nil {
		return err
	}
	defer mgr.Disconnect()

	result, err := mgr.WriteModule(context.Background(), c.ID, func(written, total int) {
		fmt.Printf("\rWriting: %d/%d chunks", written, total)
	})
	fmt.Println()
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %d bytes in %d chunks\n", result.BytesWritten, result.TotalChunks)
	fmt.Printf("Note: %s\n", result.VerifyHint)
	return nil
}

type ModuleInfoCmd struct {
	ID string `arg:"" help:"Stored module hash (full or short)"`
}

func (c *ModuleInfoCmd) Run(globals *CLI) error {
	s, err := store.OpenDefault()
	if err != nil {
		return err
	}
	entry, err := s.Get(c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Hash:   %s\n", entry.Hash)
	fmt.Printf("Vendor: %s\n", entry.Vendor)
	fmt.Printf("Model:  %s\n", entry.Model)
	fmt.Printf("S/N:    %s\n", entry.Serial)
	fmt.Printf("Type:   %s\n", entry.Type)
	if entry.WavelengthNm > 0 {
		fmt.Printf("Wave:   %d nm\n", entry.WavelengthNm)
	}
	fmt.Printf("Size:   %d bytes\n", entry.Size)
	fmt.Printf("Source: %s\n", entry.Source)
	return nil
}

// --- Store Commands ---

type StoreCmd struct {
	List   StoreListCmd   `cmd:"" help:"List all stored modules"`
	Show   StoreShowCmd   `cmd:"" help:"Show the full index record of a stored module"`
	Import StoreImportCmd `cmd:"" help:"Import an EEPROM file into the store"`
	Export StoreExportCmd `cmd:"" help:"Export a stored module to a file"`
}

type StoreListCmd struct{}

func (c *StoreListCmd) Run(globals *CLI) error {
	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	entries, err := s.List()
	if err != nil {
		return fmt.Errorf("failed to list modules: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No modules in store.")
		fmt.Println("Import modules with: sfplink store import <eeprom.bin>")
		return nil
	}

	fmt.Printf("Found %d module(s):\n\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  %s  %-16s  %-20s  %s\n",
			store.ShortHash(e.Hash), e.Vendor, e.Model, e.Serial)
	}
	return nil
}

type StoreShowCmd struct {
	ID string `arg:"" help:"Stored module hash (full or short)"`
}

func (c *StoreShowCmd) Run(globals *CLI) error {
	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	entry, err := s.Get(c.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

type StoreImportCmd struct {
	File string `arg:"" help:"EEPROM file to import"`
}

func (c *StoreImportCmd) Run(globals *CLI) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	hash, isNew, err := s.Import(data, "import")
	if err != nil {
		return fmt.Errorf("failed to import: %w", err)
	}

	if isNew {
		fmt.Printf("Imported new module: %s\n", store.ShortHash(hash))
	} else {
		fmt.Printf("Module already in store: %s\n", store.ShortHash(hash))
	}

	entry, _ := s.Get(hash)
	if entry != nil {
		fmt.Printf("  Vendor: %s\n", entry.Vendor)
		fmt.Printf("  Model:  %s\n", entry.Model)
		fmt.Printf("  S/N:    %s\n", entry.Serial)
	}
	return nil
}

type StoreExportCmd struct {
	ID     string `arg:"" help:"Stored module hash (full or short)"`
	Output string `arg:"" help:"Output file path"`
}

func (c *StoreExportCmd) Run(globals *CLI) error {
	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if err := s.Export(c.ID, c.Output); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	fmt.Printf("Exported to: %s\n", c.Output)
	return nil
}

// --- Profile Commands ---

type ProfileCmd struct {
	Show ProfileShowCmd `cmd:"" help:"Show the active connection profile"`
	Set  ProfileSetCmd  `cmd:"" help:"Save a new active connection profile"`
}

type ProfileShowCmd struct{}

func (c *ProfileShowCmd) Run(globals *CLI) error {
	ps, err := profile.OpenDefaultStore()
	if err != nil {
		return err
	}
	p, err := ps.LoadActive()
	if err != nil {
		return err
	}
	if p == nil {
		def := profile.Default()
		p = &def
		fmt.Println("No saved profile; showing defaults.")
	}
	fmt.Printf("Service UUID: %s\n", p.ServiceUUID)
	fmt.Printf("Write char:   %s\n", p.WriteCharUUID)
	fmt.Printf("Notify char:  %s\n", p.NotifyCharUUID)
	if p.DeviceAddress != "" {
		fmt.Printf("Address:      %s\n", p.DeviceAddress)
	}
	if p.DeviceName != "" {
		fmt.Printf("Name:         %s\n", p.DeviceName)
	}
	return nil
}

type ProfileSetCmd struct {
	Service string `help:"Service UUID (defaults to the stock firmware's)"`
	Write   string `help:"Write characteristic UUID"`
	Notify  string `help:"Notify characteristic UUID"`
	Address string `help:"Pin a specific device address"`
	Name    string `help:"Match devices by advertised name"`
}

func (c *ProfileSetCmd) Run(globals *CLI) error {
	p := profile.Default()
	if c.Service != "" {
		p.ServiceUUID = c.Service
	}
	if c.Write != "" {
		p.WriteCharUUID = c.Write
	}
	if c.Notify != "" {
		p.NotifyCharUUID = c.Notify
	}
	p.DeviceAddress = c.Address
	p.DeviceName = c.Name

	ps, err := profile.OpenDefaultStore()
	if err != nil {
		return err
	}
	if err := ps.SaveActive(p); err != nil {
		return err
	}
	fmt.Println("Profile saved.")
	return nil
}
