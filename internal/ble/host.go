package ble

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// maxAttributeLen is the largest value a GATT attribute can hold.
const maxAttributeLen = 512

// HostAdapter wraps tinygo-org/bluetooth. tinygo's scan, connect and GATT
// calls block, so each one runs on its own goroutine and reports back
// through the callbacks the Adapter contract defines.
type HostAdapter struct {
	adapter   *bluetooth.Adapter
	adapterID string // BlueZ adapter name used by the power probe, e.g. "hci0"

	enableOnce sync.Once
	enableErr  error

	// mu protects addresses and connections.
	mu          sync.Mutex
	addresses   map[string]bluetooth.Address // from scan results, keyed by Address.String()
	connections map[string]*hostConnection
}

// NewHostAdapter creates an adapter over the host's default radio.
func NewHostAdapter(adapterID string) *HostAdapter {
	if adapterID == "" {
		adapterID = "hci0"
	}
	return &HostAdapter{
		adapter:     bluetooth.DefaultAdapter,
		adapterID:   adapterID,
		addresses:   make(map[string]bluetooth.Address),
		connections: make(map[string]*hostConnection),
	}
}

// Compile-time check that HostAdapter implements Adapter.
var _ Adapter = (*HostAdapter)(nil)

func (a *HostAdapter) enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = err
			return
		}
		// Route adapter-level disconnects to the owning connection.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if !connected {
				a.routeDisconnect(device.Address.String())
			}
		})
	})
	return a.enableErr
}

// IsAvailable enables the stack and, where the host supports it, checks that
// the radio is powered.
func (a *HostAdapter) IsAvailable() bool {
	if err := a.enable(); err != nil {
		slog.Warn("[BLE] enable adapter", "error", err)
		return false
	}
	powered, err := adapterPowered(a.adapterID)
	if err != nil {
		slog.Debug("[BLE] power probe unavailable, assuming powered", "adapter", a.adapterID, "error", err)
		return true
	}
	return powered
}

func (a *HostAdapter) StartScan(filter ScanFilter, settings ScanSettings, onMatch func(Device), onFailure func(ScanFailureCode)) (ScanHandle, error) {
	if err := a.enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	want := make([]bluetooth.UUID, 0, len(filter.Services))
	for _, s := range filter.Services {
		u, err := toHostUUID(s)
		if err != nil {
			return nil, err
		}
		want = append(want, u)
	}
	if settings.Mode != ScanModeLowLatency || settings.Match != MatchModeAggressive || settings.ReportDelay != 0 {
		slog.Debug("[BLE] scan settings are not tunable on this host", "mode", settings.Mode, "match", settings.Match)
	}

	h := &hostScan{adapter: a.adapter}
	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			var advertised []uuid.UUID
			for i, u := range want {
				if result.HasServiceUUID(u) {
					advertised = append(advertised, filter.Services[i])
				}
			}
			if len(want) > 0 && len(advertised) == 0 {
				return
			}
			addr := result.Address.String()
			a.mu.Lock()
			a.addresses[addr] = result.Address
			a.mu.Unlock()
			onMatch(Device{
				Name:     result.LocalName(),
				Address:  addr,
				RSSI:     int(result.RSSI),
				Services: advertised,
			})
		})
		if err != nil && !h.stopped.Load() {
			slog.Error("[BLE] scan", "error", err)
			onFailure(ScanFailedInternalError)
		}
	}()
	return h, nil
}

func (a *HostAdapter) Connect(device Device, autoReconnect bool, events ConnectionEvents) (ConnectionHandle, error) {
	if err := a.enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	if autoReconnect {
		slog.Debug("[BLE] auto-reconnect is not supported by the host stack, connecting directly")
	}
	a.mu.Lock()
	addr, ok := a.addresses[device.Address]
	a.mu.Unlock()
	if !ok {
		addr.Set(device.Address)
	}

	conn := &hostConnection{
		adapter: a,
		address: device.Address,
		events:  events,
		chars:   make(map[charKey]*bluetooth.DeviceCharacteristic),
	}
	a.mu.Lock()
	a.connections[device.Address] = conn
	a.mu.Unlock()

	go func() {
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			slog.Warn("[BLE] connect", "address", device.Address, "error", err)
			conn.linkDown(StatusGATTError)
			return
		}
		if !conn.attach(&dev) {
			// Closed while the connection was being established.
			_ = dev.Disconnect()
			return
		}
		events.ConnectionStateChanged(StatusSuccess, LinkConnected)
	}()
	return conn, nil
}

// routeDisconnect reports an adapter-level disconnect to the connection
// registered for address. A connection that is still being established
// ignores it: the notice belongs to an earlier link to the same peripheral,
// and a failed attempt is reported by Connect itself.
func (a *HostAdapter) routeDisconnect(address string) {
	a.mu.Lock()
	conn, ok := a.connections[address]
	a.mu.Unlock()
	if !ok {
		return
	}
	if !conn.established() {
		slog.Debug("[BLE] ignoring disconnect for connection not yet established", "address", address)
		return
	}
	conn.linkDown(StatusSuccess)
}

// forget unregisters c unless a newer connection to the same address has
// already replaced it.
func (a *HostAdapter) forget(c *hostConnection) {
	a.mu.Lock()
	if a.connections[c.address] == c {
		delete(a.connections, c.address)
	}
	a.mu.Unlock()
}

type hostScan struct {
	adapter *bluetooth.Adapter
	stopped atomic.Bool
}

func (s *hostScan) Stop() error {
	if s.stopped.Swap(true) {
		return nil
	}
	return s.adapter.StopScan()
}

type charKey struct {
	service uuid.UUID
	char    uuid.UUID
}

type hostConnection struct {
	adapter *HostAdapter
	address string
	events  ConnectionEvents

	mu     sync.Mutex
	device *bluetooth.Device
	chars  map[charKey]*bluetooth.DeviceCharacteristic
	closed bool

	downOnce sync.Once
}

// attach records the connected device. It reports false if the handle was
// closed first.
func (c *hostConnection) attach(dev *bluetooth.Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.device = dev
	return true
}

// established reports whether the link is up and the handle still open.
func (c *hostConnection) established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device != nil && !c.closed
}

func (c *hostConnection) dev() (*bluetooth.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("ble: connection closed")
	}
	if c.device == nil {
		return nil, errors.New("ble: not connected")
	}
	return c.device, nil
}

// linkDown reports the disconnect once, however many paths observe it.
func (c *hostConnection) linkDown(status Status) {
	c.downOnce.Do(func() {
		c.events.ConnectionStateChanged(status, LinkDisconnected)
	})
}

func (c *hostConnection) DiscoverServices() error {
	dev, err := c.dev()
	if err != nil {
		return err
	}
	go func() {
		svcs, err := dev.DiscoverServices(nil)
		if err != nil {
			slog.Warn("[BLE] discover services", "error", err)
			c.events.ServicesDiscovered(StatusGATTError, nil)
			return
		}
		found := make([]Service, 0, len(svcs))
		chars := make(map[charKey]*bluetooth.DeviceCharacteristic)
		for i := range svcs {
			svcUUID, err := fromHostUUID(svcs[i].UUID())
			if err != nil {
				continue
			}
			dcs, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				slog.Warn("[BLE] discover characteristics", "service", svcUUID, "error", err)
				c.events.ServicesDiscovered(StatusGATTError, nil)
				return
			}
			svc := Service{UUID: svcUUID, Characteristics: []uuid.UUID{}}
			for j := range dcs {
				charUUID, err := fromHostUUID(dcs[j].UUID())
				if err != nil {
					continue
				}
				dc := dcs[j]
				chars[charKey{svcUUID, charUUID}] = &dc
				svc.Characteristics = append(svc.Characteristics, charUUID)
			}
			found = append(found, svc)
		}
		c.mu.Lock()
		c.chars = chars
		c.mu.Unlock()
		c.events.ServicesDiscovered(StatusSuccess, found)
	}()
	return nil
}

func (c *hostConnection) ReadCharacteristic(service, char uuid.UUID) error {
	if _, err := c.dev(); err != nil {
		return err
	}
	c.mu.Lock()
	dc, ok := c.chars[charKey{service, char}]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: characteristic %s not discovered", char)
	}
	go func() {
		buf := make([]byte, maxAttributeLen)
		n, err := dc.Read(buf)
		if err != nil && err != io.EOF {
			slog.Warn("[BLE] read characteristic", "char", char, "error", err)
			c.events.CharacteristicRead(service, char, nil, StatusGATTError)
			return
		}
		c.events.CharacteristicRead(service, char, buf[:n], StatusSuccess)
	}()
	return nil
}

func (c *hostConnection) Disconnect() error {
	dev, err := c.dev()
	if err != nil {
		return err
	}
	go func() {
		if err := dev.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect", "error", err)
			c.linkDown(StatusGATTError)
			return
		}
		c.linkDown(StatusSuccess)
	}()
	return nil
}

func (c *hostConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dev := c.device
	c.device = nil
	c.chars = nil
	c.mu.Unlock()

	c.adapter.forget(c)
	if dev == nil {
		return nil
	}
	// Disconnecting an already disconnected device is harmless on every
	// supported host; it makes Close safe on the error paths.
	if err := dev.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect on close", "error", err)
	}
	return nil
}

func toHostUUID(u uuid.UUID) (bluetooth.UUID, error) {
	hu, err := bluetooth.ParseUUID(u.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %s: %w", u, err)
	}
	return hu, nil
}

func fromHostUUID(u bluetooth.UUID) (uuid.UUID, error) {
	return uuid.Parse(u.String())
}
