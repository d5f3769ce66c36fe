// Package ble implements the BLE central that acquires readings from a
// peripheral advertising the climate service. It handles discovery,
// connection management, service resolution, and the sequential read
// protocol over an injected host adapter.
package ble

import (
	"time"

	"github.com/google/uuid"
)

// Climate service UUIDs
var (
	ClimateServiceUUID  = uuid.MustParse("19b10010-e8f2-537e-4f6c-d104768a1214")
	TemperatureCharUUID = uuid.MustParse("19b10012-e8f2-537e-4f6c-d104768a1214")
	HumidityCharUUID    = uuid.MustParse("19b10012-e8f2-537e-4f6c-d104768a1215")
	PressureCharUUID    = uuid.MustParse("19b10012-e8f2-537e-4f6c-d104768a1216")
)

// Status is a GATT status code as reported by the host stack.
type Status int

// GATT status codes. Only StatusSuccess is treated as success.
const (
	StatusSuccess                Status = 0x00
	StatusReadNotPermitted       Status = 0x02
	StatusInsufficientAuth       Status = 0x05
	StatusRequestNotSupported    Status = 0x06
	StatusInsufficientEncryption Status = 0x0f
	StatusConnectionCongested    Status = 0x8f
	StatusGATTError              Status = 0x85
	StatusFailure                Status = 0x101
)

// LinkState is the link-layer state reported with a connection state change.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// ScanMode trades scan latency against radio power.
type ScanMode string

const (
	ScanModeOpportunistic ScanMode = "opportunistic"
	ScanModeLowPower      ScanMode = "low_power"
	ScanModeBalanced      ScanMode = "balanced"
	ScanModeLowLatency    ScanMode = "low_latency"
)

// MatchMode controls how aggressively advertisements are matched.
type MatchMode string

const (
	MatchModeAggressive MatchMode = "aggressive"
	MatchModeSticky     MatchMode = "sticky"
)

// ScanFailureCode is the cause reported when a scan cannot start or is aborted.
type ScanFailureCode int

const (
	ScanFailedAlreadyStarted ScanFailureCode = iota + 1
	ScanFailedRegistration
	ScanFailedInternalError
	ScanFailedFeatureUnsupported
	ScanFailedOutOfResources
)

func (c ScanFailureCode) String() string {
	switch c {
	case ScanFailedAlreadyStarted:
		return "already started"
	case ScanFailedRegistration:
		return "application registration failed"
	case ScanFailedInternalError:
		return "internal error"
	case ScanFailedFeatureUnsupported:
		return "feature unsupported"
	case ScanFailedOutOfResources:
		return "out of hardware resources"
	default:
		return "unknown"
	}
}

// ScanFilter lists the services to match in advertisement data.
// An empty filter matches any device.
type ScanFilter struct {
	Services []uuid.UUID
}

// Matches reports whether a device advertising the given services passes the filter.
func (f ScanFilter) Matches(advertised []uuid.UUID) bool {
	if len(f.Services) == 0 {
		return true
	}
	for _, want := range f.Services {
		for _, got := range advertised {
			if want == got {
				return true
			}
		}
	}
	return false
}

// ScanSettings holds the discovery parameters handed to the adapter.
type ScanSettings struct {
	Mode        ScanMode
	Match       MatchMode
	ReportDelay time.Duration // zero delivers every match immediately
}

// DefaultScanSettings returns low-latency, aggressive, unbatched scanning.
func DefaultScanSettings() ScanSettings {
	return ScanSettings{
		Mode:  ScanModeLowLatency,
		Match: MatchModeAggressive,
	}
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name     string
	Address  string
	RSSI     int
	Services []uuid.UUID // advertised service UUIDs
}

// Service is a GATT service found during service discovery.
type Service struct {
	UUID            uuid.UUID
	Characteristics []uuid.UUID
}

// ServiceDescriptor names the target service and the characteristics
// required from it, in configuration order.
type ServiceDescriptor struct {
	Service         uuid.UUID
	Characteristics []uuid.UUID
}

// ClimateDescriptor returns the descriptor for the climate service with its
// temperature, humidity and pressure characteristics.
func ClimateDescriptor() ServiceDescriptor {
	return ServiceDescriptor{
		Service: ClimateServiceUUID,
		Characteristics: []uuid.UUID{
			TemperatureCharUUID,
			HumidityCharUUID,
			PressureCharUUID,
		},
	}
}

// CharacteristicValue is one successful read.
type CharacteristicValue struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
	Value          []byte
}

// ReadingSink receives every characteristic value as it is read.
type ReadingSink interface {
	Deliver(v CharacteristicValue) error
}

// ScanHandle releases the radio resources held by a running scan.
type ScanHandle interface {
	// Stop ends the scan. Calling it on a scan that already ended is harmless.
	Stop() error
}

// ConnectionEvents receives the asynchronous outcome of every operation
// issued on a ConnectionHandle. Implementations must tolerate delivery from
// any goroutine.
type ConnectionEvents interface {
	ConnectionStateChanged(status Status, state LinkState)
	ServicesDiscovered(status Status, services []Service)
	CharacteristicRead(service, char uuid.UUID, value []byte, status Status)
}

// ConnectionHandle is one GATT session. Every method returns as soon as the
// operation is issued; outcomes arrive through ConnectionEvents.
type ConnectionHandle interface {
	DiscoverServices() error
	ReadCharacteristic(service, char uuid.UUID) error
	Disconnect() error
	// Close releases the handle. It is called exactly once per connection.
	Close() error
}

// Adapter abstracts the host BLE radio for testing.
type Adapter interface {
	// IsAvailable reports whether a radio exists and is powered on.
	IsAvailable() bool
	// StartScan begins asynchronous discovery. onMatch may fire repeatedly,
	// including for the same device. onFailure fires at most once and ends
	// the scan.
	StartScan(filter ScanFilter, settings ScanSettings, onMatch func(Device), onFailure func(ScanFailureCode)) (ScanHandle, error)
	// Connect starts a GATT connection attempt and returns immediately.
	Connect(device Device, autoReconnect bool, events ConnectionEvents) (ConnectionHandle, error)
}
