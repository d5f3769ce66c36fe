package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ScanSession runs a filtered scan that yields exactly one target device.
type ScanSession struct {
	adapter  Adapter
	filter   ScanFilter
	settings ScanSettings
	logger   *slog.Logger

	mu       sync.Mutex
	acquired bool
	failed   bool
	matches  int // qualifying matches seen, including duplicates

	result chan scanOutcome
}

type scanOutcome struct {
	device Device
	err    error
}

// NewScanSession creates a session that matches devices advertising any of
// services. A nil logger uses slog.Default.
func NewScanSession(adapter Adapter, services []uuid.UUID, settings ScanSettings, logger *slog.Logger) *ScanSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanSession{
		adapter:  adapter,
		filter:   ScanFilter{Services: services},
		settings: settings,
		logger:   logger,
		result:   make(chan scanOutcome, 1),
	}
}

// Acquire scans until the first qualifying device is seen, the platform
// reports a failure, or ctx ends. The scan is stopped on every path.
// A session is single-use.
func (s *ScanSession) Acquire(ctx context.Context) (Device, error) {
	handle, err := s.adapter.StartScan(s.filter, s.settings, s.onMatch, s.onFailure)
	if err != nil {
		return Device{}, fmt.Errorf("%w: start: %v", ErrScanFailure, err)
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := handle.Stop(); err != nil {
				s.logger.Debug("[BLE] stop scan", "error", err)
			}
		})
	}
	defer stop()

	s.logger.Info("[BLE] scan started", "services", s.filter.Services, "mode", s.settings.Mode, "match", s.settings.Match)

	select {
	case out := <-s.result:
		stop()
		if out.err != nil {
			return Device{}, out.err
		}
		s.logger.Info("[BLE] target acquired",
			"name", out.device.Name, "address", out.device.Address, "rssi", out.device.RSSI, "services", out.device.Services)
		return out.device, nil
	case <-ctx.Done():
		return Device{}, fmt.Errorf("ble: scan: %w", ctx.Err())
	}
}

// Matches returns how many qualifying match events the session observed.
func (s *ScanSession) Matches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches
}

func (s *ScanSession) onMatch(d Device) {
	if !s.filter.Matches(d.Services) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches++
	if s.acquired || s.failed {
		return
	}
	s.acquired = true
	s.result <- scanOutcome{device: d}
}

func (s *ScanSession) onFailure(code ScanFailureCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired || s.failed {
		return
	}
	s.failed = true
	s.logger.Error("[BLE] scan failed", "code", int(code), "cause", code.String())
	s.result <- scanOutcome{err: &ScanError{Code: code}}
}
