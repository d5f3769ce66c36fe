package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestScanSessionSingleShot(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(), 5)
	session := NewScanSession(adapter, []uuid.UUID{ClimateServiceUUID}, DefaultScanSettings(), nil)

	dev, err := session.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if dev.Address != testDevice.Address {
		t.Errorf("Address = %q, want %q", dev.Address, testDevice.Address)
	}
	if session.Matches() != 5 {
		t.Errorf("Matches() = %d, want 5", session.Matches())
	}
	if _, stops, _ := adapter.counts(); stops != 1 {
		t.Errorf("scan stopped %d times, want 1", stops)
	}
}

func TestScanSessionIgnoresUnfilteredDevices(t *testing.T) {
	other := Device{Name: "other", Address: "11:22:33:44:55:66", Services: []uuid.UUID{uuid.New()}}
	adapter := newMockAdapter(newMockConnection(), 0)
	adapter.script = func(onMatch func(Device), _ func(ScanFailureCode)) {
		onMatch(other)
		onMatch(testDevice)
	}
	session := NewScanSession(adapter, []uuid.UUID{ClimateServiceUUID}, DefaultScanSettings(), nil)

	dev, err := session.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if dev.Address != testDevice.Address {
		t.Errorf("acquired %q, want %q", dev.Address, testDevice.Address)
	}
}

func TestScanSessionFailure(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(), 0)
	adapter.script = func(_ func(Device), onFailure func(ScanFailureCode)) {
		onFailure(ScanFailedOutOfResources)
		onFailure(ScanFailedInternalError) // at most one failure is surfaced
	}
	session := NewScanSession(adapter, []uuid.UUID{ClimateServiceUUID}, DefaultScanSettings(), nil)

	_, err := session.Acquire(context.Background())
	if !errors.Is(err, ErrScanFailure) {
		t.Fatalf("Acquire() error = %v, want ErrScanFailure", err)
	}
	var scanErr *ScanError
	if !errors.As(err, &scanErr) || scanErr.Code != ScanFailedOutOfResources {
		t.Errorf("error = %#v, want ScanError with code %d", err, ScanFailedOutOfResources)
	}
	if _, stops, _ := adapter.counts(); stops != 1 {
		t.Errorf("scan stopped %d times, want 1", stops)
	}
}

func TestScanSessionFailureAfterMatchIgnored(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(), 0)
	adapter.script = func(onMatch func(Device), onFailure func(ScanFailureCode)) {
		onMatch(testDevice)
		onFailure(ScanFailedInternalError)
	}
	session := NewScanSession(adapter, []uuid.UUID{ClimateServiceUUID}, DefaultScanSettings(), nil)

	if _, err := session.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v, want nil", err)
	}
}

func TestScanSessionStartError(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(), 1)
	adapter.scanErr = errMock
	session := NewScanSession(adapter, nil, DefaultScanSettings(), nil)

	_, err := session.Acquire(context.Background())
	if !errors.Is(err, ErrScanFailure) {
		t.Errorf("Acquire() error = %v, want ErrScanFailure", err)
	}
}

func TestScanSessionStopsOnCancel(t *testing.T) {
	adapter := newMockAdapter(newMockConnection(), 0)
	session := NewScanSession(adapter, []uuid.UUID{ClimateServiceUUID}, DefaultScanSettings(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := session.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
	if _, stops, _ := adapter.counts(); stops != 1 {
		t.Errorf("scan stopped %d times, want 1", stops)
	}
}

func TestScanFilterMatches(t *testing.T) {
	other := uuid.New()
	tests := []struct {
		name       string
		filter     ScanFilter
		advertised []uuid.UUID
		want       bool
	}{
		{"empty filter matches anything", ScanFilter{}, nil, true},
		{"match", ScanFilter{Services: []uuid.UUID{ClimateServiceUUID}}, []uuid.UUID{other, ClimateServiceUUID}, true},
		{"no match", ScanFilter{Services: []uuid.UUID{ClimateServiceUUID}}, []uuid.UUID{other}, false},
		{"nothing advertised", ScanFilter{Services: []uuid.UUID{ClimateServiceUUID}}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.advertised); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
