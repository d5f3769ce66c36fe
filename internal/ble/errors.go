package ble

import (
	"errors"
	"fmt"
)

// Error kinds. Every acquisition failure wraps exactly one of these.
var (
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")
	ErrScanFailure        = errors.New("ble: scan failed")
	ErrConnectionFailure  = errors.New("ble: connection failed")
	ErrServiceNotFound    = errors.New("ble: service not found")
	ErrReadFailure        = errors.New("ble: read failed")
	ErrTimeout            = errors.New("ble: operation timed out")
)

// StatusError reports a GATT operation that completed with a non-success status.
type StatusError struct {
	Op     string
	Status Status
	Kind   error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s: gatt status 0x%02x", e.Kind, e.Op, int(e.Status))
}

func (e *StatusError) Unwrap() error { return e.Kind }

// ScanError reports a scan aborted by the platform.
type ScanError struct {
	Code ScanFailureCode
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%v: code %d (%s)", ErrScanFailure, int(e.Code), e.Code)
}

func (e *ScanError) Unwrap() error { return ErrScanFailure }
