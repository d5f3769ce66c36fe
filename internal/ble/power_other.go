//go:build !linux

package ble

import "errors"

// adapterPowered has no probe outside BlueZ; a successful Enable is the
// availability signal there.
func adapterPowered(string) (bool, error) {
	return false, errors.New("ble: power probe not supported on this platform")
}
