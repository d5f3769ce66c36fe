//go:build linux

package ble

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName          = "org.bluez"
	bluezAdapterInterface = "org.bluez.Adapter1"
)

// adapterPowered asks BlueZ whether the named adapter is powered on.
func adapterPowered(adapterID string) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("ble: connect to system D-Bus: %w", err)
	}
	obj := conn.Object(bluezBusName, dbus.ObjectPath("/org/bluez/"+adapterID))
	v, err := obj.GetProperty(bluezAdapterInterface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("ble: read %s power state: %w", adapterID, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: unexpected Powered value %v", v.Value())
	}
	return powered, nil
}
