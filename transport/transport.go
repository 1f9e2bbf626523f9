// Package transport constructs the concrete transport selected by a
// configuration, so callers depend only on the camlink.Transport interface.
package transport

import (
	"fmt"

	"github.com/hypoxic/insta360-ble-api/ble"
	"github.com/hypoxic/insta360-ble-api/camlink"
	"github.com/hypoxic/insta360-ble-api/wifi"
)

// New creates the transport the configuration selects: a TCP stream transport
// for TransportStream, a BLE GATT transport for TransportChunked.
func New(cfg *camlink.Config) (camlink.Transport, error) {
	if cfg == nil {
		return nil, camlink.ErrConfigNil
	}

	switch cfg.Kind() {
	case camlink.TransportStream:
		return wifi.New(cfg), nil
	case camlink.TransportChunked:
		return ble.New(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", cfg.Kind())
	}
}
