//go:build !(linux && amd64 && cgo)

package transport

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

func usb_ports() ([]usbPort, error) {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: enumerate: %w", err)
	}
	var ports []usbPort
	for _, p := range list {
		if p.IsUSB {
			ports = append(ports, usbPort{Name: p.Name, Product: p.Product, Serial: p.SerialNumber})
		}
	}
	return ports, nil
}
