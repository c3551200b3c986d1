package transport

import (
	"errors"
	"fmt"
)

var ErrNoDevice = errors.New("transport: no USB serial device")

type usbPort struct {
	Name    string
	Product string
	Serial  string
}

// FindDevice maps a USB product name or serial number to a port name. A
// lone USB serial port is taken whatever its name.
func FindDevice(desc string) (string, error) {
	ports, err := usb_ports()
	if err != nil {
		return "", err
	}
	return pick_port(ports, desc)
}

func pick_port(ports []usbPort, desc string) (string, error) {
	for _, p := range ports {
		if p.Product == desc || (p.Serial != "" && p.Serial == desc) {
			return p.Name, nil
		}
	}
	switch len(ports) {
	case 0:
		return "", fmt.Errorf("%w for %q", ErrNoDevice, desc)
	case 1:
		return ports[0].Name, nil
	}
	return "", fmt.Errorf("%w named %q among %d ports", ErrNoDevice, desc, len(ports))
}
