//go:build linux && amd64 && cgo

package transport

import (
	"fmt"

	"github.com/jochenvg/go-udev"
)

func usb_ports() ([]usbPort, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("tty"); err != nil {
		return nil, fmt.Errorf("transport: udev: %w", err)
	}
	if err := e.AddMatchProperty("ID_BUS", "usb"); err != nil {
		return nil, fmt.Errorf("transport: udev: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("transport: udev: %w", err)
	}
	ports := make([]usbPort, 0, len(devices))
	for _, d := range devices {
		dp := d.Properties()
		model := dp["ID_USB_MODEL"]
		if model == "" {
			model = dp["ID_MODEL"]
		}
		ports = append(ports, usbPort{Name: dp["DEVNAME"], Product: model, Serial: dp["ID_SERIAL_SHORT"]})
	}
	return ports, nil
}
