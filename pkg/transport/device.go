package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/yookoala/realpath"
	"go.bug.st/serial"
)

const (
	DevClass_NONE = iota
	DevClass_SERIAL
	DevClass_TCP
	DevClass_UDP
)

// DevDescription is a parsed device name:
//
//	/dev/ttyACM0, COM5, "SPRacingF7" (USB product) -> serial
//	tcp://host:port                                -> TCP (SITL, ser2tcp)
//	udp://host:port[/localport]                    -> UDP to host
//	udp://:port                                    -> UDP listen, reply to last sender
type DevDescription struct {
	Klass  int
	Name   string
	Param  int
	Param1 int
}

func ParseDevice(device string) (DevDescription, error) {
	dd := DevDescription{Klass: DevClass_NONE}
	switch {
	case device == "":
		return dd, errors.New("transport: no device")
	case strings.HasPrefix(device, "tcp://"), strings.HasPrefix(device, "udp://"):
		u, err := url.Parse(device)
		if err != nil {
			return dd, fmt.Errorf("transport: %w", err)
		}
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return dd, fmt.Errorf("transport: bad port in %s", device)
		}
		dd.Name = u.Hostname()
		dd.Param = p
		if u.Scheme == "tcp" {
			dd.Klass = DevClass_TCP
			if dd.Name == "" {
				dd.Name = "localhost"
			}
		} else {
			dd.Klass = DevClass_UDP
			if lp := strings.Trim(u.Path, "/"); lp != "" {
				if dd.Param1, err = strconv.Atoi(lp); err != nil {
					return dd, fmt.Errorf("transport: bad local port in %s", device)
				}
			}
		}
	default:
		dd.Klass = DevClass_SERIAL
		dd.Name = device
	}
	return dd, nil
}

func is_device_path(name string) bool {
	return strings.HasPrefix(name, "/dev/") || strings.HasPrefix(name, "COM")
}

// OpenDevice opens the raw device; serial ports are 8N1 at baud.
func OpenDevice(device string, baud int) (SerDev, error) {
	dd, err := ParseDevice(device)
	if err != nil {
		return nil, err
	}
	switch dd.Klass {
	case DevClass_TCP:
		conn, err := net.Dial("tcp", net.JoinHostPort(dd.Name, strconv.Itoa(dd.Param)))
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		return conn, nil

	case DevClass_UDP:
		return open_udp(dd)

	default:
		name := dd.Name
		if !is_device_path(name) {
			if name, err = FindDevice(name); err != nil {
				return nil, err
			}
		}
		// /dev/serial/by-id links
		if rp, err := realpath.Realpath(name); err == nil {
			name = rp
		}
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			StopBits: serial.OneStopBit,
			Parity:   serial.NoParity,
		}
		port, err := serial.Open(name, mode)
		if err != nil {
			return nil, fmt.Errorf("transport: %s: %w", name, err)
		}
		return port, nil
	}
}

func Open(device string, baud int) (*Transport, error) {
	dev, err := OpenDevice(device, baud)
	if err != nil {
		return nil, err
	}
	return New(dev), nil
}

func open_udp(dd DevDescription) (SerDev, error) {
	var laddr *net.UDPAddr
	if dd.Name == "" {
		laddr = &net.UDPAddr{Port: dd.Param}
	} else if dd.Param1 != 0 {
		laddr = &net.UDPAddr{Port: dd.Param1}
	}
	if dd.Name == "" {
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		return &udpListener{conn: conn}, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(dd.Name, strconv.Itoa(dd.Param)))
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return conn, nil
}

// udpListener answers whoever sent the most recent datagram.
type udpListener struct {
	conn *net.UDPConn
	mu   sync.Mutex
	peer *net.UDPAddr
}

func (u *udpListener) Read(p []byte) (int, error) {
	n, addr, err := u.conn.ReadFromUDP(p)
	if err == nil {
		u.mu.Lock()
		u.peer = addr
		u.mu.Unlock()
	}
	return n, err
}

func (u *udpListener) Write(p []byte) (int, error) {
	u.mu.Lock()
	peer := u.peer
	u.mu.Unlock()
	if peer == nil {
		return 0, errors.New("transport: no UDP peer yet")
	}
	return u.conn.WriteToUDP(p, peer)
}

func (u *udpListener) Close() error {
	return u.conn.Close()
}
