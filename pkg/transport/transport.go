// Package transport provides the duplex byte channel between the host and
// the flight controller. A single pump goroutine reads the device; reads
// are exact and deadline bounded, writes are serialised.
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	BUFFERSIZE int = 1024
)

var (
	ErrTimeout = errors.New("transport: timeout")
	ErrClosed  = errors.New("transport: closed")
)

// SerDev is satisfied by go.bug.st/serial ports and net.Conn.
type SerDev interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

type SChan struct {
	ok   bool
	data []byte
}

type Transport struct {
	dev  SerDev
	wmu  sync.Mutex
	rmu  sync.Mutex
	rxc  chan SChan
	buf  []byte
	rerr error
	done chan struct{}
	once sync.Once
}

func New(dev SerDev) *Transport {
	t := &Transport{dev: dev, rxc: make(chan SChan, 16), done: make(chan struct{})}
	go t.read_dev()
	return t
}

func (t *Transport) read_dev() {
	defer close(t.rxc)
	for {
		inp := make([]byte, BUFFERSIZE)
		n, err := t.dev.Read(inp)
		if err != nil {
			t.rerr = err
			return
		}
		// serial read timeout
		if n == 0 {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		select {
		case t.rxc <- SChan{ok: true, data: inp[0:n]}:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) closed_err() error {
	if t.rerr != nil && !errors.Is(t.rerr, io.EOF) {
		return fmt.Errorf("%w: %v", ErrClosed, t.rerr)
	}
	return ErrClosed
}

// ReadExact blocks until n bytes are available or the deadline passes. On
// timeout nothing is consumed; bytes already received stay buffered for the
// next read. A zero deadline waits indefinitely.
func (t *Transport) ReadExact(n int, deadline time.Time) ([]byte, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	var timeout <-chan time.Time
	for len(t.buf) < n {
		if timeout == nil && !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return nil, ErrTimeout
			}
			tm := time.NewTimer(d)
			defer tm.Stop()
			timeout = tm.C
		}
		select {
		case v, ok := <-t.rxc:
			if !ok {
				return nil, t.closed_err()
			}
			if v.ok {
				t.buf = append(t.buf, v.data...)
			}
		case <-timeout:
			return nil, ErrTimeout
		}
	}
	out := make([]byte, n)
	copy(out, t.buf)
	t.buf = t.buf[n:]
	return out, nil
}

type byteReader struct {
	t       *Transport
	timeout time.Duration
}

func (b byteReader) ReadByte() (byte, error) {
	var deadline time.Time
	if b.timeout > 0 {
		deadline = time.Now().Add(b.timeout)
	}
	p, err := b.t.ReadExact(1, deadline)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ByteReader adapts the transport for the frame decoder; each byte waits at
// most timeout (zero for no limit).
func (t *Transport) ByteReader(timeout time.Duration) io.ByteReader {
	return byteReader{t: t, timeout: timeout}
}

// Write sends b as one unit; concurrent writers never interleave.
func (t *Transport) Write(b []byte) (int, error) {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	select {
	case <-t.done:
		return 0, ErrClosed
	default:
	}
	nw := 0
	for nw < len(b) {
		n, err := t.dev.Write(b[nw:])
		nw += n
		if err != nil {
			return nw, fmt.Errorf("transport: write: %w", err)
		}
		if n == 0 {
			return nw, io.ErrShortWrite
		}
	}
	return nw, nil
}

func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.dev.Close()
	})
	return err
}
