// Package sensor supplies altitude readings to the flight controller.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stronnag/mspflight/pkg/fclog"
)

type Reading struct {
	Alt float64
	At  time.Time
}

// Age is the time since the reading was taken; zero readings are
// infinitely old.
func (r Reading) Age(now time.Time) time.Duration {
	if r.At.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(r.At)
}

// Provider is polled for the current altitude; ok is false when no reading
// has ever been taken.
type Provider interface {
	Altitude() (Reading, bool)
}

// Latest holds the most recent reading pushed by a feed.
type Latest struct {
	mu  sync.Mutex
	r   Reading
	set bool
}

func (l *Latest) Set(alt float64) {
	l.SetAt(alt, time.Now())
}

func (l *Latest) SetAt(alt float64, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.r = Reading{Alt: alt, At: at}
	l.set = true
}

func (l *Latest) Altitude() (Reading, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r, l.set
}

func parse_reading(b []byte) (float64, error) {
	s := strings.TrimSpace(string(b))
	if f, ok := strings.CutPrefix(s, "alt:"); ok {
		s = f
	}
	alt, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(alt) || math.IsInf(alt, 0) {
		return 0, fmt.Errorf("sensor: altitude %q is not finite", s)
	}
	return alt, nil
}

// ListenUDP fills l from datagrams carrying an altitude in metres as ASCII
// ("1.25" or "alt:1.25") until ctx is done.
func ListenUDP(ctx context.Context, addr string, l *Latest) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	buf := make([]byte, 128)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("sensor: %w", err)
		}
		alt, err := parse_reading(buf[:n])
		if err != nil {
			fclog.Logf(1, "sensor: bad reading %q\n", buf[:n])
			continue
		}
		l.Set(alt)
	}
}
