package mspclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bmizerany/perks/quantile"
	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/msp"
)

const DEFAULT_TIMEOUT = 500 * time.Millisecond

// Stats counts requests and tracks reply latency.
type Stats struct {
	mu        sync.Mutex
	Requests  int
	Replies   int
	Timeouts  int
	Checksums int
	Resends   int
	q         *quantile.Stream
}

func newStats() *Stats {
	return &Stats{q: quantile.NewTargeted(0.50, 0.95)}
}

func (s *Stats) add(f func(*Stats)) {
	s.mu.Lock()
	f(s)
	s.mu.Unlock()
}

func (s *Stats) latency(d time.Duration) {
	s.mu.Lock()
	s.Replies++
	s.q.Insert(float64(d))
	s.mu.Unlock()
}

// Latency returns the median and 95th percentile reply time.
func (s *Stats) Latency() (time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Count() == 0 {
		return 0, 0
	}
	return time.Duration(s.q.Query(0.50)), time.Duration(s.q.Query(0.95))
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() (requests, replies, timeouts, checksums, resends int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Requests, s.Replies, s.Timeouts, s.Checksums, s.Resends
}

// Dispatcher sends requests and waits for the Listener to deliver replies.
// There is at most one request in flight per command code.
type Dispatcher struct {
	w  io.Writer
	l  *Listener
	st *Stats

	tmu      sync.Mutex
	timeout  time.Duration
	timeouts map[byte]time.Duration
}

// NewDispatcher writes frames to w, which must serialise concurrent
// writes (transport.Transport does).
func NewDispatcher(w io.Writer, l *Listener, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DEFAULT_TIMEOUT
	}
	return &Dispatcher{w: w, l: l, st: newStats(), timeout: timeout, timeouts: make(map[byte]time.Duration)}
}

func (d *Dispatcher) SetTimeout(cmd byte, t time.Duration) {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	d.timeouts[cmd] = t
}

func (d *Dispatcher) Timeout(cmd byte) time.Duration {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	if t, ok := d.timeouts[cmd]; ok {
		return t
	}
	return d.timeout
}

func (d *Dispatcher) Stats() *Stats {
	return d.st
}

// Request sends cmd and returns the reply payload. A reply failing its
// checksum causes one resend; a second failure is returned.
func (d *Dispatcher) Request(ctx context.Context, cmd byte, payload []byte) ([]byte, error) {
	buf, err := msp.Encode(cmd, payload)
	if err != nil {
		return nil, err
	}
	p, err := d.l.register(cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msp.CmdName(cmd), err)
	}
	defer d.l.unregister(cmd, p)

	timeout := d.Timeout(cmd)
	d.st.add(func(s *Stats) { s.Requests++ })

	for resent := false; ; resent = true {
		start := time.Now()
		if _, err := d.w.Write(buf); err != nil {
			return nil, fmt.Errorf("%s: %w", msp.CmdName(cmd), err)
		}
		fclog.Logf(2, "dispatch: sent %s (%d bytes)\n", msp.CmdName(cmd), len(payload))

		tm := time.NewTimer(timeout)
		select {
		case r := <-p.rc:
			tm.Stop()
			if r.err == nil {
				d.st.latency(time.Since(start))
				return r.payload, nil
			}
			if errors.Is(r.err, msp.ErrChecksum) {
				d.st.add(func(s *Stats) { s.Checksums++ })
				if !resent {
					d.st.add(func(s *Stats) { s.Resends++ })
					fclog.Logf(0, "dispatch: %v, resending\n", r.err)
					continue
				}
			}
			return nil, r.err

		case <-tm.C:
			d.st.add(func(s *Stats) { s.Timeouts++ })
			return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, msp.CmdName(cmd), timeout)

		case <-ctx.Done():
			tm.Stop()
			return nil, ctx.Err()
		}
	}
}
