package mspclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/transport"
)

const (
	DEFAULT_DESYNC_LIMIT = 16
	DEFAULT_QUEUE_DEPTH  = 32
)

var (
	ErrTimeout           = errors.New("mspclient: request timeout")
	ErrBusy              = errors.New("mspclient: request already outstanding")
	ErrUnexpectedCommand = errors.New("mspclient: unexpected command")
	ErrClosed            = errors.New("mspclient: connection closed")
)

// Telemetry is a received frame. Solicited frames also answered a request
// and only reach subscriptions made with SubscribeAll.
type Telemetry struct {
	Frame     msp.Frame
	At        time.Time
	Solicited bool
}

type result struct {
	payload []byte
	err     error
}

type pending struct {
	created time.Time
	rc      chan result
}

// Subscription is a bounded telemetry queue; when full the oldest entry is
// discarded.
type Subscription struct {
	C       <-chan Telemetry
	c       chan Telemetry
	all     bool
	dropped atomic.Uint64
}

func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) offer(t Telemetry) {
	for {
		select {
		case s.c <- t:
			return
		default:
		}
		select {
		case <-s.c:
			s.dropped.Add(1)
		default:
		}
	}
}

// Listener is the only reader of the FC link. Replies go to the matching
// pending request, everything else to subscribers.
type Listener struct {
	dec *msp.Decoder

	// DesyncLimit is the number of consecutive framing, checksum or error
	// frames nobody claims, while requests are outstanding, after which all
	// of them are failed. Any valid frame restarts the count.
	DesyncLimit int

	mu      sync.Mutex
	pending map[byte]*pending
	closed  bool
	desync  int

	smu  sync.Mutex
	subs []*Subscription

	last atomic.Int64
}

func NewListener(r io.ByteReader) *Listener {
	return &Listener{
		dec:         msp.NewDecoder(r),
		DesyncLimit: DEFAULT_DESYNC_LIMIT,
		pending:     make(map[byte]*pending),
	}
}

// LastFrame is the receive time of the most recent valid frame (zero if
// none yet).
func (l *Listener) LastFrame() time.Time {
	ns := l.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Subscribe delivers frames that answered no request.
func (l *Listener) Subscribe(depth int) *Subscription {
	return l.subscribe(depth, false)
}

// SubscribeAll also delivers replies to requests, marked Solicited.
func (l *Listener) SubscribeAll(depth int) *Subscription {
	return l.subscribe(depth, true)
}

func (l *Listener) subscribe(depth int, all bool) *Subscription {
	if depth <= 0 {
		depth = DEFAULT_QUEUE_DEPTH
	}
	c := make(chan Telemetry, depth)
	s := &Subscription{C: c, c: c, all: all}
	l.smu.Lock()
	defer l.smu.Unlock()
	if l.isClosed() {
		close(c)
		return s
	}
	l.subs = append(l.subs, s)
	return s
}

func (l *Listener) Unsubscribe(s *Subscription) {
	l.smu.Lock()
	defer l.smu.Unlock()
	for i, ss := range l.subs {
		if ss == s {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			close(s.c)
			return
		}
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) register(cmd byte) (*pending, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.pending[cmd]; ok {
		return nil, ErrBusy
	}
	p := &pending{created: time.Now(), rc: make(chan result, 1)}
	l.pending[cmd] = p
	return p, nil
}

func (l *Listener) unregister(cmd byte, p *pending) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending[cmd] == p {
		delete(l.pending, cmd)
	}
}

// resolve hands r to the request waiting on cmd. It reports false if there
// is none, or if it has an undelivered result already.
func (l *Listener) resolve(cmd byte, r result) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[cmd]
	if !ok {
		return false
	}
	select {
	case p.rc <- r:
		return true
	default:
		return false
	}
}

func (l *Listener) fail_all(err error) {
	for cmd, p := range l.pending {
		select {
		case p.rc <- result{err: err}:
		default:
		}
		delete(l.pending, cmd)
	}
}

func (l *Listener) synced() {
	l.mu.Lock()
	l.desync = 0
	l.mu.Unlock()
}

// unmatched counts a structural failure towards the desync limit while
// requests are waiting.
func (l *Listener) unmatched() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		l.desync = 0
		return
	}
	l.desync++
	if l.DesyncLimit > 0 && l.desync >= l.DesyncLimit {
		fclog.Logf(0, "listener: desync after %d bad frames, failing %d requests\n", l.desync, len(l.pending))
		l.fail_all(ErrUnexpectedCommand)
		l.desync = 0
	}
}

func (l *Listener) fanout(t Telemetry) {
	l.smu.Lock()
	defer l.smu.Unlock()
	for _, s := range l.subs {
		if t.Solicited && !s.all {
			continue
		}
		s.offer(t)
	}
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.fail_all(ErrClosed)
	l.mu.Unlock()

	l.smu.Lock()
	for _, s := range l.subs {
		close(s.c)
	}
	l.subs = nil
	l.smu.Unlock()
}

// Run reads frames until ctx is done or the link closes. Pending requests
// are failed with ErrClosed and subscriber channels closed on return.
func (l *Listener) Run(ctx context.Context) error {
	defer l.shutdown()
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := l.dec.Decode()
		now := time.Now()

		var ce *msp.ChecksumError
		var pe *msp.ProtocolError
		switch {
		case err == nil:
			l.last.Store(now.UnixNano())
			l.synced()
			if f.Dirn == msp.DirOutbound {
				fclog.Logf(1, "listener: dropping outbound frame %s\n", msp.CmdName(f.Cmd))
				continue
			}
			solicited := l.resolve(f.Cmd, result{payload: f.Payload})
			l.fanout(Telemetry{Frame: f, At: now, Solicited: solicited})

		case errors.As(err, &pe):
			l.last.Store(now.UnixNano())
			if !l.resolve(pe.Cmd, result{err: pe}) {
				fclog.Logf(0, "listener: %v\n", pe)
				l.unmatched()
			}

		case errors.As(err, &ce):
			if !l.resolve(ce.Cmd, result{err: ce}) {
				fclog.Logf(1, "listener: %v\n", ce)
				l.unmatched()
			}

		case errors.Is(err, msp.ErrFraming):
			fclog.Logf(2, "listener: %v\n", err)
			l.unmatched()

		case errors.Is(err, transport.ErrTimeout):
			// idle link

		case errors.Is(err, transport.ErrClosed), errors.Is(err, io.EOF):
			return ErrClosed

		default:
			return err
		}
	}
}
