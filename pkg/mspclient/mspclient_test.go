package mspclient

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/transport"
)

// fcFunc answers one request frame by writing zero or more frames to w.
type fcFunc func(f msp.Frame, w io.Writer)

func reply(w io.Writer, cmd byte, payload []byte) {
	b, _ := msp.EncodeDirn(msp.DirResponse, cmd, payload)
	w.Write(b)
}

func newClient(t *testing.T, fc fcFunc) (*Client, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	tr := transport.New(a)
	c := New(tr, 200*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	go func() {
		dec := msp.NewDecoder(bufio.NewReader(b))
		for {
			f, err := dec.Decode()
			if err != nil {
				if errors.Is(err, msp.ErrFraming) || errors.Is(err, msp.ErrChecksum) {
					continue
				}
				return
			}
			fc(f, b)
		}
	}()
	t.Cleanup(func() {
		cancel()
		tr.Close()
		b.Close()
		<-done
	})
	return c, b
}

var statusArmed = []byte{0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
var batteryPayload = []byte{3, 22, 0, 184, 11, 20, 3, 10, 0}

func TestTypedRequests(t *testing.T) {
	var mu sync.Mutex
	var got []msp.Frame
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
		switch f.Cmd {
		case msp.MSP_STATUS_EX:
			reply(w, f.Cmd, statusArmed)
		case msp.MSP_BATTERY_STATE:
			reply(w, f.Cmd, batteryPayload)
		case msp.MSP_ANALOG:
			reply(w, f.Cmd, []byte{126, 0, 0, 200, 0, 0, 0})
		case msp.MSP_RC:
			reply(w, f.Cmd, msp.NeutralChannels().Serialise())
		default:
			reply(w, f.Cmd, nil)
		}
	})
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil || !st.Armed {
		t.Fatalf("status %+v %v", st, err)
	}
	bs, err := c.Battery(ctx)
	if err != nil || bs.CellCount != 3 {
		t.Fatalf("battery %+v %v", bs, err)
	}
	an, err := c.Analog(ctx)
	if err != nil || an.Rssi != 200 {
		t.Fatalf("analog %+v %v", an, err)
	}
	rc, err := c.RC(ctx)
	if err != nil || len(rc) != 8 || rc[msp.CH_THROTTLE] != 1000 {
		t.Fatalf("rc %v %v", rc, err)
	}
	if err := c.SetArmed(ctx, true); err != nil {
		t.Fatal(err)
	}
	cs := msp.NeutralChannels()
	cs[msp.CH_AUX1] = msp.RC_ARM_POS
	if err := c.SetRawRC(ctx, cs); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 6 {
		t.Fatalf("FC saw %d requests", len(got))
	}
	if got[4].Cmd != msp.MSP_SET_ARMED || got[4].Payload[0] != 1 {
		t.Errorf("set armed frame %+v", got[4])
	}
	if back, _ := msp.ParseChannelSet(got[5].Payload); back != cs {
		t.Errorf("rc frame %v", back)
	}
	if req, replies, _, _, _ := c.Stats().Snapshot(); req != 6 || replies != 6 {
		t.Errorf("stats %d %d", req, replies)
	}
	if p50, p95 := c.Stats().Latency(); p50 <= 0 || p95 < p50 {
		t.Errorf("latency %v %v", p50, p95)
	}
}

func TestInterleavedRequests(t *testing.T) {
	var held []msp.Frame
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		held = append(held, f)
		if len(held) < 2 {
			return
		}
		// answer in reverse order
		for i := len(held) - 1; i >= 0; i-- {
			switch held[i].Cmd {
			case msp.MSP_STATUS_EX:
				reply(w, msp.MSP_STATUS_EX, statusArmed)
			case msp.MSP_BATTERY_STATE:
				reply(w, msp.MSP_BATTERY_STATE, batteryPayload)
			}
		}
		held = nil
	})
	c.SetTimeout(msp.MSP_STATUS_EX, time.Second)
	c.SetTimeout(msp.MSP_BATTERY_STATE, time.Second)

	var wg sync.WaitGroup
	var st msp.ArmingStatus
	var bs msp.BatteryStatus
	var serr, berr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		st, serr = c.Status(context.Background())
	}()
	go func() {
		defer wg.Done()
		bs, berr = c.Battery(context.Background())
	}()
	wg.Wait()
	if serr != nil || !st.Armed {
		t.Errorf("status %+v %v", st, serr)
	}
	if berr != nil || bs.CapacityMah != 22 {
		t.Errorf("battery %+v %v", bs, berr)
	}
}

func TestBusy(t *testing.T) {
	release := make(chan struct{})
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		<-release
		reply(w, f.Cmd, statusArmed)
	})
	c.SetTimeout(msp.MSP_STATUS_EX, 2*time.Second)
	first := make(chan error, 1)
	go func() {
		_, err := c.Status(context.Background())
		first <- err
	}()
	// wait for the first request to be registered
	deadline := time.Now().Add(time.Second)
	for {
		c.Listener.mu.Lock()
		n := len(c.Listener.pending)
		c.Listener.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second request: %v, want ErrBusy", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first request: %v", err)
	}
}

func TestChecksumResend(t *testing.T) {
	var mu sync.Mutex
	sent := 0
	bad := 1
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		mu.Lock()
		sent++
		corrupt := sent <= bad
		mu.Unlock()
		b, _ := msp.EncodeDirn(msp.DirResponse, f.Cmd, statusArmed)
		if corrupt {
			b[len(b)-1] ^= 0x40
		}
		w.Write(b)
	})
	if _, err := c.Status(context.Background()); err != nil {
		t.Fatalf("after one bad reply: %v", err)
	}
	if _, _, _, cks, resends := c.Stats().Snapshot(); cks != 1 || resends != 1 {
		t.Fatalf("checksums %d resends %d", cks, resends)
	}

	mu.Lock()
	sent, bad = 0, 2
	mu.Unlock()
	_, err := c.Status(context.Background())
	var ce *msp.ChecksumError
	if !errors.As(err, &ce) {
		t.Fatalf("after two bad replies: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if sent != 2 {
		t.Fatalf("request sent %d times", sent)
	}
}

func TestTimeout(t *testing.T) {
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {})
	c.SetTimeout(msp.MSP_RC, 30*time.Millisecond)
	start := time.Now()
	_, err := c.RC(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if el := time.Since(start); el > 150*time.Millisecond {
		t.Fatalf("per-command timeout ignored, took %v", el)
	}
	// the slot is free again
	_, err = c.RC(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v", err)
	}
}

func TestContextCancel(t *testing.T) {
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Status(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v", err)
	}
}

func TestErrorReply(t *testing.T) {
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		b, _ := msp.EncodeDirn(msp.DirError, f.Cmd, nil)
		w.Write(b)
	})
	err := c.SetArmed(context.Background(), true)
	var pe *msp.ProtocolError
	if !errors.As(err, &pe) || pe.Cmd != msp.MSP_SET_ARMED {
		t.Fatalf("got %v", err)
	}
}

func TestPayloadTooLargeNoIO(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	_, err := c.Request(context.Background(), msp.MSP_SET_RAW_RC, make([]byte, 300))
	if !errors.Is(err, msp.ErrPayloadTooLarge) {
		t.Fatalf("got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if seen != 0 {
		t.Fatal("oversized request was written")
	}
}

func TestUnsolicitedTelemetry(t *testing.T) {
	c, fc := newClient(t, func(f msp.Frame, w io.Writer) {})
	sub := c.Listener.Subscribe(4)
	go reply(fc, msp.MSP_BATTERY_STATE, batteryPayload)
	select {
	case tm := <-sub.C:
		if tm.Frame.Cmd != msp.MSP_BATTERY_STATE || tm.At.IsZero() {
			t.Fatalf("telemetry %+v", tm)
		}
	case <-time.After(time.Second):
		t.Fatal("no telemetry delivered")
	}
	if c.Listener.LastFrame().IsZero() {
		t.Fatal("last frame not recorded")
	}
	c.Listener.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Fatal("subscription not closed")
	}
}

func TestDropOldest(t *testing.T) {
	l := NewListener(nil)
	s := l.Subscribe(2)
	for i := 0; i < 5; i++ {
		l.fanout(Telemetry{Frame: msp.Frame{Cmd: byte(i)}})
	}
	if s.Dropped() != 3 {
		t.Fatalf("dropped %d", s.Dropped())
	}
	if a, b := <-s.C, <-s.C; a.Frame.Cmd != 3 || b.Frame.Cmd != 4 {
		t.Fatalf("kept %d %d", a.Frame.Cmd, b.Frame.Cmd)
	}
}

func TestDesync(t *testing.T) {
	bad, _ := msp.EncodeDirn(msp.DirResponse, msp.MSP_ANALOG, []byte{1, 2, 3, 4, 5, 6, 7})
	bad[len(bad)-1] ^= 0xff
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		for i := 0; i < 3; i++ {
			w.Write(bad)
		}
	})
	c.Listener.mu.Lock()
	c.Listener.DesyncLimit = 3
	c.Listener.mu.Unlock()
	c.SetTimeout(msp.MSP_STATUS_EX, time.Second)
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrUnexpectedCommand) {
		t.Fatalf("got %v", err)
	}
}

func TestStreamingTelemetrySlowReply(t *testing.T) {
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		if f.Cmd != msp.MSP_STATUS_EX {
			return
		}
		for i := 0; i < 3*DEFAULT_DESYNC_LIMIT; i++ {
			reply(w, msp.MSP_ANALOG, []byte{126, 0, 0, 200, 0, 0, 0})
			time.Sleep(time.Millisecond)
		}
		reply(w, f.Cmd, statusArmed)
	})
	sub := c.Listener.Subscribe(DEFAULT_QUEUE_DEPTH)
	c.SetTimeout(msp.MSP_STATUS_EX, 2*time.Second)
	st, err := c.Status(context.Background())
	if err != nil || !st.Armed {
		t.Fatalf("status %+v %v", st, err)
	}
	if len(sub.C) == 0 && sub.Dropped() == 0 {
		t.Fatal("streamed telemetry not delivered")
	}
	for len(sub.C) > 0 {
		if tm := <-sub.C; tm.Frame.Cmd != msp.MSP_ANALOG || tm.Solicited {
			t.Fatalf("unexpected telemetry %+v", tm)
		}
	}
}

func TestSubscribeAll(t *testing.T) {
	c, _ := newClient(t, func(f msp.Frame, w io.Writer) {
		reply(w, f.Cmd, batteryPayload)
	})
	all := c.Listener.SubscribeAll(4)
	some := c.Listener.Subscribe(4)
	if _, err := c.Battery(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case tm := <-all.C:
		if tm.Frame.Cmd != msp.MSP_BATTERY_STATE || !tm.Solicited {
			t.Fatalf("telemetry %+v", tm)
		}
	case <-time.After(time.Second):
		t.Fatal("solicited reply not delivered")
	}
	select {
	case tm := <-some.C:
		t.Fatalf("solicited reply leaked to plain subscription: %+v", tm)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClosedLink(t *testing.T) {
	c, fc := newClient(t, func(f msp.Frame, w io.Writer) {})
	sub := c.Listener.Subscribe(1)
	c.SetTimeout(msp.MSP_STATUS_EX, 5*time.Second)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Status(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	fc.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("subscription not closed")
	}
	if _, err := c.Status(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("after close: %v", err)
	}
}
