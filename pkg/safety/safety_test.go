package safety

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/mspclient"
	"github.com/stronnag/mspflight/pkg/sensor"
)

type fakeFC struct {
	mu      sync.Mutex
	battery msp.BatteryStatus
	status  msp.ArmingStatus
	err     error
}

func (f *fakeFC) Battery(ctx context.Context) (msp.BatteryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.battery, f.err
}

func (f *fakeFC) Status(ctx context.Context) (msp.ArmingStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeFC) setRemaining(pct float64) {
	f.mu.Lock()
	f.battery = msp.BatteryStatus{Remaining: pct, RemainingKnown: true}
	f.mu.Unlock()
}

func TestEmergencyIdempotent(t *testing.T) {
	em := NewEmergency()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if em.Raise(ErrLinkLost) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d raises took effect", wins.Load())
	}
	if em.Raise(ErrLowBattery) || !errors.Is(em.Reason(), ErrLinkLost) {
		t.Fatalf("reason overwritten: %v", em.Reason())
	}
	select {
	case <-em.Done():
	default:
		t.Fatal("done not closed")
	}
	em.Clear()
	if em.Raised() || em.Reason() != nil {
		t.Fatal("not cleared")
	}
	select {
	case <-em.Done():
		t.Fatal("done closed after clear")
	default:
	}
}

func newTestMonitor(fc FC) (*Monitor, *Emergency) {
	em := NewEmergency()
	m := NewMonitor(fc, em)
	m.started = time.Now()
	return m, em
}

func TestLowBatteryOncePerIncident(t *testing.T) {
	fc := &fakeFC{}
	fc.setRemaining(80)
	m, em := newTestMonitor(fc)
	ctx := context.Background()

	m.check(ctx)
	if em.Raised() {
		t.Fatal("raised at 80%")
	}
	fc.setRemaining(10)
	m.check(ctx)
	if !errors.Is(em.Reason(), ErrLowBattery) {
		t.Fatalf("reason %v", em.Reason())
	}
	em.Clear()
	m.check(ctx)
	if em.Raised() {
		t.Fatal("same incident raised twice")
	}
	fc.setRemaining(50)
	m.check(ctx)
	fc.setRemaining(20)
	m.check(ctx)
	if !em.Raised() {
		t.Fatal("new incident not raised")
	}
}

func TestUnknownRemainingIgnored(t *testing.T) {
	fc := &fakeFC{}
	m, em := newTestMonitor(fc)
	m.check(context.Background())
	if em.Raised() {
		t.Fatalf("raised: %v", em.Reason())
	}
}

func TestRxLossOnlyAirborne(t *testing.T) {
	fc := &fakeFC{}
	fc.setRemaining(90)
	fc.status = msp.ArmingStatus{ArmingDisableFlags: msp.ARMING_DISABLED_RXLOSS}
	m, em := newTestMonitor(fc)
	var airborne atomic.Bool
	m.Airborne = airborne.Load

	m.check(context.Background())
	if em.Raised() {
		t.Fatal("raised on the ground")
	}
	airborne.Store(true)
	m.check(context.Background())
	if !errors.Is(em.Reason(), ErrRxLoss) {
		t.Fatalf("reason %v", em.Reason())
	}
}

func TestLinkWatchdog(t *testing.T) {
	fc := &fakeFC{}
	m, em := newTestMonitor(fc)
	now := m.started
	m.now = func() time.Time { return now }
	last := m.started
	m.LastFrame = func() time.Time { return last }
	m.Watchdog = time.Second

	now = now.Add(900 * time.Millisecond)
	m.check(context.Background())
	if em.Raised() {
		t.Fatal("raised inside watchdog")
	}
	now = now.Add(200 * time.Millisecond)
	m.check(context.Background())
	if !errors.Is(em.Reason(), ErrLinkLost) {
		t.Fatalf("reason %v", em.Reason())
	}
}

func TestSensorStaleness(t *testing.T) {
	fc := &fakeFC{}
	m, em := newTestMonitor(fc)
	now := m.started
	m.now = func() time.Time { return now }
	var alt sensor.Latest
	m.Altitude = &alt
	m.Staleness = 500 * time.Millisecond

	now = now.Add(300 * time.Millisecond)
	m.check(context.Background())
	if em.Raised() {
		t.Fatal("raised during start-up grace")
	}
	alt.SetAt(1.0, now)
	now = now.Add(400 * time.Millisecond)
	m.check(context.Background())
	if em.Raised() {
		t.Fatal("fresh reading treated as stale")
	}
	now = now.Add(200 * time.Millisecond)
	m.check(context.Background())
	if !errors.Is(em.Reason(), ErrSensorUnavailable) {
		t.Fatalf("reason %v", em.Reason())
	}
}

func TestPollErrorsDoNotRaise(t *testing.T) {
	fc := &fakeFC{err: mspclient.ErrTimeout}
	m, em := newTestMonitor(fc)
	m.check(context.Background())
	if em.Raised() {
		t.Fatalf("raised: %v", em.Reason())
	}
}

func TestRunUsesTelemetry(t *testing.T) {
	fc := &fakeFC{}
	fc.setRemaining(90)
	em := NewEmergency()
	m := NewMonitor(fc, em)
	m.Interval = time.Hour
	tc := make(chan mspclient.Telemetry, 1)
	m.Telemetry = tc

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// 3 cells, no capacity, 9.9V: below 3.3V per cell
	payload := []byte{3, 0, 0, 0xde, 0x03, 0, 0, 0, 0}
	tc <- mspclient.Telemetry{Frame: msp.Frame{Dirn: msp.DirResponse, Cmd: msp.MSP_BATTERY_STATE, Payload: payload}, At: time.Now()}
	select {
	case <-em.Done():
	case <-time.After(time.Second):
		t.Fatal("telemetry battery frame did not raise")
	}
	if !errors.Is(em.Reason(), ErrLowBattery) {
		t.Fatalf("reason %v", em.Reason())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
