package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/mspclient"
	"github.com/stronnag/mspflight/pkg/sensor"
)

var (
	ErrLinkLost          = errors.New("safety: telemetry link lost")
	ErrSensorUnavailable = errors.New("safety: altitude sensor unavailable")
	ErrLowBattery        = errors.New("safety: battery low")
	ErrRxLoss            = errors.New("safety: RX loss while airborne")
)

const (
	DEFAULT_INTERVAL    = 200 * time.Millisecond
	DEFAULT_WATCHDOG    = time.Second
	DEFAULT_STALENESS   = 500 * time.Millisecond
	DEFAULT_MIN_BATTERY = 25.0
)

// FC is the part of the MSP client the monitor polls.
type FC interface {
	Battery(ctx context.Context) (msp.BatteryStatus, error)
	Status(ctx context.Context) (msp.ArmingStatus, error)
}

type Monitor struct {
	FC        FC
	Emergency *Emergency

	// Optional inputs; a nil input disables its check.
	Altitude  sensor.Provider
	LastFrame func() time.Time
	Telemetry <-chan mspclient.Telemetry
	Airborne  func() bool

	Interval   time.Duration
	Watchdog   time.Duration
	Staleness  time.Duration
	MinBattery float64
	RxLossMask uint32

	started time.Time
	latched map[error]bool
	now     func() time.Time
}

func NewMonitor(fc FC, em *Emergency) *Monitor {
	return &Monitor{
		FC:         fc,
		Emergency:  em,
		Interval:   DEFAULT_INTERVAL,
		Watchdog:   DEFAULT_WATCHDOG,
		Staleness:  DEFAULT_STALENESS,
		MinBattery: DEFAULT_MIN_BATTERY,
		RxLossMask: msp.ARMING_DISABLED_RXLOSS,
	}
}

// incident raises the emergency once per incident; an incident ends when
// its condition is next seen clear.
func (m *Monitor) incident(kind error, active bool, detail string) {
	if m.latched == nil {
		m.latched = make(map[error]bool)
	}
	if !active {
		if m.latched[kind] {
			fclog.Logf(0, "safety: cleared: %v\n", kind)
		}
		m.latched[kind] = false
		return
	}
	if m.latched[kind] {
		return
	}
	m.latched[kind] = true
	reason := kind
	if detail != "" {
		reason = fmt.Errorf("%w: %s", kind, detail)
	}
	if m.Emergency.Raise(reason) {
		fclog.Logf(-1, "safety: EMERGENCY: %v\n", reason)
	} else {
		fclog.Logf(0, "safety: %v (emergency already raised)\n", reason)
	}
}

func (m *Monitor) airborne() bool {
	return m.Airborne == nil || m.Airborne()
}

func (m *Monitor) eval_battery(bs msp.BatteryStatus) {
	if m.MinBattery <= 0 || !bs.RemainingKnown {
		return
	}
	m.incident(ErrLowBattery, bs.Remaining < m.MinBattery,
		fmt.Sprintf("%.0f%% remaining, %.2fV", bs.Remaining, bs.Voltage))
}

func (m *Monitor) eval_status(st msp.ArmingStatus) {
	m.incident(ErrRxLoss, m.airborne() && st.ArmingDisableFlags&m.RxLossMask != 0,
		msp.ArmStatus(st.ArmingDisableFlags))
}

func (m *Monitor) since_ref(t time.Time, now time.Time) time.Duration {
	if t.Before(m.started) {
		t = m.started
	}
	return now.Sub(t)
}

func (m *Monitor) eval_link(now time.Time) {
	if m.LastFrame == nil || m.Watchdog <= 0 {
		return
	}
	age := m.since_ref(m.LastFrame(), now)
	m.incident(ErrLinkLost, age > m.Watchdog, fmt.Sprintf("no frame for %v", age.Round(time.Millisecond)))
}

func (m *Monitor) eval_sensor(now time.Time) {
	if m.Altitude == nil || m.Staleness <= 0 {
		return
	}
	r, ok := m.Altitude.Altitude()
	var at time.Time
	if ok {
		at = r.At
	}
	age := m.since_ref(at, now)
	detail := "no reading"
	if ok {
		detail = fmt.Sprintf("reading %v old", age.Round(time.Millisecond))
	}
	m.incident(ErrSensorUnavailable, age > m.Staleness, detail)
}

func (m *Monitor) check(ctx context.Context) {
	if bs, err := m.FC.Battery(ctx); err == nil {
		m.eval_battery(bs)
	} else if ctx.Err() == nil {
		fclog.Logf(1, "safety: battery poll: %v\n", err)
	}
	if st, err := m.FC.Status(ctx); err == nil {
		m.eval_status(st)
	} else if ctx.Err() == nil {
		fclog.Logf(1, "safety: status poll: %v\n", err)
	}
	now := m.clock()
	m.eval_link(now)
	m.eval_sensor(now)
}

func (m *Monitor) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *Monitor) telemetry(t mspclient.Telemetry) {
	switch t.Frame.Cmd {
	case msp.MSP_BATTERY_STATE:
		if bs, err := msp.ParseBattery(t.Frame.Payload); err == nil {
			m.eval_battery(bs)
		}
	case msp.MSP_STATUS_EX:
		if st, err := msp.ParseStatus(t.Frame.Payload); err == nil {
			m.eval_status(st)
		}
	}
}

// Run evaluates every Interval until ctx is done. It never clears the
// emergency.
func (m *Monitor) Run(ctx context.Context) error {
	m.started = m.clock()
	interval := m.Interval
	if interval <= 0 {
		interval = DEFAULT_INTERVAL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	tc := m.Telemetry
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.check(ctx)
		case t, ok := <-tc:
			if !ok {
				tc = nil
				continue
			}
			m.telemetry(t)
		}
	}
}
