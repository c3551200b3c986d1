// Package flight drives the arm, takeoff, hover, land and disarm sequence
// with emergency preemption.
package flight

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/mspclient"
	"github.com/stronnag/mspflight/pkg/safety"
	"github.com/stronnag/mspflight/pkg/sensor"
)

// A status request refused with mspclient.ErrBusy, because another
// caller has the same request outstanding, is retried after BUSY_BACKOFF.
const (
	BUSY_RETRIES = 10
	BUSY_BACKOFF = 20 * time.Millisecond
)

// FC is the part of the MSP client the controller commands.
type FC interface {
	Status(ctx context.Context) (msp.ArmingStatus, error)
	SetArmed(ctx context.Context, armed bool) error
	SetRawRC(ctx context.Context, cs msp.ChannelSet) error
}

type Config struct {
	HoverAltitude   float64
	LandingAltitude float64
	Tolerance       float64
	// in band for this long before takeoff completes
	Debounce time.Duration
	Period   time.Duration
	// Readings older than Staleness are ignored.
	Staleness    time.Duration
	MaxTakeoff   time.Duration
	MaxLanding   time.Duration
	MaxEmergency time.Duration
	// 0 hovers until Land or an emergency.
	HoverTime      time.Duration
	ArmPolls       int
	PollInterval   time.Duration
	Settle         time.Duration
	DisarmAttempts int
}

func DefaultConfig() Config {
	return Config{
		HoverAltitude:   3.75,
		LandingAltitude: 0.2,
		Tolerance:       0.1,
		Debounce:        500 * time.Millisecond,
		Period:          100 * time.Millisecond,
		Staleness:       500 * time.Millisecond,
		MaxTakeoff:      30 * time.Second,
		MaxLanding:      30 * time.Second,
		MaxEmergency:    20 * time.Second,
		HoverTime:       10 * time.Second,
		ArmPolls:        5,
		PollInterval:    200 * time.Millisecond,
		Settle:          500 * time.Millisecond,
		DisarmAttempts:  3,
	}
}

var errPreempted = errors.New("flight: preempted")

type Controller struct {
	fc     FC
	alt    sensor.Provider
	em     *safety.Emergency
	cfg    Config
	policy Policy

	mu          sync.Mutex
	phase       Phase
	transitions []Transition
	observers   []func(Transition)

	land     atomic.Bool
	lastThr  uint16
	lastAlt  float64
	haveAlt  bool
	armState msp.ArmingStatus
}

func New(fc FC, alt sensor.Provider, em *safety.Emergency, cfg Config) *Controller {
	return &Controller{fc: fc, alt: alt, em: em, cfg: cfg, policy: DefaultPolicy(), lastThr: msp.RC_MIN}
}

func (c *Controller) SetPolicy(p Policy) {
	c.policy = p
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Airborne() bool {
	return c.Phase().Airborne()
}

// OnTransition registers f to be called, synchronously, on every phase change.
func (c *Controller) OnTransition(f func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, f)
}

// Land asks a hovering flight to land.
func (c *Controller) Land() {
	c.land.Store(true)
}

// Reset returns a faulted controller to Idle; an operator action.
func (c *Controller) Reset() {
	c.set_phase(Idle, nil)
	c.land.Store(false)
}

func (c *Controller) set_phase(to Phase, reason error) {
	c.mu.Lock()
	from := c.phase
	if from == to {
		c.mu.Unlock()
		return
	}
	tr := Transition{From: from, To: to, At: time.Now(), Reason: reason}
	c.phase = to
	c.transitions = append(c.transitions, tr)
	obs := append([]func(Transition){}, c.observers...)
	c.mu.Unlock()

	if reason != nil {
		fclog.Logf(-1, "flight: %s -> %s (%v)\n", from, to, reason)
	} else {
		fclog.Logf(0, "flight: %s -> %s\n", from, to)
	}
	for _, f := range obs {
		f(tr)
	}
}

func (c *Controller) result(reason error) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{Final: c.phase, Transitions: append([]Transition{}, c.transitions...), Reason: reason}
}

func sleep(ctx context.Context, d time.Duration) error {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fly_channels(thr uint16) msp.ChannelSet {
	cs := msp.NeutralChannels()
	cs[msp.CH_THROTTLE] = thr
	cs[msp.CH_AUX1] = msp.RC_ARM_POS
	return cs
}

// poll_armed polls status up to ArmPolls times, resending keep (if any)
// before each poll. Poll errors count as unconfirmed.
func (c *Controller) poll_armed(ctx context.Context, keep *msp.ChannelSet) (bool, error) {
	for i := 0; i < c.cfg.ArmPolls; i++ {
		if err := sleep(ctx, c.cfg.PollInterval); err != nil {
			return false, err
		}
		if c.em.Raised() {
			return false, c.em.Reason()
		}
		if keep != nil {
			if err := c.fc.SetRawRC(ctx, *keep); err != nil {
				fclog.Logf(1, "flight: arm rc: %v\n", err)
			}
		}
		st, err := c.status(ctx)
		if err != nil {
			fclog.Logf(0, "flight: arm poll %d: %v\n", i, err)
			continue
		}
		c.armState = st
		if st.Armed {
			return true, nil
		}
	}
	return false, nil
}

// status polls the FC without counting a busy refusal as a failed poll.
func (c *Controller) status(ctx context.Context) (msp.ArmingStatus, error) {
	for i := 0; ; i++ {
		st, err := c.fc.Status(ctx)
		if !errors.Is(err, mspclient.ErrBusy) || i >= BUSY_RETRIES {
			return st, err
		}
		if serr := sleep(ctx, BUSY_BACKOFF); serr != nil {
			return st, serr
		}
	}
}

// Arm tries the direct arm command and then, once, the RC switch sequence.
func (c *Controller) Arm(ctx context.Context) error {
	switch c.Phase() {
	case Idle, Disarmed:
	default:
		return fmt.Errorf("%w: arm in %s", ErrPhase, c.Phase())
	}
	if c.em.Raised() {
		return c.em.Reason()
	}
	c.set_phase(Arming, nil)

	err := c.fc.SetArmed(ctx, true)
	if err != nil {
		fclog.Logf(0, "flight: direct arm: %v\n", err)
	}
	ok, err := c.poll_armed(ctx, nil)
	if err == nil && !ok {
		fclog.Logf(0, "flight: direct arm not confirmed (%s), trying RC arm switch\n", msp.ArmStatus(c.armState.ArmingDisableFlags))
		ok, err = c.rc_arm(ctx)
	}
	if ok && err == nil {
		c.lastThr = msp.RC_MIN
		c.set_phase(Armed, nil)
		return nil
	}

	if err != nil {
		// cancelled or emergency mid-way; the FC may have armed late
		if derr := c.disarm_sequence(ctx); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	c.safe_channels(ctx)
	ferr := fmt.Errorf("%w: %s", ErrArmFailed, msp.ArmStatus(c.armState.ArmingDisableFlags))
	c.set_phase(Fault, ferr)
	return ferr
}

func (c *Controller) rc_arm(ctx context.Context) (bool, error) {
	cs := msp.NeutralChannels()
	if err := c.fc.SetRawRC(ctx, cs); err != nil {
		fclog.Logf(0, "flight: rc neutral: %v\n", err)
	}
	if err := sleep(ctx, c.cfg.Settle); err != nil {
		return false, err
	}
	cs[msp.CH_AUX1] = msp.RC_ARM_POS
	if err := c.fc.SetRawRC(ctx, cs); err != nil {
		fclog.Logf(0, "flight: rc arm: %v\n", err)
	}
	return c.poll_armed(ctx, &cs)
}

// safe_channels leaves throttle low and the arm switch off.
func (c *Controller) safe_channels(ctx context.Context) {
	cctx := context.WithoutCancel(ctx)
	if err := c.fc.SetRawRC(cctx, msp.NeutralChannels()); err != nil {
		fclog.Logf(0, "flight: safe channels: %v\n", err)
	}
	if err := c.fc.SetArmed(cctx, false); err != nil {
		fclog.Logf(1, "flight: direct disarm: %v\n", err)
	}
}

// disarm_sequence sends both disarm commands and verifies, a bounded number
// of times. It is not cancellable.
func (c *Controller) disarm_sequence(ctx context.Context) error {
	cctx := context.WithoutCancel(ctx)
	for i := 0; i < c.cfg.DisarmAttempts; i++ {
		c.safe_channels(cctx)
		sleep(cctx, c.cfg.PollInterval)
		st, err := c.status(cctx)
		if err != nil {
			fclog.Logf(0, "flight: disarm poll %d: %v\n", i, err)
			continue
		}
		c.armState = st
		if !st.Armed {
			c.set_phase(Disarmed, nil)
			return nil
		}
	}
	ferr := fmt.Errorf("%w after %d attempts", ErrDisarmFailed, c.cfg.DisarmAttempts)
	c.set_phase(Fault, ferr)
	return ferr
}

// Disarm is the operator's disarm, valid in any phase. It must not be
// called while Run is active.
func (c *Controller) Disarm(ctx context.Context) error {
	return c.disarm_sequence(ctx)
}

// Hold keeps an armed FC at idle throttle for d, refreshing the channels
// every Period. It ends early on cancellation or an emergency.
func (c *Controller) Hold(ctx context.Context, d time.Duration) error {
	if c.Phase() != Armed {
		return fmt.Errorf("%w: hold in %s", ErrPhase, c.Phase())
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-tm.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.em.Done():
			return c.em.Reason()
		case <-ticker.C:
			if err := c.fc.SetRawRC(ctx, fly_channels(msp.RC_MIN)); err != nil {
				fclog.Logf(1, "flight: hold rc: %v\n", err)
			}
		}
	}
}

// altitude returns the current reading, or the last known one and false if
// the reading is missing, stale or not finite.
func (c *Controller) altitude(now time.Time) (float64, bool) {
	r, ok := c.alt.Altitude()
	if ok && !math.IsNaN(r.Alt) && !math.IsInf(r.Alt, 0) &&
		(c.cfg.Staleness <= 0 || r.Age(now) <= c.cfg.Staleness) {
		c.lastAlt = r.Alt
		c.haveAlt = true
		return r.Alt, true
	}
	if c.haveAlt {
		return c.lastAlt, false
	}
	return c.cfg.HoverAltitude, false
}

func (c *Controller) send(ctx context.Context, thr uint16) {
	thr = max(msp.RC_MIN, min(msp.RC_MAX, thr))
	c.lastThr = thr
	if err := c.fc.SetRawRC(ctx, fly_channels(thr)); err != nil {
		fclog.Logf(0, "flight: rc: %v\n", err)
	}
}

type stepFunc func(now time.Time, elapsed time.Duration) (bool, error)

// fly calls step every Period until it is done. When preemptible, the
// emergency signal is checked before and after each step and while
// waiting, and cancelling ctx raises it.
func (c *Controller) fly(ctx context.Context, preemptible bool, step stepFunc) error {
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()
	start := time.Now()
	var done <-chan struct{}
	if preemptible {
		done = ctx.Done()
	}
	for {
		if preemptible && c.em.Raised() {
			return errPreempted
		}
		now := time.Now()
		fin, err := step(now, now.Sub(start))
		if err != nil || fin {
			return err
		}
		if preemptible && c.em.Raised() {
			return errPreempted
		}
		var emc <-chan struct{}
		if preemptible {
			emc = c.em.Done()
		}
		select {
		case <-ticker.C:
		case <-emc:
			return errPreempted
		case <-done:
			c.em.Raise(fmt.Errorf("flight: operator abort: %w", ctx.Err()))
			return errPreempted
		}
	}
}

func (c *Controller) takeoff(ctx context.Context) error {
	c.set_phase(TakingOff, nil)
	cctx := context.WithoutCancel(ctx)
	var inband time.Time
	return c.fly(ctx, true, func(now time.Time, elapsed time.Duration) (bool, error) {
		if elapsed >= c.cfg.MaxTakeoff {
			return false, fmt.Errorf("%w after %v", ErrTimeoutDuringTakeoff, elapsed.Round(time.Millisecond))
		}
		alt, ok := c.altitude(now)
		thr := c.lastThr
		if ok {
			thr = c.policy.Climb(alt, c.cfg.HoverAltitude, elapsed)
		}
		c.send(cctx, thr)
		if ok && abs(alt-c.cfg.HoverAltitude) <= c.cfg.Tolerance {
			if inband.IsZero() {
				inband = now
			}
			if now.Sub(inband) >= c.cfg.Debounce {
				return true, nil
			}
		} else {
			inband = time.Time{}
		}
		return false, nil
	})
}

func (c *Controller) hover(ctx context.Context) error {
	c.set_phase(Hovering, nil)
	cctx := context.WithoutCancel(ctx)
	return c.fly(ctx, true, func(now time.Time, elapsed time.Duration) (bool, error) {
		if c.land.Load() || (c.cfg.HoverTime > 0 && elapsed >= c.cfg.HoverTime) {
			return true, nil
		}
		alt, ok := c.altitude(now)
		if !ok {
			alt = c.cfg.HoverAltitude
		}
		c.send(cctx, c.policy.Hover(alt, c.cfg.HoverAltitude))
		return false, nil
	})
}

func (c *Controller) landing(ctx context.Context) error {
	c.set_phase(Landing, nil)
	cctx := context.WithoutCancel(ctx)
	return c.fly(ctx, true, func(now time.Time, elapsed time.Duration) (bool, error) {
		alt, ok := c.altitude(now)
		if ok && alt <= c.cfg.LandingAltitude {
			return true, nil
		}
		if elapsed >= c.cfg.MaxLanding {
			return false, fmt.Errorf("%w after %v", ErrTimeoutDuringLanding, elapsed.Round(time.Millisecond))
		}
		c.send(cctx, c.policy.Descend(alt, c.cfg.LandingAltitude, elapsed))
		return false, nil
	})
}

// emergency_landing descends with never increasing throttle until the
// ground is reached or MaxEmergency passes. It cannot be preempted.
func (c *Controller) emergency_landing(ctx context.Context, reason error) {
	c.set_phase(EmergencyLanding, reason)
	cctx := context.WithoutCancel(ctx)
	c.fly(cctx, false, func(now time.Time, elapsed time.Duration) (bool, error) {
		alt, ok := c.altitude(now)
		if ok && alt <= c.cfg.LandingAltitude {
			return true, nil
		}
		if elapsed >= c.cfg.MaxEmergency {
			fclog.Logf(-1, "flight: emergency descent time exhausted, assuming ground contact\n")
			return true, nil
		}
		thr := min(c.policy.Descend(alt, c.cfg.LandingAltitude, elapsed), c.lastThr)
		c.send(cctx, thr)
		return false, nil
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Run flies the whole sequence: arm, takeoff to HoverAltitude, hover, land
// and disarm. An emergency at any airborne point switches to an emergency
// landing. Cancelling ctx is treated as an operator abort.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	c.land.Store(false)
	if err := c.Arm(ctx); err != nil {
		return c.result(nil), err
	}

	// emergency or abort between arming and takeoff
	if c.em.Raised() || ctx.Err() != nil {
		reason := c.em.Reason()
		if reason == nil {
			reason = ctx.Err()
		}
		if err := c.disarm_sequence(ctx); err != nil {
			return c.result(reason), errors.Join(reason, err)
		}
		return c.result(reason), reason
	}

	err := c.takeoff(ctx)
	if err == nil {
		err = c.hover(ctx)
	}
	if err == nil {
		err = c.landing(ctx)
	}

	var reason error
	if err != nil {
		reason = err
		if errors.Is(err, errPreempted) {
			reason = c.em.Reason()
		} else {
			c.em.Raise(err)
		}
		c.emergency_landing(ctx, reason)
	}

	if derr := c.disarm_sequence(ctx); derr != nil {
		return c.result(reason), errors.Join(reason, derr)
	}
	if reason != nil {
		return c.result(reason), fmt.Errorf("flight: emergency landing: %w", reason)
	}
	return c.result(nil), nil
}
