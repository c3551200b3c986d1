package flight

import (
	"math"
	"time"

	"github.com/stronnag/mspflight/pkg/msp"
)

// Policy maps altitude to throttle. Implementations must be deterministic.
type Policy interface {
	Climb(alt, target float64, elapsed time.Duration) uint16
	Hover(alt, target float64) uint16
	Descend(alt, floor float64, elapsed time.Duration) uint16
}

// RampPolicy ramps throttle up for takeoff, applies a proportional, bounded
// correction around HoverThrottle, and ramps down from Descent to LandMin
// for landing. It is not an attitude controller.
type RampPolicy struct {
	Idle          uint16
	HoverThrottle uint16
	MaxClimb      uint16
	Descent       uint16
	LandMin       uint16
	Gain          float64 // throttle units per metre of error
	MaxCorrection float64
	ClimbRamp     time.Duration
	DescendRamp   time.Duration
}

func DefaultPolicy() *RampPolicy {
	return &RampPolicy{
		Idle:          msp.RC_MIN,
		HoverThrottle: msp.RC_MID,
		MaxClimb:      1700,
		Descent:       1450,
		LandMin:       1300,
		Gain:          100,
		MaxCorrection: 100,
		ClimbRamp:     2 * time.Second,
		DescendRamp:   3 * time.Second,
	}
}

func ramp_frac(elapsed, span time.Duration) float64 {
	if span <= 0 || elapsed >= span {
		return 1
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(elapsed) / float64(span)
}

// throttle clamps v to the RC range; NaN gives idle.
func throttle(v float64) uint16 {
	if math.IsNaN(v) {
		return msp.RC_MIN
	}
	return uint16(max(msp.RC_MIN, min(msp.RC_MAX, math.Round(v))))
}

func (p *RampPolicy) hover(alt, target float64) float64 {
	corr := p.Gain * (target - alt)
	if math.IsNaN(corr) {
		corr = 0
	}
	corr = max(-p.MaxCorrection, min(p.MaxCorrection, corr))
	return float64(p.HoverThrottle) + corr
}

func (p *RampPolicy) Hover(alt, target float64) uint16 {
	return throttle(p.hover(alt, target))
}

func (p *RampPolicy) Climb(alt, target float64, elapsed time.Duration) uint16 {
	idle := float64(p.Idle)
	r := idle + (float64(p.MaxClimb)-idle)*ramp_frac(elapsed, p.ClimbRamp)
	return throttle(min(r, p.hover(alt, target)))
}

func (p *RampPolicy) Descend(alt, floor float64, elapsed time.Duration) uint16 {
	if alt <= floor {
		return throttle(float64(p.Idle))
	}
	top := float64(p.Descent)
	r := top - (top-float64(p.LandMin))*ramp_frac(elapsed, p.DescendRamp)
	return throttle(r)
}
