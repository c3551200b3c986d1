package flight

import (
	"errors"
	"time"
)

type Phase int

const (
	Idle Phase = iota
	Arming
	Armed
	TakingOff
	Hovering
	Landing
	EmergencyLanding
	Disarmed
	Fault
)

var phasenames = [...]string{
	Idle:             "Idle",
	Arming:           "Arming",
	Armed:            "Armed",
	TakingOff:        "TakingOff",
	Hovering:         "Hovering",
	Landing:          "Landing",
	EmergencyLanding: "EmergencyLanding",
	Disarmed:         "Disarmed",
	Fault:            "Fault",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phasenames) {
		return phasenames[p]
	}
	return "Unknown"
}

func (p Phase) Airborne() bool {
	switch p {
	case TakingOff, Hovering, Landing, EmergencyLanding:
		return true
	}
	return false
}

var (
	ErrArmFailed            = errors.New("flight: arming failed")
	ErrDisarmFailed         = errors.New("flight: disarm failed")
	ErrTimeoutDuringTakeoff = errors.New("flight: timeout during takeoff")
	ErrTimeoutDuringLanding = errors.New("flight: timeout during landing")
	ErrPhase                = errors.New("flight: operation not valid in this phase")
)

type Transition struct {
	From   Phase
	To     Phase
	At     time.Time
	Reason error
}

// Result summarises a flight; Reason is the emergency that ended it early,
// if any.
type Result struct {
	Final       Phase
	Transitions []Transition
	Reason      error
}
