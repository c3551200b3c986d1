package msp

import (
	"encoding/binary"
	"fmt"
)

// Channel order used by MSP_SET_RAW_RC on the default AETR map.
const (
	CH_ROLL = iota
	CH_PITCH
	CH_THROTTLE
	CH_YAW
	CH_AUX1
	CH_AUX2
	CH_AUX3
	CH_AUX4
	NUM_CHANNELS
)

const (
	RC_MIN     = 1000
	RC_MID     = 1500
	RC_MAX     = 2000
	RC_ARM_POS = 1800
)

type ChannelSet [NUM_CHANNELS]uint16

// NeutralChannels is sticks centred, throttle low and AUX1 (arm) low.
func NeutralChannels() ChannelSet {
	return ChannelSet{RC_MID, RC_MID, RC_MIN, RC_MID, RC_MIN, RC_MID, RC_MID, RC_MID}
}

func (c ChannelSet) Serialise() []byte {
	buf := make([]byte, len(c)*2)
	for i, v := range c {
		binary.LittleEndian.PutUint16(buf[i*2:2+i*2], v)
	}
	return buf
}

func ParseChannelSet(b []byte) (ChannelSet, error) {
	var c ChannelSet
	if len(b) < len(c)*2 {
		return c, fmt.Errorf("%w: channel set needs %d bytes, got %d", ErrShortPayload, len(c)*2, len(b))
	}
	for i := range c {
		c[i] = binary.LittleEndian.Uint16(b[i*2 : 2+i*2])
	}
	return c, nil
}

// ParseRC decodes an MSP_RC reply; a trailing odd byte is ignored.
func ParseRC(b []byte) []uint16 {
	nc := len(b) / 2
	chans := make([]uint16, nc)
	for j := 0; j < nc; j++ {
		chans[j] = binary.LittleEndian.Uint16(b[j*2 : j*2+2])
	}
	return chans
}

type ArmingStatus struct {
	Armed              bool
	ArmingFlags        uint16
	ArmingDisableFlags uint32
}

// ParseStatus decodes MSP_STATUS_EX. The full reply carries the arming
// flags at [2:4] and the arming-disable flags at [6:10]. Some targets (and
// simulators) answer with a compact reply shorter than that, in which case
// the arming flags lead the payload and the disable flags, if present,
// follow them.
func ParseStatus(b []byte) (ArmingStatus, error) {
	var s ArmingStatus
	switch {
	case len(b) >= 10:
		s.ArmingFlags = binary.LittleEndian.Uint16(b[2:4])
		s.ArmingDisableFlags = binary.LittleEndian.Uint32(b[6:10])
	case len(b) >= 2:
		s.ArmingFlags = binary.LittleEndian.Uint16(b[0:2])
		if len(b) >= 6 {
			s.ArmingDisableFlags = binary.LittleEndian.Uint32(b[2:6])
		}
	default:
		return s, fmt.Errorf("%w: status needs at least 2 bytes, got %d", ErrShortPayload, len(b))
	}
	s.Armed = s.ArmingFlags&1 == 1
	return s, nil
}

type BatteryStatus struct {
	CellCount   uint8
	CapacityMah uint16
	Voltage     float64
	Current     float64
	MahDrawn    uint16
	// Remaining is only meaningful when RemainingKnown is set.
	Remaining      float64
	RemainingKnown bool
}

func clamp_pct(v float64) float64 {
	return max(0, min(100, v))
}

func ParseBattery(b []byte) (BatteryStatus, error) {
	var bs BatteryStatus
	if len(b) < 9 {
		return bs, fmt.Errorf("%w: battery state needs 9 bytes, got %d", ErrShortPayload, len(b))
	}
	bs.CellCount = b[0]
	bs.CapacityMah = binary.LittleEndian.Uint16(b[1:3])
	bs.Voltage = float64(binary.LittleEndian.Uint16(b[3:5])) / 100.0
	bs.Current = float64(binary.LittleEndian.Uint16(b[5:7])) / 100.0
	bs.MahDrawn = binary.LittleEndian.Uint16(b[7:9])

	switch {
	case bs.CapacityMah > 0:
		bs.Remaining = clamp_pct(100 - float64(bs.MahDrawn)*100/float64(bs.CapacityMah))
		bs.RemainingKnown = true
	case bs.CellCount > 0:
		// LiPo, 3.3V empty to 4.2V full per cell
		bs.Remaining = clamp_pct((bs.Voltage/float64(bs.CellCount) - 3.3) * 100 / 0.9)
		bs.RemainingKnown = true
	}
	return bs, nil
}

func (bs BatteryStatus) CellVoltage() (float64, bool) {
	if bs.CellCount == 0 {
		return 0, false
	}
	return bs.Voltage / float64(bs.CellCount), true
}

type Analog struct {
	Voltage  float64
	MahDrawn uint16
	Rssi     uint8
	Current  float64
}

func ParseAnalog(b []byte) (Analog, error) {
	var a Analog
	if len(b) < 7 {
		return a, fmt.Errorf("%w: analog needs 7 bytes, got %d", ErrShortPayload, len(b))
	}
	a.Voltage = float64(b[0]) / 10.0
	a.MahDrawn = binary.LittleEndian.Uint16(b[1:3])
	a.Rssi = b[3]
	a.Current = float64(binary.LittleEndian.Uint16(b[4:6])) / 100.0
	return a, nil
}

func (a Analog) RssiPercent() int {
	return int(a.Rssi) * 100 / 255
}
