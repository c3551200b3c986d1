// Package msp implements the MSP v1 framing used to command and query
// Betaflight / INAV flight controllers:
//
//	'$' 'M' dirn size cmd payload... checksum
//
// where dirn is '<' (to the FC), '>' (reply) or '!' (error reply) and the
// checksum is the XOR of size, cmd and every payload byte.
package msp

import (
	"fmt"
)

const (
	MSP_RC            = 105
	MSP_ANALOG        = 110
	MSP_BATTERY_STATE = 130
	MSP_STATUS_EX     = 150
	MSP_SET_RAW_RC    = 200
	MSP_SET_ARMED     = 216
)

const (
	DirOutbound byte = '<'
	DirResponse byte = '>'
	DirError    byte = '!'
)

const MaxPayload = 255

type Frame struct {
	Dirn     byte
	Size     byte
	Cmd      byte
	Payload  []byte
	Checksum byte
}

var cmdnames = map[byte]string{
	MSP_RC:            "MSP_RC",
	MSP_ANALOG:        "MSP_ANALOG",
	MSP_BATTERY_STATE: "MSP_BATTERY_STATE",
	MSP_STATUS_EX:     "MSP_STATUS_EX",
	MSP_SET_RAW_RC:    "MSP_SET_RAW_RC",
	MSP_SET_ARMED:     "MSP_SET_ARMED",
}

func CmdName(cmd byte) string {
	if s, ok := cmdnames[cmd]; ok {
		return s
	}
	return fmt.Sprintf("MSP_%d", cmd)
}

func Checksum(b []byte) byte {
	var crc byte
	for _, c := range b {
		crc ^= c
	}
	return crc
}

// Encode builds an outbound request frame.
func Encode(cmd byte, payload []byte) ([]byte, error) {
	return EncodeDirn(DirOutbound, cmd, payload)
}

// EncodeDirn builds a frame with an explicit direction marker. Replies
// ('>' and '!') are only produced by simulators and tests.
func EncodeDirn(dirn byte, cmd byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, len(payload), CmdName(cmd))
	}
	paylen := len(payload)
	buf := make([]byte, 6+paylen)
	buf[0] = '$'
	buf[1] = 'M'
	buf[2] = dirn
	buf[3] = byte(paylen)
	buf[4] = cmd
	if paylen > 0 {
		copy(buf[5:], payload)
	}
	buf[5+paylen] = Checksum(buf[3 : 5+paylen])
	return buf, nil
}
