package msp

import (
	"errors"
	"fmt"
)

var (
	ErrPayloadTooLarge = errors.New("msp: payload too large")
	ErrFraming         = errors.New("msp: framing error")
	ErrChecksum        = errors.New("msp: checksum error")
	ErrShortPayload    = errors.New("msp: short payload")
)

// ChecksumError reports a frame whose checksum byte did not match. The
// frame is never interpreted; Cmd is as received and may itself be corrupt.
type ChecksumError struct {
	Cmd  byte
	Want byte
	Got  byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("msp: checksum error on %s (computed %02x, received %02x)", CmdName(e.Cmd), e.Want, e.Got)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksum
}

// ProtocolError is an '!' reply from the FC, typically an unsupported or
// refused command.
type ProtocolError struct {
	Cmd     byte
	Payload []byte
}

func (e *ProtocolError) Error() string {
	if len(e.Payload) == 0 {
		return fmt.Sprintf("msp: error reply to %s", CmdName(e.Cmd))
	}
	return fmt.Sprintf("msp: error reply to %s (payload % x)", CmdName(e.Cmd), e.Payload)
}
