package msp

import (
	"fmt"
	"io"
)

const (
	state_INIT = iota
	state_M
	state_DIRN
	state_LEN
	state_CMD
	state_DATA
	state_CRC
)

// Decoder extracts frames from an unaligned byte stream. After a bad
// header or checksum, scanning restarts at the byte following the failed
// frame's '$', so a genuine frame hidden behind a false start is still found.
type Decoder struct {
	r    io.ByteReader
	back []byte
	seen []byte
}

func NewDecoder(r io.ByteReader) *Decoder {
	return &Decoder{r: r}
}

func (d *Decoder) readByte() (byte, error) {
	if len(d.back) > 0 {
		c := d.back[0]
		d.back = d.back[1:]
		return c, nil
	}
	return d.r.ReadByte()
}

// rescan queues bytes for reading ahead of the underlying source.
func (d *Decoder) rescan(b []byte) {
	nb := make([]byte, 0, len(b)+len(d.back))
	nb = append(nb, b...)
	d.back = append(nb, d.back...)
}

// Decode returns the next frame. A '!' frame is returned together with a
// *ProtocolError. Errors from the byte source are returned unchanged; any
// partly read frame is kept and rescanned on the next call, so a slow link
// loses nothing.
func (d *Decoder) Decode() (Frame, error) {
	var f Frame
	var crc byte
	count := 0
	n := state_INIT

	for {
		c, err := d.readByte()
		if err != nil {
			if n != state_INIT {
				d.rescan(append([]byte{'$'}, d.seen...))
			}
			return Frame{}, err
		}
		if n != state_INIT {
			d.seen = append(d.seen, c)
		}

		switch n {
		case state_INIT:
			if c == '$' {
				d.seen = d.seen[:0]
				n = state_M
			}
		case state_M:
			if c != 'M' {
				d.rescan(d.seen)
				return Frame{}, fmt.Errorf("%w: expected 'M', got %02x", ErrFraming, c)
			}
			n = state_DIRN
		case state_DIRN:
			switch c {
			case DirOutbound, DirResponse, DirError:
				f.Dirn = c
				n = state_LEN
			default:
				d.rescan(d.seen)
				return Frame{}, fmt.Errorf("%w: bad direction %02x", ErrFraming, c)
			}
		case state_LEN:
			f.Size = c
			crc = c
			n = state_CMD
		case state_CMD:
			f.Cmd = c
			crc ^= c
			f.Payload = make([]byte, f.Size)
			if f.Size == 0 {
				n = state_CRC
			} else {
				count = 0
				n = state_DATA
			}
		case state_DATA:
			f.Payload[count] = c
			crc ^= c
			count++
			if count == int(f.Size) {
				n = state_CRC
			}
		case state_CRC:
			f.Checksum = c
			if c != crc {
				d.rescan(d.seen)
				return Frame{}, &ChecksumError{Cmd: f.Cmd, Want: crc, Got: c}
			}
			d.seen = d.seen[:0]
			if f.Dirn == DirError {
				return f, &ProtocolError{Cmd: f.Cmd, Payload: f.Payload}
			}
			return f, nil
		}
	}
}
