// Package telev implements RFC 4733 telephone-event (DTMF) encoding and
// decoding on the audio RTP stream (spec C3).
package telev

import (
	"encoding/binary"
	"errors"
)

// ErrUnknownDigit is returned by DigitToCode for a character outside the
// RFC 4733 keypad alphabet.
var ErrUnknownDigit = errors.New("telev: unknown digit")

// eventPacket is the 4-byte RFC 4733 payload:
//
//	0               1               2               3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume  |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
const eventPacketLen = 4

// digitCodes maps ASCII keypad characters to RFC 4733 event codes.
var digitCodes = map[byte]uint8{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
	'!': 16, // "flash" per RFC 4733 event 16
}

var codeDigits = func() map[uint8]byte {
	m := make(map[uint8]byte, len(digitCodes))
	for d, c := range digitCodes {
		m[c] = d
	}
	return m
}()

// DigitToCode translates an ASCII keypad character to its RFC 4733 event
// code.
func DigitToCode(digit byte) (uint8, error) {
	c, ok := digitCodes[upperASCII(digit)]
	if !ok {
		return 0, ErrUnknownDigit
	}
	return c, nil
}

// CodeToDigit translates an RFC 4733 event code back to an ASCII character.
func CodeToDigit(code uint8) (byte, bool) {
	d, ok := codeDigits[code]
	return d, ok
}

func upperASCII(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}

// packetsPerEvent is the number of repeated packets sent to cover potential
// loss, per RFC 4733 guidance (spec §8 scenario 2 expects >= 3).
const packetsPerEvent = 3

// defaultVolume is the dBm0 attenuation value advertised in the event packet
// (0 = loudest, per RFC 4733); a conservative mid-range default.
const defaultVolume = 10

// Encoder produces the outbound event-packet stream for one digit at a
// time. One Encoder belongs exclusively to one audio pipeline tx direction
// (spec "Telephony-events state").
type Encoder struct {
	held       bool
	code       uint8
	durationTS uint32
	stepTS     uint32
	packetsOut int
}

// NewEncoder creates an encoder; stepSamples is the RTP-timestamp increment
// of one packet time (spec: "timer tick is derived from the audio packet
// time").
func NewEncoder(stepSamples uint32) *Encoder {
	if stepSamples == 0 {
		stepSamples = 160
	}
	return &Encoder{stepTS: stepSamples}
}

// SendDigit arms the encoder to start producing packets for digit on the
// next Poll calls. It is the user-facing "send-digit" call in spec §4.7.
func (e *Encoder) SendDigit(digit byte) error {
	code, err := DigitToCode(digit)
	if err != nil {
		return err
	}
	e.held = true
	e.code = code
	e.durationTS = 0
	e.packetsOut = 0
	return nil
}

// Poll produces the next event packet if a digit is currently being held.
// marker is true on the first packet of a new event. ok is false when there
// is nothing to send this tick.
func (e *Encoder) Poll(out []byte) (marker bool, ok bool) {
	if !e.held || len(out) < eventPacketLen {
		return false, false
	}
	marker = e.packetsOut == 0
	e.durationTS += e.stepTS

	// End-of-event is signalled on the final packetsPerEvent-th repeat.
	end := e.packetsOut >= packetsPerEvent-1
	out[0] = e.code
	out[1] = defaultVolume
	if end {
		out[1] |= 0x80
	}
	binary.BigEndian.PutUint16(out[2:4], uint16(min32(e.durationTS, 0xFFFF)))

	e.packetsOut++
	if end {
		e.held = false
	}
	return marker, true
}

func min32(a uint32, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Decoder decodes inbound event packets on the telephone-event payload
// type.
type Decoder struct{}

// Recv decodes one event packet, returning the event code and whether the
// end-of-event bit is set.
func (d *Decoder) Recv(buf []byte) (eventCode uint8, endOfEvent bool, err error) {
	if len(buf) < eventPacketLen {
		return 0, false, errors.New("telev: short packet")
	}
	return buf[0], buf[1]&0x80 != 0, nil
}
