package sensor

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// Frame markers of the bike's serial protocol.
// Request:  F5 <type> <sum> F6
// Response: F1 <type> <n> <n ASCII digits, least significant first> <sum> F6
// sum is the byte sum of everything before it, mod 256.
const (
	requestHeader  byte = 0xF5
	responseHeader byte = 0xF1
	frameFooter    byte = 0xF6

	maxResponseDigits = 10
)

// RequestType selects the value the bike reports
type RequestType byte

const (
	RequestCadence    RequestType = 0x41 // rpm
	RequestPower      RequestType = 0x44 // deciwatts
	RequestResistance RequestType = 0x4A // raw, translated through the ResistanceLUT
)

func (t RequestType) String() string {
	switch t {
	case RequestCadence:
		return "cadence"
	case RequestPower:
		return "power"
	case RequestResistance:
		return "resistance"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(t))
	}
}

var (
	ErrShortFrame     = errors.New("short frame")
	ErrBadFrame       = errors.New("malformed frame")
	ErrUnexpectedType = errors.New("unexpected response type")
)

func frameSum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// EncodeRequest builds the poll frame for t
func EncodeRequest(t RequestType) []byte {
	frame := []byte{requestHeader, byte(t), 0, frameFooter}
	frame[2] = frameSum(frame[:2])
	return frame
}

// EncodeResponse builds the frame a bike answers with
func EncodeResponse(t RequestType, value uint32) []byte {
	digits := make([]byte, 0, maxResponseDigits)
	for {
		digits = append(digits, '0'+byte(value%10))
		value /= 10
		if value == 0 {
			break
		}
	}
	frame := make([]byte, 0, len(digits)+5)
	frame = append(frame, responseHeader, byte(t), byte(len(digits)))
	frame = append(frame, digits...)
	frame = append(frame, frameSum(frame), frameFooter)
	return frame
}

// DecodeResponse parses one complete response frame
func DecodeResponse(frame []byte) (RequestType, uint32, error) {
	if len(frame) < 5 {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if frame[0] != responseHeader {
		return 0, 0, fmt.Errorf("%w: header 0x%02X", ErrBadFrame, frame[0])
	}
	n := int(frame[2])
	if n == 0 || n > maxResponseDigits {
		return 0, 0, fmt.Errorf("%w: digit count %d", ErrBadFrame, n)
	}
	if len(frame) < n+5 {
		return 0, 0, fmt.Errorf("%w: %d bytes for %d digits", ErrShortFrame, len(frame), n)
	}
	if frame[n+4] != frameFooter {
		return 0, 0, fmt.Errorf("%w: footer 0x%02X", ErrBadFrame, frame[n+4])
	}
	if want := frameSum(frame[:n+3]); frame[n+3] != want {
		return 0, 0, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrChecksum, frame[n+3], want)
	}

	var value uint64
	mult := uint64(1)
	for _, d := range frame[3 : n+3] {
		if d < '0' || d > '9' {
			return 0, 0, fmt.Errorf("%w: non-digit 0x%02X", ErrBadFrame, d)
		}
		value += uint64(d-'0') * mult
		mult *= 10
	}
	if value > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: value %d overflows 32 bits", ErrBadFrame, value)
	}
	return RequestType(frame[1]), uint32(value), nil
}

// ReadResponse reads bytes from r until one complete response frame has been seen.
// Bytes before the header are skipped.
func ReadResponse(r io.Reader) ([]byte, error) {
	var one [1]byte
	readByte := func() (byte, error) {
		for empty := 0; ; empty++ {
			n, err := r.Read(one[:])
			if n == 1 {
				return one[0], nil
			}
			if err != nil {
				return 0, err
			}
			// Serial ports with a read timeout return 0, nil
			if empty >= maxEmptyReads {
				return 0, ErrTimeout
			}
		}
	}

	var b byte
	var err error
	for skipped := 0; ; skipped++ {
		if b, err = readByte(); err != nil {
			return nil, err
		}
		if b == responseHeader {
			break
		}
		if skipped > maxSkippedBytes {
			return nil, fmt.Errorf("%w: no header in %d bytes", ErrBadFrame, skipped)
		}
	}

	frame := []byte{b}
	for i := 0; i < 2; i++ {
		if b, err = readByte(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrShortFrame, err)
		}
		frame = append(frame, b)
	}
	n := int(frame[2])
	if n == 0 || n > maxResponseDigits {
		return nil, fmt.Errorf("%w: digit count %d", ErrBadFrame, n)
	}
	for i := 0; i < n+2; i++ {
		if b, err = readByte(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrShortFrame, err)
		}
		frame = append(frame, b)
	}
	return frame, nil
}
