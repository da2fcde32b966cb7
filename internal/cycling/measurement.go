package cycling

import "encoding/binary"

const (
	// cpBufferSize is the declared CP measurement capacity; only cpFrameLength bytes are sent
	cpBufferSize   = 8
	cpFrameLength  = 6
	cscFrameLength = 11

	// MaxPowerWatts is the largest power representable in the signed 16-bit power field
	MaxPowerWatts uint16 = 0x7FFF
)

// ClampPower saturates power to the signed 16-bit range of the CP power field
func ClampPower(powerW uint16) int16 {
	if powerW > MaxPowerWatts {
		return int16(MaxPowerWatts)
	}
	return int16(powerW)
}

// CPFrame builds Cycling Power Measurement payloads in a buffer it owns.
//
//	offset 0: uint16 flags (accumulated energy present)
//	offset 2: int16  instantaneous power, W
//	offset 4: uint16 accumulated energy, kJ
type CPFrame struct {
	buf [cpBufferSize]byte
	n   int
}

// Encode writes a new payload and returns a view of it. The view is valid until the next Encode.
func (f *CPFrame) Encode(powerW uint16, energyKJ uint16) []byte {
	binary.LittleEndian.PutUint16(f.buf[0:], CPFlagAccumulatedEnergyPresent)
	binary.LittleEndian.PutUint16(f.buf[2:], uint16(ClampPower(powerW)))
	binary.LittleEndian.PutUint16(f.buf[4:], energyKJ)
	f.n = cpFrameLength
	return f.buf[:f.n]
}

// Bytes returns the last encoded payload, or nil before the first Encode
func (f *CPFrame) Bytes() []byte {
	if f.n == 0 {
		return nil
	}
	return f.buf[:f.n]
}

// CSCFrame builds CSC Measurement payloads in a buffer it owns.
//
//	offset 0: uint8  flags (wheel and crank data present)
//	offset 1: uint32 cumulative wheel revolutions
//	offset 5: uint16 last wheel event time, 1/1024 s
//	offset 7: uint16 cumulative crank revolutions
//	offset 9: uint16 last crank event time, 1/1024 s
type CSCFrame struct {
	buf     [cscFrameLength]byte
	encoded bool
}

// Encode writes a new payload and returns a view of it. The view is valid until the next Encode.
func (f *CSCFrame) Encode(crankRevs uint16, lastCrankMs uint32, wheelRevs uint32, lastWheelMs uint32) []byte {
	f.buf[0] = CSCFlagWheelRevolutionPresent | CSCFlagCrankRevolutionPresent
	binary.LittleEndian.PutUint32(f.buf[1:], wheelRevs)
	binary.LittleEndian.PutUint16(f.buf[5:], MillisToTicks1024(lastWheelMs))
	binary.LittleEndian.PutUint16(f.buf[7:], crankRevs)
	binary.LittleEndian.PutUint16(f.buf[9:], MillisToTicks1024(lastCrankMs))
	f.encoded = true
	return f.buf[:]
}

// Bytes returns the last encoded payload, or nil before the first Encode
func (f *CSCFrame) Bytes() []byte {
	if !f.encoded {
		return nil
	}
	return f.buf[:]
}

// EncodeCPMeasurement returns a freshly allocated CP measurement payload
func EncodeCPMeasurement(powerW uint16, energyKJ uint16) []byte {
	var f CPFrame
	return append([]byte(nil), f.Encode(powerW, energyKJ)...)
}

// EncodeCSCMeasurement returns a freshly allocated CSC measurement payload
func EncodeCSCMeasurement(crankRevs uint16, lastCrankMs uint32, wheelRevs uint32, lastWheelMs uint32) []byte {
	var f CSCFrame
	return append([]byte(nil), f.Encode(crankRevs, lastCrankMs, wheelRevs, lastWheelMs)...)
}
