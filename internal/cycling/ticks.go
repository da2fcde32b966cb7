package cycling

// MillisToTicks1024 converts a millisecond timestamp into the 1/1024 second rolling event
// time used by the CSC measurement. ms*1.024 is computed as ms*128/125 in integer math and
// truncated to 16 bits; the wraparound is the wire format's own rolling counter.
//
// The same factor is used for wheel and crank events. CP defines wheel event time in
// 1/2048 s, but wheel and crank data are only ever sent through CSC.
func MillisToTicks1024(ms uint32) uint16 {
	return uint16((uint64(ms) * 128) / 125)
}
