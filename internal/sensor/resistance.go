package sensor

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// LUTSize is the number of calibration points, one every 100/30 % of resistance
	LUTSize = 31
	// LUTUnset marks a calibration point that has not been recorded
	LUTUnset uint16 = 0xFFFF

	lutChecksumKey uint16 = 0xB01D
	lutSpacing            = 100.0 / (LUTSize - 1)
)

// ErrChecksum is returned when stored data does not match its checksum
var ErrChecksum = errors.New("checksum mismatch")

// ResistanceLUT maps the bike's raw resistance reading onto 0..100 by linear interpolation
// between 31 calibration points.
type ResistanceLUT struct {
	mu      sync.RWMutex
	entries [LUTSize]uint16
}

// NewResistanceLUT returns an uncalibrated table
func NewResistanceLUT() *ResistanceLUT {
	l := &ResistanceLUT{}
	for i := range l.entries {
		l.entries[i] = LUTUnset
	}
	return l
}

// ResistanceLUTFromEntries restores a table saved together with its checksum
func ResistanceLUTFromEntries(entries []uint16, checksum uint16) (*ResistanceLUT, error) {
	if len(entries) != LUTSize {
		return nil, fmt.Errorf("resistance LUT needs %d entries, got %d", LUTSize, len(entries))
	}
	l := &ResistanceLUT{}
	copy(l.entries[:], entries)
	if got := l.Checksum(); got != checksum {
		return nil, fmt.Errorf("resistance LUT: %w (stored 0x%04x, computed 0x%04x)", ErrChecksum, checksum, got)
	}
	return l, nil
}

// SetEntry records the raw reading observed at calibration point index
func (l *ResistanceLUT) SetEntry(index int, raw uint16) error {
	if index < 0 || index >= LUTSize {
		return fmt.Errorf("resistance LUT index %d out of range 0..%d", index, LUTSize-1)
	}
	l.mu.Lock()
	l.entries[index] = raw
	l.mu.Unlock()
	return nil
}

// Entries returns a copy of the calibration points
func (l *ResistanceLUT) Entries() []uint16 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uint16(nil), l.entries[:]...)
}

// Checksum is the 16-bit sum of all entries xor 0xB01D
func (l *ResistanceLUT) Checksum() uint16 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum uint16
	for _, e := range l.entries {
		sum += e
	}
	return sum ^ lutChecksumKey
}

// Valid reports whether every point is set and the points strictly increase
func (l *ResistanceLUT) Valid() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validLocked()
}

func (l *ResistanceLUT) validLocked() bool {
	for i, e := range l.entries {
		if e == LUTUnset {
			return false
		}
		if i > 0 && e <= l.entries[i-1] {
			return false
		}
	}
	return true
}

// Translate converts a raw reading to 0..100, or ResistanceUnknown when the table is invalid
// or raw lies outside the calibrated range.
func (l *ResistanceLUT) Translate(raw uint16) uint8 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.validLocked() {
		return ResistanceUnknown
	}
	if raw < l.entries[0] || raw > l.entries[LUTSize-1] {
		return ResistanceUnknown
	}

	lb := 0
	for ; lb < LUTSize-2; lb++ {
		if raw >= l.entries[lb] && raw <= l.entries[lb+1] {
			break
		}
	}
	proportion := float64(raw-l.entries[lb]) / float64(l.entries[lb+1]-l.entries[lb])
	return uint8(lutSpacing * (proportion + float64(lb)))
}
