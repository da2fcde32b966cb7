package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResistanceLUT_NewIsInvalid(t *testing.T) {
	lut := NewResistanceLUT()
	assert.False(t, lut.Valid())
	assert.Equal(t, ResistanceUnknown, lut.Translate(1000))
}

func TestResistanceLUT_Translate(t *testing.T) {
	lut := linearLUT(t)
	require.True(t, lut.Valid())

	assert.Equal(t, uint8(0), lut.Translate(1000))
	assert.Equal(t, uint8(1), lut.Translate(1050))
	assert.Equal(t, uint8(33), lut.Translate(2000))
	assert.Equal(t, uint8(50), lut.Translate(2500))
	assert.Equal(t, uint8(100), lut.Translate(4000))
}

func TestResistanceLUT_OutOfRange(t *testing.T) {
	lut := linearLUT(t)
	assert.Equal(t, ResistanceUnknown, lut.Translate(999))
	assert.Equal(t, ResistanceUnknown, lut.Translate(4001))
}

func TestResistanceLUT_MustStrictlyIncrease(t *testing.T) {
	lut := linearLUT(t)
	require.NoError(t, lut.SetEntry(10, lut.Entries()[9]))
	assert.False(t, lut.Valid())
	assert.Equal(t, ResistanceUnknown, lut.Translate(1500))
}

func TestResistanceLUT_SetEntryRange(t *testing.T) {
	lut := NewResistanceLUT()
	assert.Error(t, lut.SetEntry(-1, 0))
	assert.Error(t, lut.SetEntry(LUTSize, 0))
}

func TestResistanceLUT_Checksum(t *testing.T) {
	lut := NewResistanceLUT()
	// 31 * 0xFFFF truncated to 16 bits is 0xFFE1
	assert.Equal(t, uint16(0xFFE1^0xB01D), lut.Checksum())

	restored, err := ResistanceLUTFromEntries(linearLUT(t).Entries(), linearLUT(t).Checksum())
	require.NoError(t, err)
	assert.True(t, restored.Valid())

	_, err = ResistanceLUTFromEntries(linearLUT(t).Entries(), 0x1234)
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = ResistanceLUTFromEntries([]uint16{1, 2, 3}, 0)
	assert.Error(t, err)
}
