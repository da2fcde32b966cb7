package cycling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	handle  Handle
	payload []byte
}

// recordingSink copies every payload and answers per handle
type recordingSink struct {
	sent   []sentFrame
	failOn map[Handle]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failOn: make(map[Handle]bool)}
}

func (s *recordingSink) SetCharacteristic(handle Handle, payload []byte) bool {
	s.sent = append(s.sent, sentFrame{handle: handle, payload: append([]byte(nil), payload...)})
	if !handle.Valid() {
		return false
	}
	return !s.failOn[handle]
}

func testHandles() *Handles {
	return &Handles{
		CPService:         1,
		CPFeature:         2,
		CPMeasurement:     3,
		CPSensorLocation:  4,
		CSCService:        5,
		CSCFeature:        6,
		CSCMeasurement:    7,
		CSCSensorLocation: 8,
		SCControlPoint:    9,
	}
}

func TestNewUpdater_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewUpdater(nil, testHandles(), nil) })
	assert.Panics(t, func() { NewUpdater(newRecordingSink(), nil, nil) })
	assert.NotPanics(t, func() { NewUpdater(newRecordingSink(), testHandles(), nil) })
}

func TestUpdater_SendsCPThenCSC(t *testing.T) {
	sink := newRecordingSink()
	u := NewUpdater(sink, testHandles(), nil)

	ok := u.Update(100, 2000, 5000, 3000, 250, 12)
	assert.True(t, ok)

	require.Len(t, sink.sent, 2)
	assert.Equal(t, Handle(3), sink.sent[0].handle)
	assert.Equal(t, []byte{0x04, 0x00, 0xFA, 0x00, 0x0C, 0x00}, sink.sent[0].payload)
	assert.Equal(t, Handle(7), sink.sent[1].handle)
	assert.Equal(t, EncodeCSCMeasurement(100, 2000, 5000, 3000), sink.sent[1].payload)
}

func TestUpdater_ResultIsAndOfSends(t *testing.T) {
	cases := []struct {
		name    string
		failCP  bool
		failCSC bool
		want    bool
	}{
		{"both succeed", false, false, true},
		{"cp fails", true, false, false},
		{"csc fails", false, true, false},
		{"both fail", true, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := newRecordingSink()
			handles := testHandles()
			sink.failOn[handles.CPMeasurement] = tc.failCP
			sink.failOn[handles.CSCMeasurement] = tc.failCSC
			u := NewUpdater(sink, handles, nil)

			assert.Equal(t, tc.want, u.Update(1, 1, 1, 1, 1, 1))
			// Both frames are sent even when the first fails
			assert.Len(t, sink.sent, 2)

			frames := u.LastFrames()
			assert.Equal(t, !tc.failCP, frames.CPOK)
			assert.Equal(t, !tc.failCSC, frames.CSCOK)
		})
	}
}

func TestUpdater_ZeroHandleFailsGracefully(t *testing.T) {
	sink := newRecordingSink()
	handles := testHandles()
	handles.CSCMeasurement = InvalidHandle
	u := NewUpdater(sink, handles, nil)

	assert.False(t, u.Update(1, 1, 1, 1, 1, 1))
	require.Len(t, sink.sent, 2)
	assert.Equal(t, InvalidHandle, sink.sent[1].handle)
}

func TestUpdater_ControlPointDoesNotAffectResult(t *testing.T) {
	sink := newRecordingSink()
	cp := NewControlPoint(1)
	u := NewUpdater(sink, testHandles(), cp)

	cp.Write([]byte{0x01, 0x00, 0x00, 0x00, 0x00})
	cp.Write([]byte{0x03}) // dropped, mailbox holds one
	assert.True(t, u.Update(1, 1, 1, 1, 1, 1))

	stats := cp.Stats()
	assert.Equal(t, uint64(1), stats.Acknowledged)
	assert.Equal(t, uint64(1), stats.Dropped)
	// Nothing was sent in response to the control point write
	assert.Len(t, sink.sent, 2)

	sink.failOn[testHandles().CPMeasurement] = true
	cp.Write([]byte{0x01})
	assert.False(t, u.Update(1, 1, 1, 1, 1, 1))
	assert.Equal(t, uint64(2), cp.Stats().Acknowledged)
}

func TestUpdater_IdenticalInputsGiveIdenticalPayloads(t *testing.T) {
	sink := newRecordingSink()
	u := NewUpdater(sink, testHandles(), nil)

	s := Snapshot{CrankRevs: 77, LastCrankMs: 123456, WheelRevs: 98765, LastWheelMs: 123400, PowerW: 40000, EnergyKJ: 999}
	u.UpdateSnapshot(s)
	first := u.LastFrames()
	u.UpdateSnapshot(s)
	second := u.LastFrames()

	require.Len(t, sink.sent, 4)
	assert.Equal(t, sink.sent[0].payload, sink.sent[2].payload)
	assert.Equal(t, sink.sent[1].payload, sink.sent[3].payload)
	assert.Equal(t, first, second)
}

func TestUpdater_FramesDoNotShareStorage(t *testing.T) {
	var captured [][]byte
	sink := SinkFunc(func(handle Handle, payload []byte) bool {
		// keep the slice itself, not a copy
		captured = append(captured, payload)
		return true
	})
	u := NewUpdater(sink, testHandles(), nil)
	u.Update(100, 2000, 5000, 3000, 250, 12)

	require.Len(t, captured, 2)
	assert.Equal(t, EncodeCPMeasurement(250, 12), captured[0])
	assert.Equal(t, EncodeCSCMeasurement(100, 2000, 5000, 3000), captured[1])
}

func TestUpdater_LastFramesAreCopies(t *testing.T) {
	u := NewUpdater(newRecordingSink(), testHandles(), nil)
	u.Update(1, 1, 1, 1, 1, 1)

	frames := u.LastFrames()
	frames.CP[0] = 0xFF
	frames.CSC[0] = 0xFF

	again := u.LastFrames()
	assert.Equal(t, byte(0x04), again.CP[0])
	assert.Equal(t, byte(0x03), again.CSC[0])
}
