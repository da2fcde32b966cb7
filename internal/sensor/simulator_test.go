package sensor

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSimulator_PanicsOnNil(t *testing.T) {
	p := &BuiltinProfiles[0]
	assert.PanicsWithValue(t, "Simulator: profile cannot be nil", func() { NewSimulator(nil, 200, testLogger()) })
	assert.PanicsWithValue(t, "Simulator: logger cannot be nil", func() { NewSimulator(p, 200, nil) })
}

func TestSimulator_FollowsProfile(t *testing.T) {
	var buf bytes.Buffer
	p := &Profile{Name: "two", Blocks: []ProfileBlock{
		steady(0.5, 85, time.Minute),
		ProfileBlock{StartFTPMult: 1, EndFTPMult: 1, TargetCadence: 95, ResistancePct: 45, Duration: time.Minute},
	}}
	sim := NewSimulator(p, 240, log.New(&buf, "", 0))
	assert.Equal(t, "simulator: two", sim.Name())

	r, err := sim.Read(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Reading{CadenceRPM: 85, PowerW: 120, ResistancePct: ResistanceUnknown}, r)

	r, err = sim.Read(context.Background(), 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Reading{CadenceRPM: 95, PowerW: 240, ResistancePct: 45}, r)
	assert.Contains(t, buf.String(), "Moved to block 2/2")

	assert.Equal(t, 1, sim.Progress(90*time.Second).BlockIdx)
}

func TestSimulator_CoastsAfterEnd(t *testing.T) {
	var buf bytes.Buffer
	p := &Profile{Name: "short", Blocks: []ProfileBlock{steady(1, 90, time.Second)}}
	sim := NewSimulator(p, 200, log.New(&buf, "", 0))

	r, err := sim.Read(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, r.PowerW)
	assert.Zero(t, r.CadenceRPM)
	assert.Contains(t, buf.String(), "complete")
	assert.NoError(t, sim.Close())
}

func TestSimulator_CancelledContext(t *testing.T) {
	sim := NewSimulator(&BuiltinProfiles[0], 200, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.Read(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
