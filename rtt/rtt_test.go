package rtt

import (
	"testing"
	"time"

	"go.miragespace.co/ringstore/timing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentationWindow(t *testing.T) {
	as := require.New(t)

	clock := timing.NewManualClock(time.Now())
	inst := NewInstrumentation(3, clock)

	as.Nil(inst.Snapshot("a", time.Minute))

	for _, d := range []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 4 * time.Millisecond} {
		inst.Record("a", d)
		clock.Advance(time.Second)
	}

	s := inst.Snapshot("a", time.Minute)
	as.NotNil(s)
	as.Equal(3, s.Samples)
	as.Equal(2*time.Millisecond, s.Min)
	as.Equal(4*time.Millisecond, s.Max)
	as.Equal(3*time.Millisecond, s.Average)
	as.NotEmpty(s.String())

	clock.Advance(time.Hour)
	as.Nil(inst.Snapshot("a", time.Minute))

	inst.Record("a", -time.Second)
	inst.Drop("a")
	as.Nil(inst.Snapshot("a", time.Hour*2))
}
