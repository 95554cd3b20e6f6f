package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRandomTimeRange(t *testing.T) {
	as := require.New(t)

	for i := 0; i < 100; i++ {
		d := RandomTimeRange(time.Second)
		as.GreaterOrEqual(d, time.Second/2)
		as.LessOrEqual(d, time.Second)
	}
	as.Equal(time.Duration(0), RandomTimeRange(0))
}

func TestLadder(t *testing.T) {
	as := require.New(t)

	steps := []time.Duration{time.Second, time.Minute}
	d, ok := Ladder(steps, 1)
	as.True(ok)
	as.Equal(time.Minute, d)

	_, ok = Ladder(steps, 2)
	as.False(ok)
}

func TestEndpointHost(t *testing.T) {
	as := require.New(t)

	as.Equal("10.0.0.1", EndpointHost("10.0.0.1:7000"))
	as.Equal("10.0.0.1", EndpointHost("ws://10.0.0.1:7000/ring"))
	as.Equal("node-a", EndpointHost("node-a"))

	as.Equal("10.0.0.2:7000", ReplaceEndpointHost("10.0.0.1:7000", "10.0.0.2"))
	as.Equal("ws://10.0.0.2:7000/ring", ReplaceEndpointHost("ws://10.0.0.1:7000/ring", "10.0.0.2"))

	as.Equal("127.0.0.1", RemoteHost("127.0.0.1:5555"))
}
