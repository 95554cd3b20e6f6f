package rtt

import (
	"fmt"
	"time"
)

// Recorder keeps round trip samples per peer endpoint
type Recorder interface {
	Snapshot(endpoint string, past time.Duration) *Statistics
	Record(endpoint string, latency time.Duration)
	Drop(endpoint string)
}

type Statistics struct {
	Since             time.Time
	Until             time.Time
	Samples           int
	Min               time.Duration
	Average           time.Duration
	P90               time.Duration
	Max               time.Duration
	StandardDeviation time.Duration
}

func (s *Statistics) String() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("min/avg/p90/max/mdev = %v/%v/%v/%v/%v", s.Min, s.Average, s.P90, s.Max, s.StandardDeviation)
}
