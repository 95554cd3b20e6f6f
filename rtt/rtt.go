package rtt

import (
	"sync"
	"time"

	"go.miragespace.co/ringstore/spec/rtt"
	"go.miragespace.co/ringstore/timing"
	"go.miragespace.co/ringstore/util"

	"github.com/montanaflynn/stats"
	"github.com/zhangyunhao116/skipmap"
)

type point struct {
	time  time.Time
	value float64
}

type container struct {
	mu   sync.RWMutex
	data []point
}

// Instrumentation keeps the last few latency samples of every peer
type Instrumentation struct {
	measurement *skipmap.StringMap[*container]
	clock       timing.Clock
	length      int
}

var _ rtt.Recorder = (*Instrumentation)(nil)

func NewInstrumentation(max int, clock timing.Clock) *Instrumentation {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	return &Instrumentation{
		measurement: skipmap.NewString[*container](),
		clock:       clock,
		length:      max,
	}
}

func (i *Instrumentation) Record(endpoint string, latency time.Duration) {
	if latency < 0 {
		return
	}
	c, _ := i.measurement.LoadOrStoreLazy(endpoint, func() *container {
		return &container{
			data: make([]point, 0, i.length),
		}
	})
	c.mu.Lock()
	if len(c.data) >= i.length {
		c.data = c.data[1:]
	}
	c.data = append(c.data, point{
		time:  i.clock.Now(),
		value: float64(latency),
	})
	c.mu.Unlock()
}

func (i *Instrumentation) Snapshot(endpoint string, last time.Duration) *rtt.Statistics {
	c, ok := i.measurement.Load(endpoint)
	if !ok {
		return nil
	}
	var (
		now    = i.clock.Now()
		values = make([]float64, 0)
		since  time.Time
		until  time.Time
	)
	c.mu.RLock()
	for _, p := range c.data {
		if now.Sub(p.time) <= last {
			if since.IsZero() {
				since = p.time
			}
			until = p.time
			values = append(values, p.value)
		}
	}
	c.mu.RUnlock()
	if len(values) < 1 {
		return nil
	}
	return &rtt.Statistics{
		Since:             since,
		Until:             until,
		Samples:           len(values),
		Min:               time.Duration(util.Must(stats.Min(values))),
		Average:           time.Duration(util.Must(stats.Mean(values))),
		P90:               time.Duration(util.Must(stats.Percentile(values, 90))),
		Max:               time.Duration(util.Must(stats.Max(values))),
		StandardDeviation: time.Duration(util.Must(stats.StandardDeviation(values))),
	}
}

func (i *Instrumentation) Drop(endpoint string) {
	i.measurement.Delete(endpoint)
}
