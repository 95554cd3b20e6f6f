package util

import (
	"math/rand"
	"time"
)

// RandomTimeRange returns time.Duration between [interval/2, interval] randomly
func RandomTimeRange(interval time.Duration) time.Duration {
	t := interval / 2
	if t <= 0 {
		return interval
	}
	return time.Duration(rand.Int63n(int64(t*2)-int64(t)) + int64(t))
}

// Ladder returns the step for the given attempt, or false once attempts exceed the ladder
func Ladder(steps []time.Duration, attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(steps) {
		return 0, false
	}
	return steps[attempt], true
}
