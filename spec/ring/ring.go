package ring

import (
	"github.com/zeebo/xxh3"
)

const (
	// Also known as m in the original paper. Identifiers are full uint64 and wrap around naturally
	MaxFingerEntries = 64
	// Target number of copies of an object kept across the ring
	ReplicationFactor = 5
	// Minimum number of agreeing copies for a commit or a read to be authoritative
	MinimumNumberOfCopies = 2
	// Default bound on FIND forwarding
	DefaultMaxHops = 32
)

func Hash(key string) uint64 {
	return xxh3.HashString(key)
}

func ModuloSum(x, y uint64) uint64 {
	// uint64 overflow is the modulo
	return x + y
}

// InRange reports whether x IN (lo, hi], walking clockwise. lo == hi is the whole ring.
func InRange(x, lo, hi uint64) bool {
	if lo == hi {
		return true
	}
	if hi > lo {
		return lo < x && x <= hi
	}
	return lo < x || x <= hi
}

// target IN (low, high)
func BetweenStrict(low, target, high uint64) bool {
	if high > low {
		return low < target && target < high
	}
	return low < target || target < high
}

// Distance is the clockwise distance from low to high
func Distance(low, high uint64) uint64 {
	return high - low
}
