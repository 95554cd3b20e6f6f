package ring

import (
	"sync"
	"time"

	"go.miragespace.co/ringstore/timing"

	"go.uber.org/zap/zapcore"
)

// Peer is the health record of an endpoint this node has encountered
type Peer struct {
	Endpoint string
	ID       uint64

	mu             sync.Mutex
	failures       int
	failureStart   time.Time
	lastFailure    time.Time
	lastSuccess    time.Time
	triedSuccessor bool
	triedRandom    bool
}

func newPeer(endpoint string, id uint64) *Peer {
	return &Peer{
		Endpoint: endpoint,
		ID:       id,
	}
}

func backoff(failures int) time.Duration {
	d := timing.PeerBackoffStep * time.Duration(failures)
	if d > timing.PeerBackoffMax {
		return timing.PeerBackoffMax
	}
	return d
}

// CanConnect reports whether the peer is healthy or its backoff has elapsed
func (p *Peer) CanConnect(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures == 0 {
		return true
	}
	return now.Sub(p.lastFailure) >= backoff(p.failures)
}

func (p *Peer) markSuccess(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.failureStart = time.Time{}
	p.lastSuccess = now
}

func (p *Peer) markFailure(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures == 0 {
		p.failureStart = now
	}
	p.failures++
	p.lastFailure = now
}

// expired reports whether the peer has been failing continuously for longer than after
func (p *Peer) expired(now time.Time, after time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures > 0 && now.Sub(p.failureStart) >= after
}

func (p *Peer) tryAsSuccessor() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.triedSuccessor {
		return false
	}
	p.triedSuccessor = true
	return true
}

func (p *Peer) tryForRandomPing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.triedRandom {
		return false
	}
	p.triedRandom = true
	return true
}

func (p *Peer) resetTried(successor, random bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if successor {
		p.triedSuccessor = false
	}
	if random {
		p.triedRandom = false
	}
}

type PeerSnapshot struct {
	Endpoint     string
	ID           uint64
	Failures     int
	FailureStart time.Time
	LastSuccess  time.Time
}

func (p *Peer) snapshot() PeerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerSnapshot{
		Endpoint:     p.Endpoint,
		ID:           p.ID,
		Failures:     p.failures,
		FailureStart: p.failureStart,
		LastSuccess:  p.lastSuccess,
	}
}

var _ zapcore.ObjectMarshaler = (*Peer)(nil)

func (p *Peer) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("endpoint", p.Endpoint)
	enc.AddUint64("id", p.ID)
	return nil
}
