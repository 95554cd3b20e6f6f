package entropy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.miragespace.co/ringstore/spec/kv"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/util"

	"go.uber.org/zap"
)

type Status string

const (
	StatusIdle             Status = "idle"
	StatusResponsible      Status = "responsible"
	StatusNotResponsible   Status = "not_responsible"
	StatusPullInProgress   Status = "pulling"
	StatusEnqueued         Status = "enqueued"
	StatusDeferring        Status = "deferring"
	StatusNoPeersAvailable Status = "no_peers"
	StatusStorageError     Status = "storage_error"
)

// announceable statuses are at rest and may be announced
func (s Status) announceable() bool {
	switch s {
	case StatusPullInProgress, StatusEnqueued, StatusDeferring:
		return false
	default:
		return true
	}
}

// SyncState is the persisted synchronization record of one tracked key
type SyncState struct {
	Path         string                 `json:"path"`
	Status       Status                 `json:"status"`
	LastAnnounce time.Time              `json:"lastAnnounce"`
	LastPull     time.Time              `json:"lastPull"`
	Queued       time.Time              `json:"queued"`
	Attempts     int                    `json:"attempts"`
	NextAttempt  time.Time              `json:"nextAttempt"`
	Local        *protocol.Announcement `json:"local,omitempty"`
	Inbound      *protocol.Announcement `json:"inbound,omitempty"`
	Announcers   []Announcer            `json:"announcers,omitempty"`
}

// Announcer is a peer that announced a key, and when it last did
type Announcer struct {
	Endpoint string    `json:"endpoint"`
	Seen     time.Time `json:"seen"`
}

type sentRecord struct {
	count int
	last  time.Time
}

// history throttles repeated announcements of one version to the same peer
type history struct {
	fingerprint string
	peers       map[string]*sentRecord
}

func (h *history) allow(peer, fingerprint string, now time.Time, limit int, reset time.Duration) bool {
	if h.fingerprint != fingerprint {
		h.fingerprint = fingerprint
		h.peers = make(map[string]*sentRecord)
	}
	rec, ok := h.peers[peer]
	if !ok || rec.count < limit {
		return true
	}
	if now.Sub(rec.last) >= reset {
		rec.count = 0
		return true
	}
	return false
}

func (h *history) record(peer string, now time.Time) {
	rec, ok := h.peers[peer]
	if !ok {
		rec = &sentRecord{}
		h.peers[peer] = rec
	}
	rec.count++
	rec.last = now
}

type entry struct {
	mu         sync.Mutex
	state      SyncState
	// keyed by host, a host counts once whatever port it announces from
	announcers map[string]Announcer
	history    history
}

func newEntry(path string) *entry {
	return &entry{
		state: SyncState{
			Path:   path,
			Status: StatusIdle,
		},
		announcers: make(map[string]Announcer),
		history: history{
			peers: make(map[string]*sentRecord),
		},
	}
}

// noteAnnouncer records endpoint as a recent announcer. Entries older than expiry are dropped and
// the least recently seen is evicted beyond limit. Must be called with e.mu held
func (e *entry) noteAnnouncer(endpoint string, seen time.Time, expiry time.Duration, limit int) {
	host := util.EndpointHost(endpoint)
	if host == "" {
		return
	}
	if prev, ok := e.announcers[host]; ok && prev.Seen.After(seen) {
		return
	}
	e.announcers[host] = Announcer{Endpoint: endpoint, Seen: seen}
	e.pruneAnnouncers(seen, expiry)
	for len(e.announcers) > limit {
		oldest := ""
		for h, a := range e.announcers {
			if oldest == "" || a.Seen.Before(e.announcers[oldest].Seen) {
				oldest = h
			}
		}
		delete(e.announcers, oldest)
	}
}

// pruneAnnouncers must be called with e.mu held
func (e *entry) pruneAnnouncers(now time.Time, expiry time.Duration) {
	for h, a := range e.announcers {
		if now.Sub(a.Seen) > expiry {
			delete(e.announcers, h)
		}
	}
}

// announcerList returns the announcers most recently seen first. Must be called with e.mu held
func (e *entry) announcerList() []Announcer {
	list := make([]Announcer, 0, len(e.announcers))
	for _, a := range e.announcers {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Seen.Equal(list[j].Seen) {
			return list[i].Seen.After(list[j].Seen)
		}
		return list[i].Endpoint < list[j].Endpoint
	})
	return list
}

func endpoints(announcers []Announcer) []string {
	out := make([]string, 0, len(announcers))
	for _, a := range announcers {
		out = append(out, a.Endpoint)
	}
	return out
}

// due is when the key wants a pull, zero when it does not
func (s *SyncState) due() time.Time {
	switch s.Status {
	case StatusEnqueued:
		return s.Queued
	case StatusDeferring:
		return s.NextAttempt
	default:
		return time.Time{}
	}
}

const statePrefix = "sync/"

func stateKey(path string) string {
	return statePrefix + path
}

// persist must be called with e.mu held
func (s *Sync) persist(ctx context.Context, e *entry) error {
	e.state.Announcers = e.announcerList()
	buf, err := json.Marshal(&e.state)
	if err != nil {
		return fmt.Errorf("encoding sync state of %s: %w", e.state.Path, err)
	}
	if err := s.store.Set(ctx, stateKey(e.state.Path), string(buf)); err != nil {
		return fmt.Errorf("persisting sync state of %s: %w", e.state.Path, err)
	}
	return nil
}

// transition moves e to status and persists it. Must be called with e.mu held
func (s *Sync) transition(ctx context.Context, e *entry, status Status) {
	e.state.Status = status
	if err := s.persist(ctx, e); err != nil {
		s.logger.Error("Failed to persist sync state", zap.String("path", e.state.Path), zap.Error(err))
	}
}

func (s *Sync) entry(path string) *entry {
	e, _ := s.states.LoadOrStoreLazy(path, func() *entry {
		return newEntry(path)
	})
	return e
}

// LoadStates decodes every sync state persisted in store. Keys that do not decode are returned as corrupt
func LoadStates(ctx context.Context, store kv.Store) (states []SyncState, corrupt []string, err error) {
	keys, err := store.ListKeys(ctx, statePrefix)
	if err != nil {
		return nil, nil, err
	}
	for _, k := range keys {
		val, found, err := store.Get(ctx, k)
		if err != nil {
			return states, corrupt, err
		}
		if !found {
			continue
		}
		var state SyncState
		if err := json.Unmarshal([]byte(val), &state); err != nil || state.Path != strings.TrimPrefix(k, statePrefix) {
			corrupt = append(corrupt, k)
			continue
		}
		states = append(states, state)
	}
	return states, corrupt, nil
}

// Load restores persisted sync states. Pulls interrupted by a restart are enqueued again
func (s *Sync) Load(ctx context.Context) (int, error) {
	states, corrupt, err := LoadStates(ctx, s.store)
	if err != nil {
		return 0, err
	}
	for _, k := range corrupt {
		s.logger.Warn("Discarding corrupt sync state", zap.String("key", k))
		if err := s.store.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	for _, state := range states {
		if state.Status == StatusPullInProgress {
			state.Status = StatusEnqueued
		}
		e := newEntry(state.Path)
		e.state = state
		for _, a := range state.Announcers {
			e.noteAnnouncer(a.Endpoint, a.Seen, s.cfg.AnnouncerExpiry, s.cfg.MaxAnnouncers)
		}
		e.pruneAnnouncers(s.cfg.Clock.Now(), s.cfg.AnnouncerExpiry)
		s.states.Store(state.Path, e)
	}
	if len(states) > 0 {
		s.logger.Info("Restored sync states", zap.Int("count", len(states)))
	}
	return len(states), nil
}

// State returns a copy of the sync state of path
func (s *Sync) State(path string) (SyncState, bool) {
	e, ok := s.states.Load(path)
	if !ok {
		return SyncState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	st.Announcers = e.announcerList()
	return st, true
}

// Tracked lists every tracked key in ascending order
func (s *Sync) Tracked() []string {
	paths := make([]string, 0, s.states.Len())
	s.states.Range(func(path string, _ *entry) bool {
		paths = append(paths, path)
		return true
	})
	return paths
}
