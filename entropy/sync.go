package entropy

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.miragespace.co/ringstore/quorum"
	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/kv"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"

	"github.com/zeebo/xxh3"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
)

// Sync keeps the local copies of tracked keys converging with the rest of the ring by
// announcing what this node holds and pulling what it is told it is missing
type Sync struct {
	logger *zap.Logger
	router ring.Router
	quorum *quorum.Store
	local  *quorum.Local
	store  kv.Store
	cfg    Config

	states *skipmap.StringMap[*entry]
}

func New(cfg Config) (*Sync, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	return &Sync{
		logger: cfg.Logger.With(zap.String("component", "entropy")),
		router: cfg.Router,
		quorum: cfg.Quorum,
		local:  cfg.Quorum.Local(),
		store:  cfg.Store,
		cfg:    cfg,
		states: skipmap.NewString[*entry](),
	}, nil
}

// Track starts synchronizing path. A tracked key whose content changed is announced on the next tick
func (s *Sync) Track(ctx context.Context, path string) {
	_, existed := s.states.Load(path)
	e := s.entry(path)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existed {
		e.state.Local = nil
		e.state.LastAnnounce = time.Time{}
	}
	s.transition(ctx, e, e.state.Status)
}

// OnCommitted tracks committed aggregates and refreshes the parent of committed collection members
func (s *Sync) OnCommitted(ctx context.Context, it item.Item) {
	if _, ok := it.(item.Aggregate); ok {
		s.Track(ctx, it.Path())
		return
	}
	if parent, ok := parentPath(it.Path()); ok {
		if _, tracked := s.states.Load(parent); tracked {
			s.Track(ctx, parent)
		}
	}
}

// parentPath strips the collection and id segments off a collection member path
func parentPath(path string) (string, bool) {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return "", false
	}
	return strings.Join(parts[:len(parts)-2], "/"), true
}

// members returns the committed direct members of a collection keyed by path
func (s *Sync) members(ctx context.Context, agg item.Item, collection string) (map[string]item.Item, error) {
	prefix := item.CollectionPath(agg, collection)
	paths, err := s.local.Paths(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]item.Item, len(paths))
	for _, p := range paths {
		if strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			continue
		}
		it, err := s.local.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if it != nil {
			out[p] = it
		}
	}
	return out, nil
}

// collectionHash digests the sorted (path, version) pairs of a collection. Empty hashes to ""
func collectionHash(members map[string]item.Item) string {
	if len(members) == 0 {
		return ""
	}
	paths := make([]string, 0, len(members))
	for p := range members {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := xxh3.New()
	for _, p := range paths {
		h.WriteString(p)
		h.WriteString("|")
		h.WriteString(strconv.FormatInt(members[p].UpdatedUtc().UnixNano(), 10))
		h.WriteString("\n")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// announcement describes the local copy of it as peers should see it
func (s *Sync) announcement(ctx context.Context, it item.Item) (*protocol.Announcement, error) {
	ann := &protocol.Announcement{
		Path:       it.Path(),
		Endpoint:   s.router.Endpoint(),
		UpdatedUtc: it.UpdatedUtc(),
	}
	agg, ok := it.(item.Aggregate)
	if !ok {
		return ann, nil
	}
	ann.Hashes = make(map[string]string)
	for _, col := range agg.Collections() {
		members, err := s.members(ctx, agg, col)
		if err != nil {
			return nil, err
		}
		ann.Hashes[col] = collectionHash(members)
	}
	return ann, nil
}

// adopt commits a copy that was already sourced from a majority of peers
func (s *Sync) adopt(ctx context.Context, it item.Item) (bool, error) {
	existing, err := s.local.Get(ctx, it.Path())
	if err != nil {
		return false, err
	}
	if !item.Newer(it, existing) {
		return false, nil
	}
	token, err := s.quorum.Propose(ctx, it)
	if err != nil {
		return false, err
	}
	if err := s.quorum.Commit(ctx, token, true); err != nil {
		return false, err
	}
	return true, nil
}
