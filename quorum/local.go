package quorum

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/kv"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/util/atomic"

	"go.uber.org/zap"
)

const (
	itemPrefix = "item/"

	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func itemKey(path string) string {
	return itemPrefix + path
}

// Local is the committed copy of every item this node holds
type Local struct {
	logger   *zap.Logger
	store    kv.Store
	registry *item.Registry
	locks    *atomic.KeyedRWMutex
}

func NewLocal(logger *zap.Logger, store kv.Store, registry *item.Registry) *Local {
	return &Local{
		logger:   logger,
		store:    store,
		registry: registry,
		locks:    atomic.NewKeyedRWMutex(),
	}
}

// GetEnvelope returns the stored envelope of path, nil when missing. A record that no longer
// decodes is deleted and reported as missing so anti-entropy can restore it.
func (l *Local) GetEnvelope(ctx context.Context, path string) (*protocol.Envelope, item.Item, error) {
	val, found, err := l.store.Get(ctx, itemKey(path))
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if !found {
		return nil, nil, nil
	}

	var env protocol.Envelope
	err = json.Unmarshal([]byte(val), &env)
	var it item.Item
	if err == nil {
		it, err = l.registry.Decode(&env)
	}
	if err == nil && it.Path() != path {
		err = fmt.Errorf("record claims path %q", it.Path())
	}
	if err != nil {
		l.logger.Warn("Discarding corrupt record",
			zap.String("path", path),
			zap.Error(fmt.Errorf("%w: %v", ring.ErrStorageCorrupt, err)))
		if delErr := l.store.Delete(ctx, itemKey(path)); delErr != nil {
			return nil, nil, fmt.Errorf("deleting corrupt %s: %w", path, delErr)
		}
		return nil, nil, nil
	}
	return &env, it, nil
}

// Get returns the committed item at path, nil when missing
func (l *Local) Get(ctx context.Context, path string) (item.Item, error) {
	_, it, err := l.GetEnvelope(ctx, path)
	return it, err
}

// Put stores it unless the local copy is newer. Equal versions overwrite
func (l *Local) Put(ctx context.Context, it item.Item) error {
	unlock := l.locks.Lock(it.Path())
	defer unlock()

	existing, err := l.Get(ctx, it.Path())
	if err != nil {
		return err
	}
	if item.Newer(existing, it) {
		return fmt.Errorf("%w: local copy of %s is at %s", ring.ErrObjectSuperseded, it.Path(), existing.UpdatedUtc())
	}

	env, err := l.registry.Encode(it)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", it.Path(), err)
	}
	return l.store.Set(ctx, itemKey(it.Path()), string(buf))
}

func (l *Local) Delete(ctx context.Context, path string) error {
	return l.store.Delete(ctx, itemKey(path))
}

// Paths lists the committed paths under prefix in ascending order
func (l *Local) Paths(ctx context.Context, prefix string) ([]string, error) {
	keys, err := l.store.ListKeys(ctx, itemKey(prefix))
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		paths = append(paths, strings.TrimPrefix(k, itemPrefix))
	}
	return paths, nil
}

// List returns one page of the direct members of the collection at req.Path, filtered to
// the [Since, Until) update window and sorted by version
func (l *Local) List(ctx context.Context, req protocol.ListRequest) ([]item.Item, bool, error) {
	prefix := req.Path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	paths, err := l.Paths(ctx, prefix)
	if err != nil {
		return nil, false, err
	}

	items := make([]item.Item, 0, len(paths))
	for _, p := range paths {
		if strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			continue
		}
		it, err := l.Get(ctx, p)
		if err != nil {
			return nil, false, err
		}
		if it == nil {
			continue
		}
		if !req.Since.IsZero() && it.UpdatedUtc().Before(req.Since) {
			continue
		}
		if !req.Until.IsZero() && !it.UpdatedUtc().Before(req.Until) {
			continue
		}
		items = append(items, it)
	}

	desc := req.Order == protocol.SortDescending
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].UpdatedUtc(), items[j].UpdatedUtc()
		if a.Equal(b) {
			return items[i].Path() < items[j].Path()
		}
		if desc {
			return a.After(b)
		}
		return a.Before(b)
	})

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []item.Item{}, false, nil
	}
	end := offset + limit
	more := end < len(items)
	if !more {
		end = len(items)
	}
	return items[offset:end], more, nil
}
