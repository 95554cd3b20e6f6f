package item

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
)

// Item is any versioned record that can be stored on the ring
type Item interface {
	Kind() string
	// Path is the storage key, stable for the lifetime of the record
	Path() string
	// UpdatedUtc is the last-writer-wins version
	UpdatedUtc() time.Time
}

// Aggregate is an item that owns sub-collections stored under its path
type Aggregate interface {
	Item
	Collections() []string
}

// CollectionPath returns the prefix under which members of collection are stored
func CollectionPath(parent Item, collection string) string {
	return parent.Path() + "/" + collection + "/"
}

// Validator decides whether candidate may replace existing, which is nil when no copy is known.
// Rejections should be *ring.ValidationError.
type Validator interface {
	Validate(ctx context.Context, candidate Item, existing Item) error
}

type ValidatorFunc func(ctx context.Context, candidate Item, existing Item) error

func (f ValidatorFunc) Validate(ctx context.Context, candidate Item, existing Item) error {
	return f(ctx, candidate, existing)
}

type kindEntry struct {
	decode    func(json.RawMessage) (Item, error)
	validator Validator
}

// Registry maps item kinds to their codec and validation strategy
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]kindEntry
}

func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]kindEntry),
	}
}

// Register makes kind known. T is the concrete record type, stored by pointer
func Register[T any, PT interface {
	*T
	Item
}](r *Registry, kind string, validator Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = kindEntry{
		decode: func(data json.RawMessage) (Item, error) {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return PT(&v), nil
		},
		validator: validator,
	}
}

func (r *Registry) lookup(kind string) (kindEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.kinds[kind]
	if !ok {
		return kindEntry{}, fmt.Errorf("%w: %q", ring.ErrUnknownKind, kind)
	}
	return e, nil
}

func (r *Registry) Encode(it Item) (*protocol.Envelope, error) {
	if _, err := r.lookup(it.Kind()); err != nil {
		return nil, err
	}
	data, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", it.Kind(), err)
	}
	return &protocol.Envelope{
		Kind: it.Kind(),
		Data: data,
	}, nil
}

func (r *Registry) Decode(env *protocol.Envelope) (Item, error) {
	if env == nil {
		return nil, ring.ErrItemNotFound
	}
	e, err := r.lookup(env.Kind)
	if err != nil {
		return nil, err
	}
	it, err := e.decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Kind, err)
	}
	if it.Path() == "" {
		return nil, fmt.Errorf("decoding %s: empty path", env.Kind)
	}
	return it, nil
}

// Validate runs the validator of the candidate's kind. Kinds without a validator accept everything
func (r *Registry) Validate(ctx context.Context, candidate Item, existing Item) error {
	e, err := r.lookup(candidate.Kind())
	if err != nil {
		return err
	}
	if e.validator == nil {
		return nil
	}
	return e.validator.Validate(ctx, candidate, existing)
}

// Newer reports whether a is strictly newer than b. Anything is newer than nothing
func Newer(a, b Item) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.UpdatedUtc().After(b.UpdatedUtc())
}
