package record

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/timing"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func registry() *item.Registry {
	r := item.NewRegistry()
	Register(r, timing.NewManualClock(now))
	return r
}

func requireRejected(t *testing.T, err error) {
	t.Helper()
	var ve *ring.ValidationError
	require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
}

func TestPaths(t *testing.T) {
	as := require.New(t)

	acc := &Account{ID: "alice"}
	as.Equal("accounts/alice", acc.Path())
	as.Equal("accounts/alice/transactions/", item.CollectionPath(acc, CollectionTransactions))

	tx := &Transaction{Account: "alice", ID: "t1"}
	as.Equal("accounts/alice/transactions/t1", tx.Path())

	vote := &Vote{Account: "alice", ID: "v1"}
	as.Equal("accounts/alice/votes/v1", vote.Path())

	as.True(ValidKey("accounts/alice"))
	as.True(ValidKey("accounts/alice/votes/v1"))
	as.False(ValidKey("accounts/"))
	as.False(ValidKey("accounts/alice/other/x"))
	as.False(ValidKey("accounts/alice/votes"))
	as.False(ValidKey("users/alice"))
	as.False(ValidKey("accounts//votes/x"))
}

func TestAccountValidation(t *testing.T) {
	as := require.New(t)
	r := registry()
	ctx := context.Background()

	acc := &Account{ID: "alice", Owner: "pk-alice", Balance: 10, Updated: now}
	as.NoError(r.Validate(ctx, acc, nil))

	requireRejected(t, r.Validate(ctx, &Account{ID: "alice", Owner: "pk", Balance: -1, Updated: now}, nil))
	requireRejected(t, r.Validate(ctx, &Account{ID: "alice", Balance: 1, Updated: now}, nil))
	requireRejected(t, r.Validate(ctx, &Account{ID: "alice", Owner: "pk"}, nil))
	requireRejected(t, r.Validate(ctx, &Account{ID: "alice", Owner: "pk", Updated: now.Add(time.Hour)}, nil))
	requireRejected(t, r.Validate(ctx, &Account{ID: "a/b", Owner: "pk", Updated: now}, nil))

	stolen := &Account{ID: "alice", Owner: "pk-mallory", Balance: 10, Updated: now.Add(time.Second)}
	requireRejected(t, r.Validate(ctx, stolen, acc))
}

func TestTransactionValidation(t *testing.T) {
	as := require.New(t)
	r := registry()
	ctx := context.Background()

	tx := &Transaction{Account: "alice", ID: "t1", Amount: 5, Counterparty: "bob", Updated: now}
	as.NoError(r.Validate(ctx, tx, nil))
	as.NoError(r.Validate(ctx, tx, tx))

	changed := *tx
	changed.Amount = 50
	changed.Updated = now.Add(time.Second)
	requireRejected(t, r.Validate(ctx, &changed, tx))

	requireRejected(t, r.Validate(ctx, &Transaction{Account: "alice", ID: "t2", Counterparty: "bob", Updated: now}, nil))
	requireRejected(t, r.Validate(ctx, &Transaction{Account: "alice", ID: "t3", Amount: 1, Counterparty: "alice", Updated: now}, nil))
}

func TestVoteValidation(t *testing.T) {
	as := require.New(t)
	r := registry()
	ctx := context.Background()

	vote := &Vote{Account: "alice", ID: "v1", Ballot: "b1", Choice: "yes", Updated: now}
	as.NoError(r.Validate(ctx, vote, nil))

	changed := &Vote{Account: "alice", ID: "v1", Ballot: "b1", Choice: "no", Updated: now.Add(time.Second)}
	as.NoError(r.Validate(ctx, changed, vote))

	moved := &Vote{Account: "alice", ID: "v1", Ballot: "b2", Choice: "no", Updated: now.Add(time.Second)}
	requireRejected(t, r.Validate(ctx, moved, vote))

	requireRejected(t, r.Validate(ctx, &Vote{Account: "alice", ID: "v2", Ballot: "b1", Updated: now}, nil))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	as := require.New(t)
	r := registry()

	acc := &Account{ID: "alice", Owner: "pk", Balance: 3, Updated: now}
	env, err := r.Encode(acc)
	as.NoError(err)
	as.Equal(KindAccount, env.Kind)

	decoded, err := r.Decode(env)
	as.NoError(err)
	as.Equal(acc, decoded)

	_, ok := decoded.(item.Aggregate)
	as.True(ok)
}
