package record

import (
	"context"
	"strings"
	"time"

	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/timing"
)

// versions further ahead of the local clock than this are rejected
const maxClockSkew = time.Minute * 5

type validators struct {
	clock timing.Clock
}

func (v validators) common(candidate item.Item) error {
	if candidate.UpdatedUtc().IsZero() {
		return ring.NewValidationError("%s has no version", candidate.Kind())
	}
	if candidate.UpdatedUtc().After(v.clock.Now().Add(maxClockSkew)) {
		return ring.NewValidationError("%s version %s is in the future", candidate.Kind(), candidate.UpdatedUtc().Format(time.RFC3339))
	}
	if !ValidKey(candidate.Path()) {
		return ring.NewValidationError("malformed path %q", candidate.Path())
	}
	return nil
}

func validID(id string) bool {
	return id != "" && !strings.Contains(id, "/")
}

func (v validators) account(_ context.Context, candidate item.Item, existing item.Item) error {
	acc, ok := candidate.(*Account)
	if !ok {
		return ring.NewValidationError("expected account, got %s", candidate.Kind())
	}
	if !validID(acc.ID) {
		return ring.NewValidationError("invalid account id %q", acc.ID)
	}
	if err := v.common(candidate); err != nil {
		return err
	}
	if acc.Owner == "" {
		return ring.NewValidationError("account %s has no owner", acc.ID)
	}
	if acc.Balance < 0 {
		return ring.NewValidationError("account %s balance is negative", acc.ID)
	}
	if prev, ok := existing.(*Account); ok && prev != nil {
		if prev.Owner != acc.Owner {
			return ring.NewValidationError("account %s owner cannot change", acc.ID)
		}
		if acc.LastTransactionUtc.Before(prev.LastTransactionUtc) {
			return ring.NewValidationError("account %s rewinds its last transaction", acc.ID)
		}
	}
	return nil
}

func (v validators) transaction(_ context.Context, candidate item.Item, existing item.Item) error {
	tx, ok := candidate.(*Transaction)
	if !ok {
		return ring.NewValidationError("expected transaction, got %s", candidate.Kind())
	}
	if !validID(tx.Account) || !validID(tx.ID) {
		return ring.NewValidationError("invalid transaction key %q", tx.Path())
	}
	if err := v.common(candidate); err != nil {
		return err
	}
	if tx.Amount == 0 {
		return ring.NewValidationError("transaction %s has no amount", tx.ID)
	}
	if tx.Counterparty == tx.Account {
		return ring.NewValidationError("transaction %s targets its own account", tx.ID)
	}
	// transactions are immutable once recorded
	if prev, ok := existing.(*Transaction); ok && prev != nil {
		if prev.Amount != tx.Amount || prev.Counterparty != tx.Counterparty {
			return ring.NewValidationError("transaction %s cannot be modified", tx.ID)
		}
	}
	return nil
}

func (v validators) vote(_ context.Context, candidate item.Item, existing item.Item) error {
	vote, ok := candidate.(*Vote)
	if !ok {
		return ring.NewValidationError("expected vote, got %s", candidate.Kind())
	}
	if !validID(vote.Account) || !validID(vote.ID) {
		return ring.NewValidationError("invalid vote key %q", vote.Path())
	}
	if err := v.common(candidate); err != nil {
		return err
	}
	if vote.Ballot == "" || vote.Choice == "" {
		return ring.NewValidationError("vote %s is incomplete", vote.ID)
	}
	if prev, ok := existing.(*Vote); ok && prev != nil && prev.Ballot != vote.Ballot {
		return ring.NewValidationError("vote %s cannot move to another ballot", vote.ID)
	}
	return nil
}
