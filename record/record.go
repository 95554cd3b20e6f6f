package record

import (
	"strings"
	"time"

	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/timing"
)

const (
	KindAccount     = "account"
	KindTransaction = "transaction"
	KindVote        = "vote"

	CollectionTransactions = "transactions"
	CollectionVotes        = "votes"

	accountsRoot = "accounts/"
)

type Account struct {
	ID                 string    `json:"id"`
	Owner              string    `json:"owner"`
	Balance            int64     `json:"balance"`
	LastTransactionUtc time.Time `json:"lastTransactionUtc"`
	Updated            time.Time `json:"updatedUtc"`
}

var _ item.Aggregate = (*Account)(nil)

func (a *Account) Kind() string          { return KindAccount }
func (a *Account) Path() string          { return AccountPath(a.ID) }
func (a *Account) UpdatedUtc() time.Time { return a.Updated }
func (a *Account) Collections() []string {
	return []string{CollectionTransactions, CollectionVotes}
}

type Transaction struct {
	Account      string    `json:"account"`
	ID           string    `json:"id"`
	Amount       int64     `json:"amount"`
	Counterparty string    `json:"counterparty"`
	Updated      time.Time `json:"updatedUtc"`
}

var _ item.Item = (*Transaction)(nil)

func (t *Transaction) Kind() string { return KindTransaction }
func (t *Transaction) Path() string {
	return AccountPath(t.Account) + "/" + CollectionTransactions + "/" + t.ID
}
func (t *Transaction) UpdatedUtc() time.Time { return t.Updated }

type Vote struct {
	Account string    `json:"account"`
	ID      string    `json:"id"`
	Ballot  string    `json:"ballot"`
	Choice  string    `json:"choice"`
	Updated time.Time `json:"updatedUtc"`
}

var _ item.Item = (*Vote)(nil)

func (v *Vote) Kind() string { return KindVote }
func (v *Vote) Path() string {
	return AccountPath(v.Account) + "/" + CollectionVotes + "/" + v.ID
}
func (v *Vote) UpdatedUtc() time.Time { return v.Updated }

func AccountPath(id string) string {
	return accountsRoot + id
}

// ValidKey reports whether path names a record this package knows how to store
func ValidKey(path string) bool {
	if !strings.HasPrefix(path, accountsRoot) {
		return false
	}
	parts := strings.Split(strings.TrimPrefix(path, accountsRoot), "/")
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	switch len(parts) {
	case 1:
		return true
	case 3:
		return parts[1] == CollectionTransactions || parts[1] == CollectionVotes
	default:
		return false
	}
}

// Register makes the record kinds known to r with their default validators
func Register(r *item.Registry, clock timing.Clock) {
	if clock == nil {
		clock = timing.SystemClock{}
	}
	v := validators{clock: clock}
	item.Register[Account](r, KindAccount, item.ValidatorFunc(v.account))
	item.Register[Transaction](r, KindTransaction, item.ValidatorFunc(v.transaction))
	item.Register[Vote](r, KindVote, item.ValidatorFunc(v.vote))
}
