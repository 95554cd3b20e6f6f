package item

import (
	"sort"
)

// Consensus is the result of reconciling independently fetched copies of one item
type Consensus struct {
	Item     Item
	Count    int
	Required int
}

// OK reports whether enough copies agreed for the value to be authoritative
func (c Consensus) OK() bool {
	return c.Item != nil && c.Count >= c.Required
}

// Transient reports a usable but unconfirmed value
func (c Consensus) Transient() bool {
	return c.Item != nil && c.Count < c.Required
}

// Resolve picks the newest version among copies and counts how many copies carry it.
// Copies with equal versions are duplicates and count together. Nil copies are ignored.
func Resolve(copies []Item, required int) Consensus {
	present := make([]Item, 0, len(copies))
	for _, c := range copies {
		if c != nil {
			present = append(present, c)
		}
	}
	if len(present) == 0 {
		return Consensus{Required: required}
	}
	sort.SliceStable(present, func(i, j int) bool {
		return present[i].UpdatedUtc().After(present[j].UpdatedUtc())
	})
	top := present[0].UpdatedUtc()
	count := 0
	for _, c := range present {
		if !c.UpdatedUtc().Equal(top) {
			break
		}
		count++
	}
	return Consensus{
		Item:     present[0],
		Count:    count,
		Required: required,
	}
}
