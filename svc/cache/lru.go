package cache

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxTombstones = 1000000

// Tombstones remembers ids whose view ceiling has been reached. It holds no
// paste data, only ids the store has already reported exhausted. Exhaustion is
// permanent, so a hit can never reverse a store decision: it is answered as not
// found without asking the store. A miss always falls through to the store.
// Expired ids are never added: their visibility depends on the caller's clock.
type Tombstones struct {
	c *lru.Cache[string, struct{}]
}

func NewTombstones(size int) (*Tombstones, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxTombstones {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Tombstones{c: c}, nil
}

func (t *Tombstones) Add(id string) {
	t.c.Add(id, struct{}{})
}

// Has refreshes recency on hit so repeatedly probed ids stay cached.
func (t *Tombstones) Has(id string) bool {
	_, ok := t.c.Get(id)
	return ok
}

func (t *Tombstones) Len() int {
	return t.c.Len()
}
