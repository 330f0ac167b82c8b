/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package objcache

import (
	"container/list"
	"errors"
	"io"

	"github.com/cloudwego/objpool/concurrency/gopool"
)

// evictWorkers is the fixed size of the background pool each Cache uses
// to run OnEvict hooks; eviction notifications are infrequent and
// independent of each other, so a small fixed pool is enough.
const (
	evictWorkers   = 1
	evictQueueSize = 64
)

// ErrInvalidCapacity is returned by New when capacity < 1.
var ErrInvalidCapacity = errors.New("objcache: capacity must be >= 1")

// Config carries the optional collaborators a Cache[K] may use. Both
// fields are optional; the zero Config gives a plain O(n) scan over the
// order list.
type Config[K any] struct {
	// Hash, when set, lets Cache keep a side index from hash bucket to
	// order-list elements so Get only scans within one bucket instead of
	// the full order list. Collisions are resolved with Entry.MatchesKey,
	// so a bad or colliding Hash only costs performance, never
	// correctness.
	Hash func(K) uint64

	// OnEvict, when set, is invoked with the key of every entry the
	// clock policy evicts (not one that is merely given a second
	// chance). It runs asynchronously via gopool, so a slow hook does not
	// run inside the call to Get that triggered the eviction; that Get
	// blocks only while the pool's queue of evictQueueSize pending
	// notifications is full.
	OnEvict func(K)
}

// record is the order-list payload: an entry plus its recently-used bit
// and the key it was constructed for (kept here, not just inside the
// Entry, so eviction and hash-index bookkeeping never need a downcast).
type record[K any] struct {
	key   K
	value Entry[K]
	bit   bool
	hash  uint64
}

// Cache is a capacity-bounded, single-threaded key→object cache using a
// second-chance (clock) eviction policy. The zero value is not usable;
// construct with New.
type Cache[K any] struct {
	capacity int
	order    *list.List // front = most recently touched

	hash    func(K) uint64
	index   map[uint64][]*list.Element
	onEvict func(K)
	workers *gopool.Pool
}

// New creates an empty cache of the given capacity. capacity must be >= 1.
func New[K any](capacity int, cfg Config[K]) (*Cache[K], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	c := &Cache[K]{
		capacity: capacity,
		order:    list.New(),
		hash:     cfg.Hash,
		onEvict:  cfg.OnEvict,
	}
	if c.hash != nil {
		c.index = make(map[uint64][]*list.Element, capacity)
	}
	if c.onEvict != nil {
		c.workers = gopool.New(evictWorkers, evictQueueSize)
	}
	return c, nil
}

// Len returns the number of entries currently stored.
func (c *Cache[K]) Len() int {
	return c.order.Len()
}

// Cap returns the cache's capacity N.
func (c *Cache[K]) Cap() int {
	return c.capacity
}

// Empty reports whether the cache currently holds no entries.
func (c *Cache[K]) Empty() bool {
	return c.order.Len() == 0
}

// Print writes every entry's String(), front to back, separated by a
// single space. Intended for debugging and tests, not a stable format.
func (c *Cache[K]) Print(w io.Writer) {
	first := true
	for el := c.order.Front(); el != nil; el = el.Next() {
		if !first {
			io.WriteString(w, " ")
		}
		first = false
		io.WriteString(w, el.Value.(*record[K]).value.String())
	}
}

// Close destroys every remaining entry via its own Destroy: a cache never
// leaks the objects it is still holding.
func (c *Cache[K]) Close() {
	for el := c.order.Front(); el != nil; el = el.Next() {
		el.Value.(*record[K]).value.Destroy()
	}
	c.order.Init()
	c.index = nil
}

// find scans for the element matching key, restricting the scan to one
// hash bucket when a Hash func is configured.
func (c *Cache[K]) find(key K) *list.Element {
	if c.hash == nil {
		for el := c.order.Front(); el != nil; el = el.Next() {
			if el.Value.(*record[K]).value.MatchesKey(key) {
				return el
			}
		}
		return nil
	}
	h := c.hash(key)
	for _, el := range c.index[h] {
		if el.Value.(*record[K]).value.MatchesKey(key) {
			return el
		}
	}
	return nil
}

// evictOne runs one pass of the clock policy: give every recently-used
// entry at the back a second chance (move to front, clear the bit) until
// the back entry has bit == false, then destroy and remove it.
func (c *Cache[K]) evictOne() {
	for {
		el := c.order.Back()
		if el == nil {
			return
		}
		rec := el.Value.(*record[K])
		if rec.bit {
			rec.bit = false
			c.order.MoveToFront(el)
			continue
		}
		c.order.Remove(el)
		c.removeFromIndex(rec)
		rec.value.Destroy()
		if c.onEvict != nil {
			key := rec.key
			onEvict := c.onEvict
			c.workers.Go(func() { onEvict(key) })
		}
		return
	}
}

func (c *Cache[K]) removeFromIndex(rec *record[K]) {
	if c.index == nil {
		return
	}
	bucket := c.index[rec.hash]
	for i, el := range bucket {
		if el.Value.(*record[K]) == rec {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.index, rec.hash)
	} else {
		c.index[rec.hash] = bucket
	}
}

// Get looks up key in c. On a hit, it sets the entry's recently-used bit,
// moves it to the front, and returns the stored value as T. On a miss, it
// runs the clock eviction policy until there is room, then calls
// construct(key) to build a new T, inserts it at the front with the bit
// cleared, and returns it.
//
// Get is a package-level function, not a method, because T varies per
// call site and Go does not allow a method to introduce a type parameter
// beyond those of its receiver.
func Get[K any, T Entry[K]](c *Cache[K], key K, construct func(K) (T, error)) (T, error) {
	if el := c.find(key); el != nil {
		rec := el.Value.(*record[K])
		rec.bit = true
		c.order.MoveToFront(el)
		return rec.value.(T), nil
	}

	for c.order.Len() >= c.capacity {
		c.evictOne()
	}

	v, err := construct(key)
	if err != nil {
		var zero T
		return zero, err
	}

	rec := &record[K]{key: key, value: v, bit: false}
	el := c.order.PushFront(rec)
	if c.hash != nil {
		rec.hash = c.hash(key)
		c.index[rec.hash] = append(c.index[rec.hash], el)
	}
	return v, nil
}
