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

package bufferpool

import (
	"errors"
	"io"

	"github.com/cloudwego/objpool/cache/mempool"
	"github.com/cloudwego/objpool/unsafex/malloc"
)

// ErrTooLarge is returned by CreateFromReader when the reader produces
// more than maxSize bytes.
var ErrTooLarge = errors.New("bufferpool: reader exceeded maxSize")

// Allocator constructs Buffer[K] objects for a given key, backed by a
// shared malloc.RangeAllocator. Its Create method is the func(K) (T,
// error) shape objcache.Get expects as a constructor.
type Allocator[K comparable] struct {
	backing malloc.RangeAllocator
	size    int
}

// NewAllocator builds an Allocator that carves fixed-size blocks of `size`
// bytes from backing for every Create call.
func NewAllocator[K comparable](backing malloc.RangeAllocator, size int) *Allocator[K] {
	return &Allocator[K]{backing: backing, size: size}
}

// Create allocates a size-byte Buffer[K] bound to key. It matches the
// func(K) (T, error) shape objcache.Get requires of a constructor.
func (a *Allocator[K]) Create(key K) (*Buffer[K], error) {
	b, err := a.backing.Alloc(a.size)
	if err != nil {
		return nil, err
	}
	return &Buffer[K]{key: key, bytes: b, owner: a.backing}, nil
}

// CreateFromReader reads up to maxSize+1 bytes from r into a scratch
// buffer obtained from cache/mempool (a sync.Pool-backed size-class
// allocator, independent of the arena backing Buffer itself), then copies
// the final, now-known-length result into a right-sized block from
// backing and returns the scratch buffer to mempool. It fails with
// ErrTooLarge if r has more than maxSize bytes.
func (a *Allocator[K]) CreateFromReader(key K, r io.Reader, maxSize int) (*Buffer[K], error) {
	scratch := mempool.Malloc(maxSize)
	defer mempool.Free(scratch)

	n, err := io.ReadFull(r, scratch)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		// short read: n bytes is the whole payload.
	case err != nil:
		return nil, err
	default:
		// scratch was filled exactly; check whether more data remains.
		var extra [1]byte
		if m, _ := r.Read(extra[:]); m > 0 {
			return nil, ErrTooLarge
		}
	}

	block, err := a.backing.Alloc(n)
	if err != nil {
		return nil, err
	}
	copy(block, scratch[:n])
	return &Buffer[K]{key: key, bytes: block, owner: a.backing}, nil
}
