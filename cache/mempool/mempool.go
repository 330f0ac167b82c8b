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

// Package mempool is a sync.Pool-backed, size-classed byte allocator
// unrelated to and unaware of the buddy/bitmap arenas in unsafex/malloc.
// bufferpool uses it as scratch space for staging reads of unknown final
// length before copying the result into a right-sized arena block. Its
// only caller treats Malloc/Free as a strict pair within one function
// call, so there is no need for a header or footer to validate ownership:
// the size class a buffer belongs to is recovered from its own cap.
package mempool

import (
	"math/bits"
	"sync"
)

type sizeClass struct {
	sync.Pool
	size int
}

var classes []*sizeClass

const (
	minSize = 4 << 10   // 4KB, the smallest size class Malloc hands out
	maxSize = 128 << 30 // 128GB, Malloc panics above this
)

// len2class maps bits.Len(size) to an index into classes, for sizes that
// are themselves a size class boundary.
var len2class [64]int

func init() {
	i := 0
	for sz := minSize; sz <= maxSize; sz <<= 1 {
		c := &sizeClass{size: sz}
		c.New = func() interface{} {
			b := make([]byte, c.size)
			return &b
		}
		classes = append(classes, c)
		len2class[bits.Len(uint(sz))] = i
		i++
	}
}

// classFor returns the index of the smallest size class that can hold
// size bytes.
func classFor(size int) int {
	if size <= minSize {
		return 0
	}
	i := len2class[bits.Len(uint(size))]
	if uint(size)&(uint(size)-1) == 0 {
		// exact power of two: fits its own class, not the next one up.
		return i
	}
	return i + 1
}

// Malloc returns a buffer of length size, backed by a pool of the
// smallest size class that holds it. The buffer's cap equals that size
// class's size; callers must not grow it past cap, since Free relies on
// cap alone to find the matching pool.
func Malloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > maxSize {
		panic("mempool: size exceeds maxSize")
	}
	c := classes[classFor(size)]
	bp := c.Get().(*[]byte)
	return (*bp)[:size]
}

// Free returns buf to the pool it was allocated from. buf must be a
// slice previously returned by Malloc and not grown past its cap; any
// other slice (wrong cap, not power-of-two, below minSize) is silently
// dropped rather than pooled.
func Free(buf []byte) {
	c := cap(buf)
	if c < minSize || uint(c)&uint(c-1) != 0 {
		return
	}
	i := len2class[bits.Len(uint(c))]
	if i >= len(classes) || classes[i].size != c {
		return
	}
	full := buf[:c:c]
	classes[i].Put(&full)
}
