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

// Package malloc implements fixed-arena allocators that carve a single
// contiguous []byte into power-of-two (or bitmap-tracked) blocks and hand
// out slices of it. Both allocators here satisfy RangeAllocator and are
// meant to back higher-level object construction (see package bufferpool),
// not to replace make([]byte, n) for general use.
package malloc

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// RangeAllocator is the capability a cache's allocator adapter needs from
// a byte-arena backend: carve out a slice, return it later, and report how
// much room is left.
type RangeAllocator interface {
	Alloc(size int) ([]byte, error)
	Free(block []byte)
	Available() int
}

var (
	// ErrOutOfMemory is returned when no free block large enough to
	// satisfy a request exists in the pool.
	ErrOutOfMemory = errors.New("malloc: out of memory")

	// ErrClosed is returned (or panicked through, for Free) once a pool
	// has been closed via Close.
	ErrClosed = errors.New("malloc: pool is closed")
)

const (
	// DefaultMinPower and DefaultMaxPower give an 8KiB..512KiB range,
	// a reasonable default for general-purpose small-object pooling.
	DefaultMinPower = 13 // 8KiB
	DefaultMaxPower = 19 // 512KiB
)

// nodeKind tags a tree slot as either an indivisible block (leaf) or a
// split block whose two halves are tracked separately (internal).
type nodeKind uint8

const (
	kindLeaf nodeKind = iota
	kindInternal
)

// node is one slot of the split tree. power and offset are never stored
// here: both are derived from the path taken to reach the node during
// traversal.
type node struct {
	kind        nodeKind
	used        bool // meaningful only when kind == kindLeaf
	left, right int  // child indices, meaningful only when kind == kindInternal
	parent      int  // -1 for the root
}

// Pool is a buddy allocator: it owns one arena of exactly 2^maxPower
// bytes and tracks how it has been split/merged with a binary tree held
// in an index-addressed slice (no raw node pointers).
type Pool struct {
	arena []byte

	minPower int
	maxPower int

	nodes   []node
	freeIdx []int // recycled node slots, LIFO
	root    int

	closed bool
}

// NewPool constructs a buddy allocator managing 2^maxPower bytes, with
// requests rounded up to at least 2^minPower. It requires
// 0 < minPower <= maxPower < bits.UintSize.
func NewPool(minPower, maxPower int) (*Pool, error) {
	if minPower <= 0 {
		return nil, fmt.Errorf("malloc: minPower must be > 0, got %d", minPower)
	}
	if maxPower < minPower {
		return nil, fmt.Errorf("malloc: maxPower (%d) must be >= minPower (%d)", maxPower, minPower)
	}
	if maxPower >= bits.UintSize {
		return nil, fmt.Errorf("malloc: maxPower must be < %d, got %d", bits.UintSize, maxPower)
	}

	p := &Pool{
		arena:    dirtmake.Bytes(1<<maxPower, 1<<maxPower),
		minPower: minPower,
		maxPower: maxPower,
		nodes:    make([]node, 0, 64),
	}
	p.root = p.newNode(node{kind: kindLeaf, parent: -1})
	return p, nil
}

// NewDefaultPool builds a Pool using DefaultMinPower/DefaultMaxPower.
func NewDefaultPool() (*Pool, error) {
	return NewPool(DefaultMinPower, DefaultMaxPower)
}

// Alloc returns a slice of at least size bytes carved out of the arena,
// or ErrOutOfMemory if no free leaf of sufficient power exists. A size of
// 0 is treated as 1, since a zero-length allocation still needs a valid,
// freeable block identity.
func (p *Pool) Alloc(size int) ([]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if size <= 0 {
		size = 1
	}
	k := ceilLog2(size)
	if k < p.minPower {
		k = p.minPower
	}
	if k > p.maxPower {
		return nil, ErrOutOfMemory
	}

	ref, ok := p.findSuitable(p.root, p.maxPower, 0, k)
	if !ok {
		return nil, ErrOutOfMemory
	}

	idx, power := ref.idx, ref.power
	for power > k {
		idx = p.split(idx)
		power--
	}
	p.nodes[idx].used = true

	blockSize := 1 << k
	return p.arena[ref.offset : ref.offset+blockSize : ref.offset+blockSize][:size:size], nil
}

// Free returns a block previously returned by Alloc. It panics if block
// was not issued by this pool or has already been freed, since both are
// caller bugs rather than conditions a pool can recover from.
func (p *Pool) Free(block []byte) {
	if p.closed {
		panic(ErrClosed)
	}
	offset := p.offsetOf(block)
	idx, _ := p.locate(p.root, p.maxPower, 0, offset)
	if !p.nodes[idx].used {
		panic("malloc: double free or invalid pointer")
	}
	p.nodes[idx].used = false
	p.coalesce(idx)
}

// Available returns the total number of free bytes across all free
// leaves. It walks the whole tree and is meant for diagnostics, not hot
// paths.
func (p *Pool) Available() int {
	return p.availableFrom(p.root, p.maxPower)
}

// Close releases the arena and the tree. Pool methods other than Close
// itself panic or return ErrClosed afterward.
func (p *Pool) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.arena = nil
	p.nodes = nil
	p.freeIdx = nil
	return nil
}

// blockRef identifies a tree node together with the power and arena
// offset it covers; both are computed during traversal, never stored.
type blockRef struct {
	idx    int
	power  int
	offset int
}

// findSuitable searches for a free leaf of power >= k, preferring an
// exact match and otherwise the smallest enclosing free block across
// both subtrees (not just whichever side is explored first).
func (p *Pool) findSuitable(idx, power, offset, k int) (blockRef, bool) {
	if power < k {
		return blockRef{}, false
	}
	n := &p.nodes[idx]
	if n.kind == kindLeaf {
		if n.used {
			return blockRef{}, false
		}
		return blockRef{idx: idx, power: power, offset: offset}, true
	}

	half := 1 << (power - 1)
	left, lok := p.findSuitable(n.left, power-1, offset, k)
	if lok && left.power == k {
		return left, true
	}
	right, rok := p.findSuitable(n.right, power-1, offset+half, k)
	if rok && right.power == k {
		return right, true
	}

	switch {
	case lok && rok:
		if left.power <= right.power {
			return left, true
		}
		return right, true
	case lok:
		return left, true
	case rok:
		return right, true
	default:
		return blockRef{}, false
	}
}

// split replaces the free leaf at idx with an internal node whose two
// children are new free leaves at one lower power, and returns the left
// child's index (the continuation point for further splitting or the
// final allocation).
func (p *Pool) split(idx int) int {
	n := p.nodes[idx]
	left := p.newNode(node{kind: kindLeaf, parent: idx})
	right := p.newNode(node{kind: kindLeaf, parent: idx})
	p.nodes[idx] = node{kind: kindInternal, left: left, right: right, parent: n.parent}
	return left
}

// locate descends the tree to the leaf covering targetOffset, the first
// step in resolving a Free call back to a tree node.
func (p *Pool) locate(idx, power, offset, target int) (int, int) {
	for {
		n := &p.nodes[idx]
		if n.kind == kindLeaf {
			if offset != target {
				panic("malloc: invariant violation: tree does not tile the arena")
			}
			return idx, power
		}
		half := 1 << (power - 1)
		if target >= offset+half {
			idx, offset = n.right, offset+half
		} else {
			idx = n.left
		}
		power--
	}
}

// coalesce repeatedly merges idx's parent into a single free leaf while
// both children are free leaves, stopping at the root or at the first
// sibling that is used or still split.
func (p *Pool) coalesce(idx int) {
	for {
		parentIdx := p.nodes[idx].parent
		if parentIdx == -1 {
			return
		}
		parent := p.nodes[parentIdx]
		left := p.nodes[parent.left]
		right := p.nodes[parent.right]
		if left.kind != kindLeaf || right.kind != kindLeaf || left.used || right.used {
			return
		}

		p.releaseNode(parent.left)
		p.releaseNode(parent.right)
		p.nodes[parentIdx] = node{kind: kindLeaf, parent: parent.parent}
		idx = parentIdx
	}
}

func (p *Pool) availableFrom(idx, power int) int {
	n := &p.nodes[idx]
	if n.kind == kindLeaf {
		if n.used {
			return 0
		}
		return 1 << power
	}
	return p.availableFrom(n.left, power-1) + p.availableFrom(n.right, power-1)
}

func (p *Pool) newNode(n node) int {
	if i := len(p.freeIdx); i > 0 {
		idx := p.freeIdx[i-1]
		p.freeIdx = p.freeIdx[:i-1]
		p.nodes[idx] = n
		return idx
	}
	p.nodes = append(p.nodes, n)
	return len(p.nodes) - 1
}

func (p *Pool) releaseNode(idx int) {
	p.freeIdx = append(p.freeIdx, idx)
}

// offsetOf recovers the arena offset of a slice previously returned by
// Alloc from its data pointer alone, rather than trusting any in-band
// header.
func (p *Pool) offsetOf(block []byte) int {
	if len(block) == 0 || len(p.arena) == 0 {
		panic("malloc: invalid block")
	}
	base := uintptr(unsafe.Pointer(&p.arena[0]))
	ptr := uintptr(unsafe.Pointer(&block[0]))
	if ptr < base || ptr >= base+uintptr(len(p.arena)) {
		panic("malloc: block not owned by this pool")
	}
	return int(ptr - base)
}

// ceilLog2 returns the smallest k such that 2^k >= n, for n >= 1.
func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

var _ RangeAllocator = (*Pool)(nil)
