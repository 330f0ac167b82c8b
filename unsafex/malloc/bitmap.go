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

package malloc

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

const (
	// DefaultBitmapMinBlock and DefaultBitmapMaxBlock are the default
	// block-size bounds (4KiB .. 512KiB). The upper bound matches
	// DefaultMaxPower; the lower bound is half of DefaultMinPower's 8KiB.
	DefaultBitmapMinBlock = 4 * 1024
	DefaultBitmapMaxBlock = 512 * 1024
)

// BitmapPool is a second RangeAllocator backend: one bit per minBlock-sized
// block of the arena, with allocations satisfied by the first free run of
// blocks found by a left-to-right scan, rather than a buddy split tree. It
// has no coalescing step because freeing a run simply clears its bits, and
// it can satisfy any block count (not just powers of two), at the cost of a
// linear-scan worst case instead of the buddy tree's logarithmic one.
//
// Unlike a header-tagged allocator, BitmapPool keeps no per-allocation
// metadata inside the arena itself: the bitmap and the run-length table
// that records how many blocks each live allocation spans both live in
// separate side slices, so every byte of every block is available to the
// caller.
type BitmapPool struct {
	arena []byte

	bits  []uint64 // one bit per block, word-packed
	runAt []uint32 // runAt[start] = block count of the live allocation beginning at start

	numBlocks     int
	minBlockSize  int
	minBlockShift int
	maxBlockSize  int

	closed bool
}

// NewBitmapPool creates a bitmap allocator managing floor(arenaSize /
// minBlock) blocks of minBlock bytes each, rejecting requests larger than
// maxBlock. minBlock must be a power of two no smaller than 4096 and
// maxBlock a multiple of minBlock; arenaSize must hold at least one
// maxBlock-sized allocation.
func NewBitmapPool(minBlock, maxBlock, arenaSize int) (*BitmapPool, error) {
	if minBlock < 4096 {
		return nil, fmt.Errorf("malloc: minBlock must be >= 4096, got %d", minBlock)
	}
	if minBlock%4096 != 0 {
		return nil, fmt.Errorf("malloc: minBlock must be a multiple of 4096, got %d", minBlock)
	}
	if minBlock&(minBlock-1) != 0 {
		return nil, fmt.Errorf("malloc: minBlock must be a power of two, got %d", minBlock)
	}
	if maxBlock <= minBlock {
		return nil, fmt.Errorf("malloc: maxBlock (%d) must be > minBlock (%d)", maxBlock, minBlock)
	}
	if maxBlock%minBlock != 0 {
		return nil, fmt.Errorf("malloc: maxBlock must be a multiple of minBlock, got %d %% %d = %d",
			maxBlock, minBlock, maxBlock%minBlock)
	}

	numBlocks := arenaSize / minBlock
	if numBlocks < maxBlock/minBlock {
		return nil, fmt.Errorf("malloc: arena too small: need at least %d blocks, got %d",
			maxBlock/minBlock, numBlocks)
	}

	arenaBytes := numBlocks * minBlock
	p := &BitmapPool{
		arena:         dirtmake.Bytes(arenaBytes, arenaBytes),
		bits:          make([]uint64, (numBlocks+63)/64),
		runAt:         make([]uint32, numBlocks),
		numBlocks:     numBlocks,
		minBlockSize:  minBlock,
		minBlockShift: bits.TrailingZeros(uint(minBlock)),
		maxBlockSize:  maxBlock,
	}
	return p, nil
}

// NewDefaultBitmapPool builds a BitmapPool covering a 16MiB arena using
// DefaultBitmapMinBlock/DefaultBitmapMaxBlock.
func NewDefaultBitmapPool() (*BitmapPool, error) {
	return NewBitmapPool(DefaultBitmapMinBlock, DefaultBitmapMaxBlock, 16*1024*1024)
}

// Alloc returns a slice of at least size bytes, or ErrOutOfMemory if no
// contiguous free run of blocks large enough exists.
func (a *BitmapPool) Alloc(size int) ([]byte, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if size <= 0 {
		size = 1
	}
	if size > a.maxBlockSize {
		return nil, ErrOutOfMemory
	}

	need := (size + a.minBlockSize - 1) >> a.minBlockShift
	start, ok := a.scanFreeRun(need)
	if !ok {
		return nil, ErrOutOfMemory
	}

	a.markRun(start, need)
	a.runAt[start] = uint32(need)

	offset := start << a.minBlockShift
	blockBytes := need << a.minBlockShift
	return a.arena[offset : offset+blockBytes : offset+blockBytes][:size:size], nil
}

// Free returns a block previously returned by Alloc. It panics on a
// double-free or a block not owned by this pool, the same invariant
// Pool.Free enforces.
func (a *BitmapPool) Free(block []byte) {
	if a.closed {
		panic(ErrClosed)
	}
	if len(block) == 0 {
		return
	}

	start := a.blockIndexOf(block)
	n := a.runAt[start]
	if n == 0 {
		panic("malloc: double free or invalid pointer")
	}
	a.runAt[start] = 0
	a.clearRun(start, int(n))
}

// Available returns the total number of free bytes across all free
// blocks.
func (a *BitmapPool) Available() int {
	free := 0
	for i := 0; i < a.numBlocks; i++ {
		if !a.isSet(i) {
			free += a.minBlockSize
		}
	}
	return free
}

// Close releases the arena. BitmapPool methods other than Close itself
// panic or return ErrClosed afterward.
func (a *BitmapPool) Close() error {
	if a.closed {
		return ErrClosed
	}
	a.closed = true
	a.arena = nil
	a.bits = nil
	a.runAt = nil
	return nil
}

// blockIndexOf recovers the starting block index of a slice previously
// returned by Alloc from its data pointer, rather than from any in-band
// header.
func (a *BitmapPool) blockIndexOf(block []byte) int {
	base := uintptr(unsafe.Pointer(&a.arena[0]))
	ptr := uintptr(unsafe.Pointer(&block[0]))
	if ptr < base || ptr >= base+uintptr(len(a.arena)) {
		panic("malloc: block not owned by this pool")
	}
	offset := int(ptr - base)
	if offset&(a.minBlockSize-1) != 0 {
		panic("malloc: misaligned block")
	}
	return offset >> a.minBlockShift
}

// scanFreeRun finds the first run of at least `need` contiguous clear
// bits, scanning the bitmap one word at a time and only falling down to a
// per-bit scan inside a word that mixes set and clear bits. It always
// starts from block 0: unlike a next-fit cursor, this keeps allocation
// placement deterministic and independent of allocation history.
func (a *BitmapPool) scanFreeRun(need int) (int, bool) {
	runStart := -1
	runLen := 0

	for w := 0; w < len(a.bits); w++ {
		word := a.bits[w]
		base := w << 6
		valid := a.wordBlockCount(w)

		switch word {
		case ^uint64(0):
			runStart, runLen = -1, 0
		case 0:
			if runStart == -1 {
				runStart = base
			}
			runLen += valid
			if runLen >= need {
				return runStart, true
			}
		default:
			for bit := 0; bit < valid; bit++ {
				if word&(1<<uint(bit)) != 0 {
					runStart, runLen = -1, 0
					continue
				}
				if runStart == -1 {
					runStart = base + bit
				}
				runLen++
				if runLen >= need {
					return runStart, true
				}
			}
		}
	}
	return 0, false
}

// wordBlockCount returns how many of a.bits[w]'s 64 bits correspond to
// real blocks; only the final word can be partial.
func (a *BitmapPool) wordBlockCount(w int) int {
	base := w << 6
	if base+64 <= a.numBlocks {
		return 64
	}
	return a.numBlocks - base
}

func (a *BitmapPool) isSet(idx int) bool {
	return a.bits[idx>>6]&(1<<uint(idx&63)) != 0
}

func (a *BitmapPool) markRun(start, count int)  { a.setRun(start, count, true) }
func (a *BitmapPool) clearRun(start, count int) { a.setRun(start, count, false) }

func (a *BitmapPool) setRun(start, count int, set bool) {
	for i := start; i < start+count; i++ {
		w, bit := i>>6, uint(i&63)
		if set {
			a.bits[w] |= 1 << bit
		} else {
			a.bits[w] &^= 1 << bit
		}
	}
}

var _ RangeAllocator = (*BitmapPool)(nil)
