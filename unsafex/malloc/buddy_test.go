package malloc

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	tests := []struct {
		name    string
		minP    int
		maxP    int
		wantErr bool
	}{
		{"valid", 4, 10, false},
		{"min_eq_max", 10, 10, false},
		{"min_zero", 0, 10, true},
		{"min_gt_max", 10, 4, true},
		{"max_too_large", 4, 64, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.minP, tt.maxP)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// min_p=4, max_p=10: 1KiB arena, 16-byte minimum block.
func TestPool_ExactFit(t *testing.T) {
	p, err := NewPool(4, 10)
	require.NoError(t, err)

	b1, err := p.Alloc(16)
	require.NoError(t, err)
	require.Len(t, b1, 16)
	assert.Equal(t, 1024-16, p.Available())

	p.Free(b1)
	assert.Equal(t, 1024, p.Available())
}

// min_p=1, max_p=3: 8-byte arena.
func TestPool_Fragmentation(t *testing.T) {
	p, err := NewPool(1, 3)
	require.NoError(t, err)

	b1, err := p.Alloc(4) // offset 0, power 2
	require.NoError(t, err)
	require.Len(t, b1, 4)

	b2, err := p.Alloc(2) // offset 4, power 1
	require.NoError(t, err)
	require.Len(t, b2, 2)

	b3, err := p.Alloc(2) // offset 6, power 1
	require.NoError(t, err)
	require.Len(t, b3, 2)

	_, err = p.Alloc(1)
	require.ErrorIs(t, err, ErrOutOfMemory)

	p.Free(b2)
	p.Free(b3)
	assert.Equal(t, 4, p.Available()) // the two halves coalesce back to 4 bytes free

	p.Free(b1)
	assert.Equal(t, 8, p.Available()) // full coalesce back to the single 8-byte leaf
}

func TestPool_ZeroSizeTreatedAsOne(t *testing.T) {
	p, err := NewPool(1, 3)
	require.NoError(t, err)

	b, err := p.Alloc(0)
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestPool_DoubleFreePanics(t *testing.T) {
	p, err := NewPool(4, 10)
	require.NoError(t, err)

	b, err := p.Alloc(16)
	require.NoError(t, err)
	p.Free(b)

	assert.Panics(t, func() { p.Free(b) })
}

func TestPool_OutOfMemoryIsMonotone(t *testing.T) {
	p, err := NewPool(4, 6)
	require.NoError(t, err)

	_, err = p.Alloc(1000)
	require.ErrorIs(t, err, ErrOutOfMemory)

	_, err = p.Alloc(2000)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestPool_CloseRejectsFurtherUse(t *testing.T) {
	p, err := NewPool(4, 10)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, err = p.Alloc(16)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, ErrClosed, p.Close())
}

// TestPool_LIFORoundTrip checks property 4: allocating then deallocating
// in LIFO order returns the arena to the single-free-leaf initial state.
func TestPool_LIFORoundTrip(t *testing.T) {
	p, err := NewPool(4, 12)
	require.NoError(t, err)

	full := 1 << 12
	var blocks [][]byte
	sizes := []int{17, 300, 16, 900, 50, 2000}
	for _, sz := range sizes {
		b, err := p.Alloc(sz)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		p.Free(blocks[i])
	}
	assert.Equal(t, full, p.Available())
}

// TestPool_ArbitraryOrderRoundTrip checks property 5: once every
// outstanding pointer is freed in any order, the tree returns to its
// initial state regardless of allocation/free order.
func TestPool_ArbitraryOrderRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p, err := NewPool(4, 14)
	require.NoError(t, err)
	full := 1 << 14

	for trial := 0; trial < 20; trial++ {
		var blocks [][]byte
		for i := 0; i < 30; i++ {
			sz := 1 + rng.Intn(2000)
			b, err := p.Alloc(sz)
			if err != nil {
				continue
			}
			blocks = append(blocks, b)
		}
		rng.Shuffle(len(blocks), func(i, j int) { blocks[i], blocks[j] = blocks[j], blocks[i] })
		for _, b := range blocks {
			p.Free(b)
		}
		require.Equal(t, full, p.Available())
	}
}

// TestPool_NoOverlap checks that distinct live allocations never
// overlap.
func TestPool_NoOverlap(t *testing.T) {
	p, err := NewPool(4, 12)
	require.NoError(t, err)

	var blocks [][]byte
	for i := 0; i < 10; i++ {
		b, err := p.Alloc(64)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	for i := range blocks {
		for j := range blocks {
			if i == j {
				continue
			}
			assert.False(t, overlap(blocks[i], blocks[j]), "blocks %d and %d overlap", i, j)
		}
	}
}

func TestPool_AllocFillsArenaExactly(t *testing.T) {
	p, err := NewPool(4, 6) // 64-byte arena, 16-byte min blocks -> 4 blocks
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		b, err := p.Alloc(16)
		require.NoError(t, err, "allocation %d should succeed", i)
		require.Len(t, b, 16)
	}
	_, err = p.Alloc(16)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func overlap(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	aStart := uintptr(unsafe.Pointer(&a[0]))
	aEnd := uintptr(unsafe.Pointer(&a[len(a)-1]))
	bStart := uintptr(unsafe.Pointer(&b[0]))
	bEnd := uintptr(unsafe.Pointer(&b[len(b)-1]))
	return aStart <= bEnd && bStart <= aEnd
}
