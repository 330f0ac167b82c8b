package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBitmapPool(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		min     int
		max     int
		wantErr bool
	}{
		{"valid", 1024 * 1024, 4096, 64 * 1024, false},
		{"valid_min_eq_4k", 256 * 1024, 4096, 8192, false},
		{"valid_large_min", 1024 * 1024, 8192, 32768, false},
		{"min_lt_4096", 256 * 1024, 2048, 8192, true},
		{"min_not_mult_4096", 256 * 1024, 5000, 10000, true},
		{"max_le_min", 256 * 1024, 4096, 4096, true},
		{"max_not_mult_min", 256 * 1024, 4096, 10000, true},
		{"arena_too_small", 4096, 4096, 8192, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBitmapPool(tt.min, tt.max, tt.size)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBitmapPool_AllocFree(t *testing.T) {
	p, err := NewBitmapPool(4096, 64*1024, 1024*1024)
	require.NoError(t, err)

	b1, err := p.Alloc(1024)
	require.NoError(t, err)
	assert.Len(t, b1, 1024)
	for i := range b1 {
		b1[i] = byte(i)
	}

	b2, err := p.Alloc(8192)
	require.NoError(t, err)
	assert.False(t, bitmapOverlap(b1, b2))

	p.Free(b1)
	b3, err := p.Alloc(2048)
	require.NoError(t, err)
	assert.Len(t, b3, 2048)

	p.Free(b2)
	p.Free(b3)
}

func TestBitmapPool_OutOfMemory(t *testing.T) {
	p, err := NewBitmapPool(4096, 16384, 64*1024)
	require.NoError(t, err)

	var blocks [][]byte
	for {
		b, err := p.Alloc(4096)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		blocks = append(blocks, b)
	}
	assert.NotEmpty(t, blocks)

	for _, b := range blocks {
		p.Free(b)
	}
	b, err := p.Alloc(4096)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
}

func TestBitmapPool_RequestLargerThanMaxBlock(t *testing.T) {
	p, err := NewBitmapPool(4096, 16384, 1024*1024)
	require.NoError(t, err)

	_, err = p.Alloc(32768)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestBitmapPool_ZeroSizeTreatedAsOne(t *testing.T) {
	p, err := NewBitmapPool(4096, 16384, 1024*1024)
	require.NoError(t, err)

	b, err := p.Alloc(0)
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestBitmapPool_DoubleFreePanics(t *testing.T) {
	p, err := NewBitmapPool(4096, 16384, 1024*1024)
	require.NoError(t, err)

	b, err := p.Alloc(1024)
	require.NoError(t, err)
	p.Free(b)

	assert.Panics(t, func() { p.Free(b) })
}

func TestBitmapPool_MultiBlockAllocation(t *testing.T) {
	p, err := NewBitmapPool(4096, 64*1024, 1024*1024)
	require.NoError(t, err)

	b, err := p.Alloc(40000) // spans multiple 4096-byte blocks
	require.NoError(t, err)
	assert.Len(t, b, 40000)

	p.Free(b)
	b2, err := p.Alloc(40000)
	require.NoError(t, err)
	assert.Len(t, b2, 40000)
}

func TestBitmapPool_CloseRejectsFurtherUse(t *testing.T) {
	p, err := NewBitmapPool(4096, 16384, 1024*1024)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	_, err = p.Alloc(1024)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, ErrClosed, p.Close())
}

func bitmapOverlap(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	aStart := uintptr(unsafe.Pointer(&a[0]))
	aEnd := uintptr(unsafe.Pointer(&a[len(a)-1]))
	bStart := uintptr(unsafe.Pointer(&b[0]))
	bEnd := uintptr(unsafe.Pointer(&b[len(b)-1]))
	return aStart <= bEnd && bStart <= aEnd
}
