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
	"fmt"

	"github.com/cloudwego/objpool/internal/hack"
	"github.com/cloudwego/objpool/unsafex/malloc"
)

// Buffer is an objcache.Entry[K] backed by a slice carved from a
// malloc.RangeAllocator: a stored object whose lifetime is delegated
// entirely to the allocator that created it.
type Buffer[K comparable] struct {
	key   K
	bytes []byte
	owner malloc.RangeAllocator
}

// Bytes returns the buffer's underlying storage. Callers must not retain
// it past Destroy.
func (b *Buffer[K]) Bytes() []byte {
	return b.bytes
}

// StringView returns the buffer's contents as a string without copying.
// The returned string aliases arena memory and is only valid until
// Destroy; it exists for read-only callers (e.g. logging, hashing) that
// would otherwise pay for a copy just to get a string.
func (b *Buffer[K]) StringView() string {
	return hack.ByteSliceToString(b.bytes)
}

// MatchesKey implements objcache.Entry[K].
func (b *Buffer[K]) MatchesKey(key K) bool {
	return b.key == key
}

// String implements objcache.Entry[K].
func (b *Buffer[K]) String() string {
	return fmt.Sprintf("%v(%dB)", b.key, len(b.bytes))
}

// Destroy implements objcache.Entry[K], returning the backing slice to
// the allocator that produced it.
func (b *Buffer[K]) Destroy() {
	if b.bytes != nil {
		b.owner.Free(b.bytes)
		b.bytes = nil
	}
}
