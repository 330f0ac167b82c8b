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

// Entry is the capability every object stored in a Cache[K] must provide,
// regardless of its concrete type: the ability to be matched against a
// key, printed for debugging, and torn down when evicted. A concrete
// allocator (such as bufferpool.Allocator[K]) constructs values satisfying
// this interface; the cache never inspects them beyond it.
type Entry[K any] interface {
	// MatchesKey reports whether this entry was constructed for key.
	MatchesKey(key K) bool

	// String renders the entry for Cache.Print.
	String() string

	// Destroy releases any resources the entry holds. Called exactly
	// once, when the entry is evicted or the cache is closed.
	Destroy()
}
