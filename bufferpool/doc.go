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

// Package bufferpool is a concrete allocator capability for objcache.Cache:
// Buffer[K] is a byte-slice entry carved out of a malloc.RangeAllocator
// whose Destroy returns the bytes, and Allocator[K].Create is the
// constructor objcache.Get takes at each call site.
package bufferpool
