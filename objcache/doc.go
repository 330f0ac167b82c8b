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

// Package objcache implements a capacity-bounded cache that evicts with a
// second-chance (clock) approximation of LRU, delegating construction and
// destruction of stored objects to a caller-supplied allocator capability.
//
// The cache itself stores nothing but Entry values with their keys (and key
// hashes, when a Hash is configured) and a recently-used bit per entry;
// concrete storage (byte arenas, pooled buffers, ...) lives
// behind whatever constructor function a caller passes to Get.
package objcache
