/*
 * Copyright 2025 CloudWeGo Authors
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

// Package gopool is a small, fixed-size goroutine worker pool. objcache
// uses it to dispatch OnEvict notifications off the synchronous Get call
// path without paying for a fresh goroutine per eviction.
package gopool

import (
	"log"
	"runtime/debug"
)

// Pool runs submitted funcs on a fixed set of background goroutines. A
// Pool is ready for use once created by New and must not be copied.
type Pool struct {
	tasks        chan func()
	panicHandler func(r interface{})
}

// New starts a Pool with the given number of worker goroutines, each
// pulling from a queue of the given size. Submissions beyond the queue's
// capacity block the caller until a worker frees up a slot.
//
// workers and queueSize are both clamped to at least 1: a pool with zero
// workers could never drain its queue.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

// Go submits f to run on one of the pool's workers. It blocks if every
// worker is busy and the queue is full.
func (p *Pool) Go(f func()) {
	p.tasks <- f
}

// SetPanicHandler sets the func invoked with recover()'s result whenever
// a submitted task panics. Without one, the panic is logged via
// log.Printf along with its stack trace. SetPanicHandler is not
// safe to call concurrently with Go.
func (p *Pool) SetPanicHandler(f func(r interface{})) {
	p.panicHandler = f
}

func (p *Pool) loop() {
	for f := range p.tasks {
		p.run(f)
	}
}

func (p *Pool) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			} else {
				log.Printf("gopool: panic in worker: %v: %s", r, debug.Stack())
			}
		}
	}()
	f()
}
