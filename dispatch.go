// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package logappender

import (
	"context"
	"sync"
)

// dispatcher is a FIFO queue of detached batches with a single drainer.
//
// Batches are enqueued under the buffer lock, so queue order is fill order.
// At most one goroutine delivers at any time; a goroutine calling drain
// while another one is draining returns immediately, and its batches are
// delivered by the goroutine already draining.
type dispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Batch
	max      int
	draining bool

	deliver func(*Batch)

	// notify is signalled, without blocking, after each enqueue.
	notify chan struct{}
}

func newDispatcher(max int, deliver func(*Batch)) *dispatcher {
	d := &dispatcher{
		max:     max,
		deliver: deliver,
		notify:  make(chan struct{}, 1),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// enqueue adds b to the queue. It never blocks, and returns false if the
// queue already holds max batches.
func (d *dispatcher) enqueue(b *Batch) bool {
	d.mu.Lock()
	if d.max > 0 && len(d.queue) >= d.max {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, b)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

// drain delivers queued batches until the queue is empty, including
// batches enqueued by other goroutines while it runs. It returns at once if
// another goroutine is already draining.
func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.draining || len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		b := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.deliver(b)
		d.mu.Lock()
	}
	d.queue = nil
	d.draining = false
	d.cond.Broadcast()
	d.mu.Unlock()
}

// pending returns the number of batches not yet delivered, including the
// one being delivered.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	if d.draining {
		n++
	}
	return n
}

// wait blocks until the queue is empty and no delivery is in progress, or
// ctx is done. Callers must make sure some goroutine drains the queue.
func (d *dispatcher) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.mu.Lock()
		defer d.mu.Unlock()
		for len(d.queue) > 0 || d.draining {
			if ctx.Err() != nil {
				return
			}
			d.cond.Wait()
		}
	}()
	select {
	case <-done:
		return ctx.Err()
	case <-ctx.Done():
		// Wake the waiter so it can observe ctx and exit.
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
