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
	"sync"
	"time"
)

// Batch is an ordered group of documents delivered in one bulk request.
type Batch struct {
	// Documents holds the documents in the order they were added.
	Documents []Document

	// Created holds the time the first document was added to the batch.
	Created time.Time

	// detached holds the time the batch was detached from the buffer.
	detached time.Time
}

// Len returns the number of documents in the batch.
func (b *Batch) Len() int {
	return len(b.Documents)
}

// Buffer accumulates documents until it holds a full batch.
//
// Buffer is safe for concurrent use. Appending a document, checking the
// batch size and detaching a full batch happen under a single lock, so every
// batch is detached exactly once and never exceeds the buffer capacity.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	docs     []Document
	created  time.Time

	// handoff receives detached batches while mu is held, which keeps
	// batches in the order they were filled. It must not block.
	handoff func(*Batch)
}

// NewBuffer returns a Buffer that detaches a batch every capacity documents
// and passes it to handoff. capacity must be positive.
//
// handoff is called with the buffer lock held and must not block.
func NewBuffer(capacity int, handoff func(*Batch)) *Buffer {
	if capacity <= 0 {
		panic("logappender: buffer capacity must be positive")
	}
	return &Buffer{
		capacity: capacity,
		docs:     make([]Document, 0, capacity),
		handoff:  handoff,
	}
}

// Add appends doc to the current batch. If the batch is full as a result,
// it is detached and handed off, and the buffer starts a new empty batch.
func (b *Buffer) Add(doc Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.docs) == 0 {
		b.created = time.Now()
	}
	b.docs = append(b.docs, doc)
	if len(b.docs) < b.capacity {
		return
	}
	b.handoff(b.detachLocked())
}

// Flush detaches and hands off the current batch even if it is not full.
// It reports whether there was anything to flush.
func (b *Buffer) Flush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.docs) == 0 {
		return false
	}
	b.handoff(b.detachLocked())
	return true
}

// Len returns the number of documents in the current batch.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.docs)
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}

func (b *Buffer) detachLocked() *Batch {
	batch := &Batch{Documents: b.docs, Created: b.created, detached: time.Now()}
	b.docs = make([]Document, 0, b.capacity)
	b.created = time.Time{}
	return batch
}
