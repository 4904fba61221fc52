// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

const defaultFlushInterval = 2 * time.Second

// Document pairs an in-memory value with a JSON file on disk. Mutations go
// through Update, which marks the document dirty; Sync persists a dirty
// document exactly once no matter how many callers race it, and a background
// flusher can call Sync on a timer. Writes are atomic so the backing file is
// always either the previous or the current state.
//
// The backing file is read lazily on first access. A missing or unparsable
// file yields a fresh value from init; Fix, when set, runs over the raw bytes
// first and may migrate a legacy payload.
type Document[T any] struct {
	Fix func(data []byte) []byte

	path string
	init func() T

	mu     sync.Mutex
	value  T
	loaded bool
	dirty  bool

	writeMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

func NewDocument[T any](path string, init func() T) *Document[T] {
	return &Document[T]{path: path, init: init}
}

func (d *Document[T]) Path() string {
	return d.path
}

// View runs f with the current value under the document lock, without
// marking it dirty. f must not retain references past its return.
func (d *Document[T]) View(f func(v *T)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureLoaded()
	f(&d.value)
}

// Update runs f with the current value under the document lock and marks the
// document dirty.
func (d *Document[T]) Update(f func(v *T)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureLoaded()
	f(&d.value)
	d.dirty = true
}

// Sync writes the value to disk if dirty. Concurrent callers for the same
// dirty epoch coalesce into a single write; the loser returns without
// touching the file. A failed write turns the dirty bit back on so the next
// Sync retries.
func (d *Document[T]) Sync() errors.E {
	d.mu.Lock()
	if !d.loaded || !d.dirty {
		d.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(d.value, "", "    ")
	if err != nil {
		d.mu.Unlock()
		return errors.WithStack(err)
	}
	d.dirty = false
	d.mu.Unlock()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if errE := atomicWriteFile(d.path, data); errE != nil {
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()
		return errE
	}
	return nil
}

// StartFlusher syncs the document every interval until Close. Flush errors
// are not fatal here: the dirty bit stays on and the next tick retries.
func (d *Document[T]) StartFlusher(interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = d.Sync()
			case <-d.stop:
				return
			}
		}
	}()
}

// Close stops the flusher, if any, and performs a final Sync.
func (d *Document[T]) Close() errors.E {
	if d.stop != nil {
		close(d.stop)
		<-d.done
		d.stop = nil
	}
	return d.Sync()
}

func (d *Document[T]) ensureLoaded() {
	if d.loaded {
		return
	}
	d.value = d.init()
	if data, err := os.ReadFile(d.path); err == nil {
		if d.Fix != nil {
			data = d.Fix(data)
		}
		if err := json.Unmarshal(data, &d.value); err != nil {
			// Corrupt state is treated as absent; the crawler rebuilds it.
			d.value = d.init()
		}
	}
	d.loaded = true
}
