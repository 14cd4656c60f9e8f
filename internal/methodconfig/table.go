/*
 *
 * Copyright 2018 gRPC authors.
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
 *
 */

// Package methodconfig implements a slice hash table used by the
// service-config parser to hold per-method parameters keyed by a hash
// of the method path, with wildcard fallback by service.
package methodconfig

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// RetryPolicy is the parsed retryPolicy block of a method config.
type RetryPolicy struct {
	MaxAttempts        int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BackoffMultiplier  float64
	RetryableStatusSet map[int32]bool
}

// TriState represents a JSON bool field that may be absent.
type TriState struct {
	Set   bool
	Value bool
}

// Params is the per-method parameter bundle: an optional timeout, an
// optional wait-for-ready override, and an optional retry policy.
type Params struct {
	Timeout      *time.Duration
	WaitForReady TriState
	RetryPolicy  *RetryPolicy
}

type entry struct {
	path  string
	value *Params
}

// Table is an immutable slice hash table: once Build returns, the
// table is never mutated.
type Table struct {
	buckets map[uint64][]entry
}

// Builder accumulates (path, value) pairs before Build freezes them
// into a Table.
type Builder struct {
	buckets map[uint64][]entry
}

func NewBuilder() *Builder {
	return &Builder{buckets: make(map[uint64][]entry)}
}

// Add inserts the entry for path. Returns false, leaving the existing
// entry in place, if path was already present in this Builder; the
// service-config parser rejects the whole config on a duplicate path.
func (b *Builder) Add(path string, value *Params) bool {
	h := hash(path)
	for _, e := range b.buckets[h] {
		if e.path == path {
			return false
		}
	}
	b.buckets[h] = append(b.buckets[h], entry{path: path, value: value})
	return true
}

func (b *Builder) Build() *Table {
	return &Table{buckets: b.buckets}
}

func hash(path string) uint64 {
	return xxhash.Sum64String(path)
}

// Lookup resolves a full method path "/service/method" to its Params,
// falling back to the service-wide wildcard "/service/" and then to
// the global default "" entry.
func (t *Table) Lookup(fullPath string) (*Params, bool) {
	if t == nil {
		return nil, false
	}
	if v, ok := t.get(fullPath); ok {
		return v, true
	}
	if i := lastSlash(fullPath); i >= 0 {
		if v, ok := t.get(fullPath[:i+1]); ok {
			return v, true
		}
	}
	if v, ok := t.get(""); ok {
		return v, true
	}
	return nil, false
}

func (t *Table) get(path string) (*Params, bool) {
	h := hash(path)
	for _, e := range t.buckets[h] {
		if e.path == path {
			return e.value, true
		}
	}
	return nil, false
}

func lastSlash(path string) int {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}
