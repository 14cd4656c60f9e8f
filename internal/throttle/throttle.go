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

// Package throttle implements a process-wide retry-throttle map: a
// token bucket per server name that gates how much retry volume a
// misbehaving backend can absorb.
package throttle

import (
	"sync"
	"sync/atomic"
)

// Throttle is a shared, ref-counted token bucket for one server name.
// A call's failure debits 1000 milli-tokens; a success credits
// MilliTokenRatio. The bucket never exceeds MaxMilliTokens, and retries
// are permitted only while the bucket sits at or above half-full.
type Throttle struct {
	name            string
	maxMilliTokens  int64
	milliTokenRatio int64

	milliTokens int64 // atomic

	mu  sync.Mutex
	ref int
}

// MaxMilliTokens and MilliTokenRatio are read-only views of the
// parameters this Throttle was built with.
func (t *Throttle) MaxMilliTokens() int64  { return t.maxMilliTokens }
func (t *Throttle) MilliTokenRatio() int64 { return t.milliTokenRatio }

// RecordFailure debits one token (1000 milli-tokens) and reports
// whether the bucket was at or above half-full *before* the debit,
// i.e. whether a retry is permitted for the failure that triggered it.
func (t *Throttle) RecordFailure() bool {
	before := atomic.AddInt64(&t.milliTokens, -1000) + 1000
	permitted := before >= t.maxMilliTokens/2
	if atomic.LoadInt64(&t.milliTokens) < 0 {
		t.clampFloor()
	}
	return permitted
}

// RecordSuccess credits milliTokenRatio milli-tokens, capped at
// maxMilliTokens.
func (t *Throttle) RecordSuccess() {
	for {
		cur := atomic.LoadInt64(&t.milliTokens)
		next := cur + t.milliTokenRatio
		if next > t.maxMilliTokens {
			next = t.maxMilliTokens
		}
		if atomic.CompareAndSwapInt64(&t.milliTokens, cur, next) {
			return
		}
	}
}

func (t *Throttle) clampFloor() {
	for {
		cur := atomic.LoadInt64(&t.milliTokens)
		if cur >= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&t.milliTokens, cur, 0) {
			return
		}
	}
}

// Map is the process-wide registry keyed by server name.
type Map struct {
	mu      sync.Mutex
	entries map[string]*Throttle
}

// NewMap returns an empty, process-wide throttle registry. Callers
// normally use the package-level Global instance.
func NewMap() *Map {
	return &Map{entries: make(map[string]*Throttle)}
}

// Global is the shared, process-wide registry every Channel uses.
var Global = NewMap()

// GetDataForServer returns the shared Throttle for name. A call with
// the same name and parameters returns the same object; a call with
// different parameters atomically rebuilds the entry so new callers
// see the new parameters while existing holders keep their reference
// to the old Throttle until they drop it.
func (m *Map) GetDataForServer(name string, maxMilliTokens, milliTokenRatio int64) *Throttle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.entries[name]; ok {
		if t.maxMilliTokens == maxMilliTokens && t.milliTokenRatio == milliTokenRatio {
			t.ref++
			return t
		}
	}
	t := &Throttle{
		name:            name,
		maxMilliTokens:  maxMilliTokens,
		milliTokenRatio: milliTokenRatio,
		milliTokens:     maxMilliTokens,
		ref:             1,
	}
	m.entries[name] = t
	return t
}

// Release drops one reference to t, removing it from the map once the
// last holder releases it (unless the map has since rebuilt the entry
// with different parameters, in which case t is already detached).
func (m *Map) Release(t *Throttle) {
	if t == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ref--
	if t.ref <= 0 {
		if cur, ok := m.entries[t.name]; ok && cur == t {
			delete(m.entries, t.name)
		}
	}
}
