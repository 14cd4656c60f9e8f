/*
 *
 * Copyright 2019 gRPC authors.
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

package grpcsync

import "sync"

// Event represents a one-time event that may occur in the future. It is
// used for idempotent shutdown signals (channel SHUTDOWN, subchannel
// shutdown, timer cancellation).
type Event struct {
	fired int32
	c     chan struct{}
	o     sync.Once
}

// NewEvent returns a new, un-fired Event.
func NewEvent() *Event {
	return &Event{c: make(chan struct{})}
}

// Fire causes e to complete. It is idempotent; only the first call has
// any effect. Returns true if this call was the one that fired it.
func (e *Event) Fire() bool {
	ran := false
	e.o.Do(func() {
		close(e.c)
		ran = true
	})
	return ran
}

// Done returns a channel that is closed after Fire is called.
func (e *Event) Done() <-chan struct{} {
	return e.c
}

// HasFired returns true if Fire has been called.
func (e *Event) HasFired() bool {
	select {
	case <-e.c:
		return true
	default:
		return false
	}
}
