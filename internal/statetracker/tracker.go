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

// Package statetracker implements a connectivity-state tracker: a
// current state, a current cause error, and a list of one-shot
// watchers of the form (state_out_ptr, on_changed_closure). All
// mutation happens on the caller's serializer; the tracker itself does
// not spawn a goroutine.
package statetracker

import (
	"context"

	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/internal/grpcsync"
	"github.com/thunderbird2009/clientchannel/status"
)

type watcher struct {
	stateOut *connectivity.State
	closure  func(context.Context)
}

// Tracker must only be mutated from within the serializer passed to
// New; it carries no lock of its own, relying entirely on every
// mutation running on the owning serializer's goroutine.
type Tracker struct {
	serializer *grpcsync.CallbackSerializer
	state      connectivity.State
	cause      *status.Error
	watchers   []*watcher
}

// New returns a Tracker whose callbacks are scheduled on serializer.
func New(serializer *grpcsync.CallbackSerializer, initial connectivity.State) *Tracker {
	return &Tracker{serializer: serializer, state: initial}
}

// CurrentState returns the tracker's state and cause error. Must be
// called from within the owning serializer.
func (t *Tracker) CurrentState() (connectivity.State, *status.Error) {
	return t.state, t.cause
}

// Set updates the tracked state and cause, and fires every watcher
// whose observed state differs from the new one. SHUTDOWN is
// absorbing: once reached, later Set calls are accepted but never move
// the tracker off SHUTDOWN.
func (t *Tracker) Set(state connectivity.State, cause *status.Error, reason string) {
	if t.state == connectivity.Shutdown {
		return
	}
	t.state = state
	t.cause = cause
	remaining := t.watchers[:0]
	for _, w := range t.watchers {
		if *w.stateOut != state {
			*w.stateOut = state
			t.schedule(w.closure)
			continue
		}
		remaining = append(remaining, w)
	}
	t.watchers = remaining
}

// NotifyOnStateChange arms a one-shot watcher: if stateOut's observed
// value already differs from the current state, the closure is
// scheduled immediately and the watcher is not retained; otherwise it
// is queued until the next Set call that changes the state.
func (t *Tracker) NotifyOnStateChange(stateOut *connectivity.State, closure func(context.Context)) {
	if *stateOut != t.state {
		*stateOut = t.state
		t.schedule(closure)
		return
	}
	t.watchers = append(t.watchers, &watcher{stateOut: stateOut, closure: closure})
}

// CancelWatch removes a previously armed watcher without firing its
// closure, used when a caller stops watching (stateOut == nil
// semantics at the call site map to this).
func (t *Tracker) CancelWatch(stateOut *connectivity.State) {
	remaining := t.watchers[:0]
	for _, w := range t.watchers {
		if w.stateOut != stateOut {
			remaining = append(remaining, w)
		}
	}
	t.watchers = remaining
}

func (t *Tracker) schedule(closure func(context.Context)) {
	if t.serializer != nil {
		t.serializer.Schedule(closure)
		return
	}
	closure(context.Background())
}
