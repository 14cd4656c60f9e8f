/*
 *
 * Copyright 2022 gRPC authors.
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

// Package grpcsync provides a single-threaded executor with an
// explicit FIFO queue. The channel serializer and each per-call
// serializer are instances of CallbackSerializer.
package grpcsync

import (
	"context"
	"sync"
)

// CallbackSerializer schedules callbacks for FIFO, mutually-exclusive
// execution on a single background goroutine. Exactly one callback from
// a given CallbackSerializer ever runs at a time; this is what lets the
// channel and a call each use per-field-lock-free state.
type CallbackSerializer struct {
	// Done is closed once the serializer has drained its queue after
	// the owning context was cancelled.
	Done chan struct{}

	mu       sync.Mutex
	queue    []func(context.Context)
	notifyCh chan struct{}
}

// NewCallbackSerializer starts a new serializer bound to ctx. Cancelling
// ctx drains any callback in flight and then stops the serializer; no
// callback scheduled after cancellation will run.
func NewCallbackSerializer(ctx context.Context) *CallbackSerializer {
	cs := &CallbackSerializer{
		Done:     make(chan struct{}),
		notifyCh: make(chan struct{}, 1),
	}
	go cs.run(ctx)
	return cs
}

// Schedule enqueues f to run after every callback already queued.
// Schedule never blocks.
func (cs *CallbackSerializer) Schedule(f func(context.Context)) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	select {
	case <-cs.Done:
		return false
	default:
	}
	cs.queue = append(cs.queue, f)
	select {
	case cs.notifyCh <- struct{}{}:
	default:
	}
	return true
}

func (cs *CallbackSerializer) run(ctx context.Context) {
	defer close(cs.Done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cs.notifyCh:
		}
		for {
			f := cs.pop()
			if f == nil {
				break
			}
			f(ctx)
			if ctx.Err() != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (cs *CallbackSerializer) pop() func(context.Context) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.queue) == 0 {
		return nil
	}
	f := cs.queue[0]
	cs.queue = cs.queue[1:]
	return f
}
