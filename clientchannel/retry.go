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

package clientchannel

import (
	"context"
	"time"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/internal/backoff"
	"github.com/thunderbird2009/clientchannel/internal/methodconfig"
	"github.com/thunderbird2009/clientchannel/internal/throttle"
	"github.com/thunderbird2009/clientchannel/status"
	"github.com/thunderbird2009/clientchannel/transport"
)

// retryState is the per-call retry bookkeeping of a call's retry
// orchestrator: the running size of the uncommitted send-op cache, the
// attempt counter, and the commitment flag that, once set, makes every
// later failure terminal instead of retriable. The send ops themselves
// are replayed straight from the call's own pending-batches array
// (their byte streams rewind via Reset), so only the running size needs
// to be tracked here to enforce the retry-buffer ceiling.
type retryState struct {
	call    *Call
	policy  *methodconfig.RetryPolicy
	thr     *throttle.Throttle
	bufSize int64

	attempts  int
	committed bool
	cacheUsed int64
	// retryArmed is set once a retry timer has been scheduled for the
	// current attempt, so a second batch failing on the same attempt
	// (e.g. a separately intercepted send and recv batch both erroring)
	// cannot arm a second timer. Cleared when the next attempt starts.
	retryArmed bool

	bo      backoff.Strategy
	timer   *time.Timer
	doneCbs []func(balancer.DoneInfo)
}

func newRetryState(c *Call, policy *methodconfig.RetryPolicy, bufSize int64) *retryState {
	return &retryState{
		call:    c,
		policy:  policy,
		thr:     c.thr,
		bufSize: bufSize,
		bo: backoff.Strategy{
			InitialInterval: policy.InitialBackoff,
			Multiplier:      policy.BackoffMultiplier,
			Jitter:          0.2,
			MaxInterval:     policy.MaxBackoff,
		},
	}
}

// commit marks the call as committed: every later failure is surfaced
// to the caller instead of retried.
func (r *retryState) commit() {
	r.call.mu.Lock()
	r.committed = true
	r.call.mu.Unlock()
}

// recordSend accounts for one send op against the retry-buffer budget,
// unless the call is already committed. Exceeding bufSize commits the
// call immediately: an over-budget call can no longer be replayed from
// scratch, so its current attempt becomes final.
func (r *retryState) recordSend(md *transport.MD, msg []byte) {
	r.call.mu.Lock()
	defer r.call.mu.Unlock()
	if r.committed {
		return
	}
	size := int64(len(msg))
	if md != nil {
		size += int64(md.Size())
	}
	if r.cacheUsed+size > r.bufSize {
		r.committed = true
		return
	}
	r.cacheUsed += size
}

// startAttempt dispatches the call's currently pending batches to a
// freshly picked transport call, intercepting the completion callbacks
// so commitment and retry decisions can be made from their results
// instead of forwarding them straight to the caller.
func (r *retryState) startAttempt(tcall transport.Call, done func(balancer.DoneInfo)) {
	r.call.mu.Lock()
	r.attempts++
	r.retryArmed = false
	for kind := range r.call.pending {
		r.call.pending[kind].inFlight = false
	}
	batches := r.call.undispatchedLocked()
	r.call.mu.Unlock()

	if done != nil {
		r.doneCbs = append(r.doneCbs, done)
	}

	for _, b := range batches {
		r.dispatchAttemptBatch(tcall, b)
	}
}

// resume forwards a batch that arrived after the current attempt's
// transport call already exists (e.g. a second SendMessage on a
// streaming call), skipping anything already dispatched to that
// attempt.
func (r *retryState) resume() {
	r.call.mu.Lock()
	tcall := r.call.transportCall
	if tcall == nil {
		r.call.mu.Unlock()
		return
	}
	batches := r.call.undispatchedLocked()
	r.call.mu.Unlock()
	for _, b := range batches {
		r.dispatchAttemptBatch(tcall, b)
	}
}

func (r *retryState) dispatchAttemptBatch(tcall transport.Call, b *transport.Batch) {
	if b.SendInitialMetadata != nil {
		r.recordSend(b.SendInitialMetadata, nil)
	}
	if b.SendMessage != nil {
		if data, err := readAll(b.SendMessage); err == nil {
			r.recordSend(nil, data)
		}
	}
	if b.SendTrailingMetadata != nil {
		r.recordSend(b.SendTrailingMetadata, nil)
	}

	attemptBatch := *b
	if b.RecvInitialMetadataReady != nil {
		orig := b.RecvInitialMetadataReady
		attemptBatch.RecvInitialMetadataReady = func(err error) {
			// A Trailers-Only response (headers and trailers arriving
			// together with a non-OK status) is not a commitment point;
			// the final status, once it arrives via OnComplete, drives
			// the retry decision instead.
			if err == nil && !attemptBatch.RecvInitialMetadataTrailersOnly {
				r.commit()
			}
			orig(err)
		}
	}
	if b.RecvMessageReady != nil {
		orig := b.RecvMessageReady
		attemptBatch.RecvMessageReady = func(err error) {
			if err == nil {
				r.commit()
			}
			orig(err)
		}
	}
	orig := b.OnComplete
	attemptBatch.OnComplete = func(err error) {
		r.handleComplete(err, orig)
	}
	tcall.StartBatch(&attemptBatch)
}

func (r *retryState) handleComplete(err error, orig func(error)) {
	cbs := r.doneCbs
	r.doneCbs = nil
	for _, cb := range cbs {
		cb(balancer.DoneInfo{Err: err})
	}

	if err == nil {
		r.commit()
		if r.thr != nil {
			r.thr.RecordSuccess()
		}
		if orig != nil {
			orig(nil)
		}
		return
	}
	se, ok := err.(*status.Error)
	if !ok {
		se = status.Newf(status.Unknown, "clientchannel: %v", err)
	}
	if r.maybeRetry(se) {
		return
	}
	if orig != nil {
		orig(se)
	}
}

// maybeRetry decides whether a failed attempt may be retried: a
// failure is retriable only while uncommitted, within the configured
// retryable-status set and attempt budget, and permitted by the
// retry-throttle token bucket. A retry that is granted rearms the
// cached send ops on a freshly picked transport call after the policy's
// backoff delay. Only one retry may be armed per attempt: if a sibling
// batch already armed one (e.g. a separately intercepted send and recv
// batch both failing), later calls report the retry as already granted
// instead of arming a second timer.
func (r *retryState) maybeRetry(cause *status.Error) bool {
	r.call.mu.Lock()
	if r.committed {
		r.call.mu.Unlock()
		return false
	}
	if r.retryArmed {
		r.call.mu.Unlock()
		return true
	}
	attempts := r.attempts
	r.call.mu.Unlock()

	if r.call.ctx.Err() != nil {
		return false
	}
	if r.policy.MaxAttempts > 0 && attempts >= r.policy.MaxAttempts {
		return false
	}
	if !r.policy.RetryableStatusSet[int32(cause.Code)] {
		return false
	}
	if r.thr != nil && !r.thr.RecordFailure() {
		return false
	}

	r.call.mu.Lock()
	if r.committed {
		r.call.mu.Unlock()
		return false
	}
	if r.retryArmed {
		r.call.mu.Unlock()
		return true
	}
	r.retryArmed = true
	r.call.mu.Unlock()

	// The first retry backs off by InitialInterval; every retry after
	// that steps the schedule by Multiplier.
	now := time.Now()
	var until time.Time
	if attempts <= 1 {
		until = r.bo.Begin(now)
	} else {
		until = r.bo.Step(now)
	}
	delay := until.Sub(now)
	if delay < 0 {
		delay = 0
	}

	r.timer = time.AfterFunc(delay, func() {
		r.call.ch.serializer.Schedule(func(context.Context) { r.call.startPick() })
	})
	return true
}

// readAll drains a ByteStream fully, used to snapshot a SendMessage op
// for the retry cache without consuming the stream the transport call
// itself will read.
func readAll(bs transport.ByteStream) ([]byte, error) {
	if err := bs.Reset(); err != nil {
		return nil, err
	}
	var out []byte
	for {
		chunk, err := bs.Next(1 << 16)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)
	}
	_ = bs.Reset()
	return out, nil
}
