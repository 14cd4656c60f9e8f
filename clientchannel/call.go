/*
 *
 * Copyright 2017 gRPC authors.
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
	"sync"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/internal/grpcsync"
	"github.com/thunderbird2009/clientchannel/internal/methodconfig"
	"github.com/thunderbird2009/clientchannel/internal/throttle"
	"github.com/thunderbird2009/clientchannel/status"
	"github.com/thunderbird2009/clientchannel/transport"
)

// opKind indexes the seven fixed slots of the pending-batches array.
type opKind = transport.OpKind

// pendingBatch is one fixed-index slot of the pending-batches array.
type pendingBatch struct {
	batch *transport.Batch
	// inFlight marks that this slot's batch has already been dispatched
	// to the call's current transport call attempt; it is cleared when
	// a new attempt starts so the batch can be replayed.
	inFlight bool
}

// Call is the per-RPC call state: path, selected connected subchannel,
// the pending-batches array, and (if retries are enabled) the retry
// cache and bookkeeping of clientchannel/retry.go.
type Call struct {
	ch     *Channel
	ctx    context.Context
	method string
	params *methodconfig.Params
	thr    *throttle.Throttle

	serializer *grpcsync.CallbackSerializer
	cancelFn   context.CancelFunc

	mu             sync.Mutex
	cancelErr      *status.Error
	pending        [transport.NumOpKinds]pendingBatch
	sc             *SubChannel
	transportCall  transport.Call
	retry          *retryState // nil when retries are disabled for this call
	waitForReady   bool
}

func newCall(ctx context.Context, ch *Channel, method string, params *methodconfig.Params, thr *throttle.Throttle, bufSize int64) *Call {
	cctx, cancel := context.WithCancel(ctx)
	c := &Call{
		ch:       ch,
		ctx:      cctx,
		method:   method,
		params:   params,
		thr:      thr,
		cancelFn: cancel,
	}
	c.serializer = grpcsync.NewCallbackSerializer(cctx)
	if params != nil && params.WaitForReady.Set {
		c.waitForReady = params.WaitForReady.Value
	}
	if params != nil && params.RetryPolicy != nil {
		c.retry = newRetryState(c, params.RetryPolicy, bufSize)
	}
	return c
}

// StartBatch dispatches a transport_stream_op_batch for this call.
func (c *Call) StartBatch(b *transport.Batch) {
	c.serializer.Schedule(func(context.Context) { c.startBatchLocked(b) })
}

func (c *Call) startBatchLocked(b *transport.Batch) {
	c.mu.Lock()
	if c.cancelErr != nil {
		err := c.cancelErr
		c.mu.Unlock()
		failBatch(b, err)
		return
	}

	for kind := opKind(0); kind < transport.NumOpKinds; kind++ {
		if batchHasOp(b, kind) {
			c.pending[kind] = pendingBatch{batch: b}
		}
	}

	if b.CancelError != nil {
		c.cancelErr = b.CancelError
		hasCall := c.transportCall != nil
		c.mu.Unlock()
		if !hasCall {
			c.failAllPendingLocked(b.CancelError)
		} else {
			c.resumePending()
		}
		return
	}

	hasCall := c.transportCall != nil
	wantsSend := b.SendInitialMetadata != nil
	c.mu.Unlock()

	switch {
	case hasCall:
		c.resumePending()
	case wantsSend:
		c.ch.serializer.Schedule(func(context.Context) { c.startPick() })
	}
}

func batchHasOp(b *transport.Batch, kind opKind) bool {
	switch kind {
	case transport.SendInitialMetadata:
		return b.SendInitialMetadata != nil
	case transport.SendMessage:
		return b.SendMessage != nil
	case transport.SendTrailingMetadata:
		return b.SendTrailingMetadata != nil
	case transport.RecvInitialMetadata:
		return b.RecvInitialMetadata
	case transport.RecvMessage:
		return b.RecvMessage
	case transport.RecvTrailingMetadata:
		return b.RecvTrailingMetadata
	case transport.CancelStream:
		return b.CancelError != nil
	}
	return false
}

func failBatch(b *transport.Batch, err *status.Error) {
	if b.RecvInitialMetadataReady != nil {
		b.RecvInitialMetadataReady(err)
	}
	if b.RecvMessageReady != nil {
		b.RecvMessageReady(err)
	}
	if b.OnComplete != nil {
		b.OnComplete(err)
	}
}

func (c *Call) failAllPendingLocked(err *status.Error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = [transport.NumOpKinds]pendingBatch{}
	c.mu.Unlock()
	seen := make(map[*transport.Batch]bool)
	for _, p := range pending {
		if p.batch == nil || seen[p.batch] {
			continue
		}
		seen[p.batch] = true
		failBatch(p.batch, err)
	}
}

// startPick delegates to the channel's LB policy (directly, or
// deferred through Channel.Pick).
func (c *Call) startPick() {
	res, err := c.ch.Pick(c.ctx, balancer.PickInfo{FullMethodName: c.method})
	c.pickDone(res, err)
}

// pickDone creates a transport call on the chosen connected
// subchannel, then resumes pending batches (or fails them if creation
// failed).
func (c *Call) pickDone(res balancer.PickResult, err error) {
	if err != nil {
		se, ok := err.(*status.Error)
		if !ok {
			se = status.Newf(status.Unavailable, "clientchannel: pick failed: %v", err)
		}
		if c.retry != nil && c.retry.maybeRetry(se) {
			return
		}
		c.failAllPendingLocked(se)
		return
	}
	sc, ok := res.SubConn.(*SubChannel)
	if !ok {
		c.failAllPendingLocked(status.New(status.Internal, "clientchannel: pick returned unknown SubConn type"))
		return
	}
	tcall, cerr := createTransportCall(sc, c.method)
	if cerr != nil {
		se, ok := cerr.(*status.Error)
		if !ok {
			se = status.Newf(status.Unavailable, "clientchannel: %v", cerr)
		}
		if c.retry != nil && c.retry.maybeRetry(se) {
			return
		}
		c.failAllPendingLocked(se)
		return
	}

	c.mu.Lock()
	c.sc = sc
	c.transportCall = tcall
	c.mu.Unlock()

	c.attachPickMetadata(res.Metadata)

	if c.retry != nil {
		c.retry.startAttempt(tcall, res.Done)
		return
	}
	c.dispatchDirect(tcall, res.Done)
}

// attachPickMetadata merges the picking policy's per-pick metadata
// (e.g. grpclb's balancer-issued LB token) into the call's cached
// send_initial_metadata batch, if one is pending. Runs on every pick,
// including re-picks for a retry, so a later attempt picking a
// different server gets that server's own token.
func (c *Call) attachPickMetadata(md transport.MD) {
	if len(md) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.pending[transport.SendInitialMetadata].batch
	if b == nil || b.SendInitialMetadata == nil {
		return
	}
	if *b.SendInitialMetadata == nil {
		*b.SendInitialMetadata = make(transport.MD, len(md))
	}
	for k, vs := range md {
		for _, v := range vs {
			b.SendInitialMetadata.Set(k, v)
		}
	}
}

// dispatchDirect forwards every not-yet-dispatched pending batch
// straight to the transport call, used when no retry policy is
// configured. Each slot is marked in-flight before StartBatch runs so
// a later StartBatch call (e.g. a streaming follow-up) only dispatches
// batches this call hasn't already sent.
func (c *Call) dispatchDirect(tcall transport.Call, done func(balancer.DoneInfo)) {
	c.mu.Lock()
	batches := c.undispatchedLocked()
	c.mu.Unlock()
	for _, b := range batches {
		if done != nil {
			wrapped := b.OnComplete
			b.OnComplete = func(err error) {
				done(balancer.DoneInfo{Err: err})
				if wrapped != nil {
					wrapped(err)
				}
			}
			done = nil // DoneInfo fires once per call, on the first completing batch
		}
		tcall.StartBatch(b)
	}
}

// undispatchedLocked returns every pending batch not yet marked
// in-flight, deduped by pointer (several slots may reference the same
// batch), and marks every slot referencing a returned batch in-flight
// so a later call only picks up batches that arrive afterward. Callers
// must hold c.mu.
func (c *Call) undispatchedLocked() []*transport.Batch {
	var batches []*transport.Batch
	for kind := range c.pending {
		p := &c.pending[kind]
		if p.batch == nil || p.inFlight {
			continue
		}
		b := p.batch
		batches = append(batches, b)
		for k2 := range c.pending {
			if c.pending[k2].batch == b {
				c.pending[k2].inFlight = true
			}
		}
	}
	return batches
}

// resumePending forwards any not-yet-dispatched batch once a
// transport call exists.
func (c *Call) resumePending() {
	c.mu.Lock()
	tcall := c.transportCall
	retry := c.retry
	c.mu.Unlock()
	if tcall == nil {
		return
	}
	if retry != nil {
		retry.resume()
		return
	}
	c.dispatchDirect(tcall, nil)
}

// Cancel implements the surface's cancel_stream path.
func (c *Call) Cancel(err *status.Error) {
	c.startBatchLocked(&transport.Batch{CancelError: err})
	c.cancelFn()
}
