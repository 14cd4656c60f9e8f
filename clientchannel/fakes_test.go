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
	"sync"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/status"
	"github.com/thunderbird2009/clientchannel/transport"
)

// fakeTransport is a transport.ClientTransport whose calls are produced
// by newCall, given the 1-based index of this transport's NewCall
// invocation, so a test can make the Nth attempt behave differently.
type fakeTransport struct {
	mu      sync.Mutex
	calls   int
	newCall func(method string, attempt int) (transport.Call, error)
}

func (f *fakeTransport) NewCall(method string) (transport.Call, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.newCall != nil {
		return f.newCall(method, n)
	}
	return &fakeCall{}, nil
}

func (f *fakeTransport) Close(*status.Error) {}

// fakeCall completes every batch synchronously, either successfully or
// with a fixed failure status. batches counts how many times StartBatch
// ran, so a test can assert a batch was never redispatched.
type fakeCall struct {
	mu   sync.Mutex
	fail *status.Error
	// trailersOnlyFail, if set, simulates a Trailers-Only response:
	// recv_initial_metadata_ready fires with a nil error (headers
	// "arrive" fine) but the attempt still fails with this status at
	// recv_message_ready/OnComplete, the way a response whose headers
	// and trailers arrive together looks to the retry orchestrator.
	trailersOnlyFail *status.Error
	batches          int
}

func (c *fakeCall) StartBatch(b *transport.Batch) {
	c.mu.Lock()
	c.batches++
	c.mu.Unlock()

	if c.trailersOnlyFail != nil {
		if b.RecvInitialMetadataReady != nil {
			b.RecvInitialMetadataTrailersOnly = true
			b.RecvInitialMetadataReady(nil)
		}
		if b.RecvMessageReady != nil {
			b.RecvMessageReady(c.trailersOnlyFail)
		}
		if b.OnComplete != nil {
			b.OnComplete(c.trailersOnlyFail)
		}
		return
	}

	var err error
	if c.fail != nil {
		err = c.fail
	}
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

func (c *fakeCall) Cancel(*status.Error) {}

// fakePicker always hands out the same SubConn, optionally attaching
// fixed per-pick metadata the way grpclb's picker attaches an LB token.
type fakePicker struct {
	sc       balancer.SubConn
	metadata transport.MD
}

func (p *fakePicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{SubConn: p.sc, Metadata: p.metadata}, nil
}
