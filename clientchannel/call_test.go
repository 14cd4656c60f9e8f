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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/resolver"
	"github.com/thunderbird2009/clientchannel/transport"
)

// readySubChannel builds a SubChannel already in the READY state with
// tr as its connected transport, bypassing Connect/connectLoop so call
// tests can focus on pick dispatch rather than connection setup.
func readySubChannel(ch *Channel, tr transport.ClientTransport) *SubChannel {
	sc := newSubChannel(ch, []resolver.Address{{Addr: "127.0.0.1:1"}})
	sc.state = connectivity.Ready
	sc.tr = tr
	return sc
}

func Test_Call_DispatchWithoutRetry(t *testing.T) {
	ch := newTestChannel(t, newRecordingBalancer())
	tr := &fakeTransport{}
	sc := readySubChannel(ch, tr)
	ch.picker = &fakePicker{sc: sc}

	c := newCall(context.Background(), ch, "/svc/Method", nil, nil, DefaultRetryBufferSize)
	assert.Nil(t, c.retry)

	md := transport.MD{"key": []string{"value"}}
	done := make(chan error, 1)
	c.StartBatch(&transport.Batch{
		SendInitialMetadata:  &md,
		RecvInitialMetadata:  true,
		RecvTrailingMetadata: true,
		OnComplete:           func(err error) { done <- err },
	})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
	assert.Equal(t, 1, tr.calls)
}

func Test_Call_AttachesPickMetadataToInitialMetadata(t *testing.T) {
	ch := newTestChannel(t, newRecordingBalancer())
	tr := &fakeTransport{}
	sc := readySubChannel(ch, tr)
	ch.picker = &fakePicker{sc: sc, metadata: transport.MD{"lb-token": []string{"t2"}}}

	c := newCall(context.Background(), ch, "/svc/Method", nil, nil, DefaultRetryBufferSize)

	md := transport.MD{}
	done := make(chan error, 1)
	c.StartBatch(&transport.Batch{
		SendInitialMetadata: &md,
		OnComplete:          func(err error) { done <- err },
	})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
	assert.Equal(t, []string{"t2"}, md["lb-token"])
}

func Test_Call_ResumeDoesNotRedispatchAlreadySentBatch(t *testing.T) {
	ch := newTestChannel(t, newRecordingBalancer())
	fc := &fakeCall{}
	tr := &fakeTransport{newCall: func(string, int) (transport.Call, error) { return fc, nil }}
	sc := readySubChannel(ch, tr)
	ch.picker = &fakePicker{sc: sc}

	c := newCall(context.Background(), ch, "/svc/Method", nil, nil, DefaultRetryBufferSize)
	assert.Nil(t, c.retry)

	md := transport.MD{}
	done := make(chan error, 1)
	c.StartBatch(&transport.Batch{
		SendInitialMetadata: &md,
		OnComplete:          func(err error) { done <- err },
	})
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first batch did not complete")
	}

	// A later StartBatch on the same call (e.g. a streaming follow-up)
	// must not redispatch the already-sent send_initial_metadata batch.
	done2 := make(chan error, 1)
	c.StartBatch(&transport.Batch{
		RecvTrailingMetadata: true,
		OnComplete:           func(err error) { done2 <- err },
	})
	select {
	case err := <-done2:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second batch did not complete")
	}

	fc.mu.Lock()
	batches := fc.batches
	fc.mu.Unlock()
	assert.Equal(t, 2, batches)
}

func Test_Call_PickFailureWithoutRetryFailsBatch(t *testing.T) {
	ch := newTestChannel(t, newRecordingBalancer())
	ch.picker = nil // no picker, no resolver: Pick returns "disconnected"

	c := newCall(context.Background(), ch, "/svc/Method", nil, nil, DefaultRetryBufferSize)

	md := transport.MD{}
	done := make(chan error, 1)
	c.StartBatch(&transport.Batch{
		SendInitialMetadata: &md,
		OnComplete:          func(err error) { done <- err },
	})

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
}
