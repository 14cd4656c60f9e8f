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

	_ "github.com/thunderbird2009/clientchannel/balancer/roundrobin"
	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/resolver"
	"github.com/thunderbird2009/clientchannel/transport"
)

// fakeResolverBuilder delivers state once, synchronously from Build,
// matching a resolver that already has a cached result at construction.
type fakeResolverBuilder struct {
	state    resolver.State
	resolver *fakeResolverHandle
}

type fakeResolverHandle struct {
	resolveNowCount int
	closed          bool
}

func (r *fakeResolverHandle) ResolveNow() { r.resolveNowCount++ }
func (r *fakeResolverHandle) Close()      { r.closed = true }

func (b *fakeResolverBuilder) Build(target string, cc resolver.ClientConn) (resolver.Resolver, error) {
	b.resolver = &fakeResolverHandle{}
	go cc.UpdateState(b.state)
	return b.resolver, nil
}

func (b *fakeResolverBuilder) Scheme() string { return "fake" }

func Test_Channel_ResolvesConnectsAndPicks(t *testing.T) {
	rb := &fakeResolverBuilder{state: resolver.State{
		Addresses: []resolver.Address{{Addr: "127.0.0.1:1"}},
		LBPolicyName: "round_robin",
	}}

	ch, err := NewChannel("fake:///test", rb,
		WithConnectFunc(func(context.Context, resolver.Address) (transport.ClientTransport, error) {
			return &fakeTransport{}, nil
		}),
	)
	assert.NoError(t, err)
	t.Cleanup(ch.Close)

	var state connectivity.State
	changed := make(chan struct{}, 8)
	ch.WatchConnectivityState(&state, func() { changed <- struct{}{} })

	deadline := time.After(2 * time.Second)
	for state != connectivity.Ready {
		select {
		case <-changed:
			ch.WatchConnectivityState(&state, func() { changed <- struct{}{} })
		case <-deadline:
			t.Fatalf("channel never became READY, stuck at %v", state)
		}
	}

	call := ch.NewCall(context.Background(), "/svc/Method")
	md := transport.MD{}
	done := make(chan error, 1)
	call.StartBatch(&transport.Batch{
		SendInitialMetadata:  &md,
		RecvTrailingMetadata: true,
		OnComplete:           func(err error) { done <- err },
	})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}

	name, _ := ch.GetChannelInfo()
	assert.Equal(t, "round_robin", name)
}

func Test_Channel_CloseShutsDownCleanly(t *testing.T) {
	rb := &fakeResolverBuilder{state: resolver.State{
		Addresses: []resolver.Address{{Addr: "127.0.0.1:1"}},
	}}
	ch, err := NewChannel("fake:///test", rb,
		WithConnectFunc(func(context.Context, resolver.Address) (transport.ClientTransport, error) {
			return &fakeTransport{}, nil
		}),
	)
	assert.NoError(t, err)

	ch.Close()
	// Close is scheduled on the serializer; give it a moment to run.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, connectivity.Shutdown, ch.State())
}
