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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/internal/grpcsync"
	"github.com/thunderbird2009/clientchannel/internal/statetracker"
	"github.com/thunderbird2009/clientchannel/resolver"
	"github.com/thunderbird2009/clientchannel/status"
	"github.com/thunderbird2009/clientchannel/transport"
)

// recordingBalancer captures every UpdateSubConnState call so subchannel
// tests can assert on the notification sequence without standing up a
// real LB policy.
type recordingBalancer struct {
	mu      sync.Mutex
	updates []balancer.SubConnState
	notify  chan balancer.SubConnState
}

func newRecordingBalancer() *recordingBalancer {
	return &recordingBalancer{notify: make(chan balancer.SubConnState, 16)}
}

func (b *recordingBalancer) UpdateClientConnState(resolver.State) error { return nil }
func (b *recordingBalancer) ResolverError(error)                       {}
func (b *recordingBalancer) UpdateSubConnState(_ balancer.SubConn, s balancer.SubConnState) {
	b.mu.Lock()
	b.updates = append(b.updates, s)
	b.mu.Unlock()
	b.notify <- s
}
func (b *recordingBalancer) Close()    {}
func (b *recordingBalancer) ExitIdle() {}

func newTestChannel(t *testing.T, bal balancer.Balancer) *Channel {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch := &Channel{
		target:          "test",
		retryBufferSize: DefaultRetryBufferSize,
		subChans:        make(map[*SubChannel]struct{}),
		closed:          grpcsync.NewEvent(),
		balancer:        bal,
	}
	ch.serializer = grpcsync.NewCallbackSerializer(ctx)
	ch.serializerCancel = cancel
	ch.tracker = statetracker.New(ch.serializer, connectivity.Idle)
	return ch
}

func waitForUpdate(t *testing.T, ch <-chan balancer.SubConnState, want connectivity.State) balancer.SubConnState {
	t.Helper()
	for {
		select {
		case s := <-ch:
			if s.ConnectivityState == want {
				return s
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for connectivity state %v", want)
		}
	}
}

func Test_SubChannel_ConnectSucceeds(t *testing.T) {
	bal := newRecordingBalancer()
	ch := newTestChannel(t, bal)
	ch.connectFunc = func(context.Context, resolver.Address) (transport.ClientTransport, error) {
		return &fakeTransport{}, nil
	}

	sc := newSubChannel(ch, []resolver.Address{{Addr: "127.0.0.1:1"}})
	sc.Connect()

	waitForUpdate(t, bal.notify, connectivity.Connecting)
	waitForUpdate(t, bal.notify, connectivity.Ready)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	assert.Equal(t, connectivity.Ready, sc.state)
	assert.NotNil(t, sc.tr)
}

func Test_SubChannel_ConnectFailsThenIdles(t *testing.T) {
	bal := newRecordingBalancer()
	ch := newTestChannel(t, bal)
	ch.connectFunc = func(context.Context, resolver.Address) (transport.ClientTransport, error) {
		return nil, status.New(status.Unavailable, "dial refused")
	}

	sc := newSubChannel(ch, []resolver.Address{{Addr: "127.0.0.1:1"}})
	sc.backoff.InitialInterval = time.Millisecond
	sc.backoff.MaxInterval = time.Millisecond
	sc.Connect()

	waitForUpdate(t, bal.notify, connectivity.Connecting)
	waitForUpdate(t, bal.notify, connectivity.TransientFailure)
	waitForUpdate(t, bal.notify, connectivity.Idle)
}

func Test_SubChannel_ShutdownIsIdempotent(t *testing.T) {
	bal := newRecordingBalancer()
	ch := newTestChannel(t, bal)
	sc := newSubChannel(ch, []resolver.Address{{Addr: "127.0.0.1:1"}})
	sc.Shutdown()
	sc.Shutdown()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	assert.True(t, sc.shutdown)
	assert.Equal(t, connectivity.Shutdown, sc.state)
}
