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
	"time"

	"github.com/google/uuid"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/health"
	"github.com/thunderbird2009/clientchannel/internal/backoff"
	"github.com/thunderbird2009/clientchannel/internal/grpclog"
	"github.com/thunderbird2009/clientchannel/resolver"
	"github.com/thunderbird2009/clientchannel/status"
	"github.com/thunderbird2009/clientchannel/transport"
)

// ConnectFunc establishes the transport for one subchannel address.
// Real wire/TLS setup is out of scope; production callers inject the
// dialer the same way they would inject credentials.
type ConnectFunc func(ctx context.Context, addr resolver.Address) (transport.ClientTransport, error)

// SubChannel is the handle on one address set: a
// connectivity-state tracker, and (once READY) a connected subchannel
// exposing create_call.
type SubChannel struct {
	id          uuid.UUID
	parent      *Channel
	connectFunc ConnectFunc

	mu         sync.Mutex
	addrs      []resolver.Address
	state      connectivity.State
	connErr    *status.Error
	tr         transport.ClientTransport
	backoff    backoff.Strategy
	cancelFunc context.CancelFunc
	connecting bool
	shutdown   bool
}

func newSubChannel(parent *Channel, addrs []resolver.Address) *SubChannel {
	connect := parent.connectFunc
	if connect == nil {
		connect = func(context.Context, resolver.Address) (transport.ClientTransport, error) {
			return nil, status.New(status.Unavailable, "clientchannel: no ConnectFunc configured")
		}
	}
	return &SubChannel{
		id:          uuid.New(),
		parent:      parent,
		connectFunc: connect,
		addrs:       addrs,
		state:       connectivity.Idle,
		backoff:     backoff.DefaultStrategy,
	}
}

// Connect implements balancer.SubConn: CONNECTING is entered on
// demand, moving the subchannel out of IDLE.
func (sc *SubChannel) Connect() {
	sc.mu.Lock()
	if sc.shutdown || sc.connecting || sc.state == connectivity.Ready {
		sc.mu.Unlock()
		return
	}
	sc.connecting = true
	ctx, cancel := context.WithCancel(context.Background())
	sc.cancelFunc = cancel
	addrs := sc.addrs
	sc.mu.Unlock()

	sc.setState(connectivity.Connecting, nil)
	go sc.connectLoop(ctx, addrs)
}

func (sc *SubChannel) connectLoop(ctx context.Context, addrs []resolver.Address) {
	deadline := sc.backoff.Begin(time.Now())
	for _, a := range addrs {
		if ctx.Err() != nil {
			return
		}
		tr, err := sc.connectFunc(ctx, a)
		if err == nil {
			sc.mu.Lock()
			sc.tr = tr
			sc.connecting = false
			sc.backoff.Reset()
			sc.mu.Unlock()
			sc.setState(connectivity.Ready, nil)
			if sc.parent.healthCheckService != "" {
				go sc.runHealthCheck(ctx)
			}
			return
		}
		grpclog.Warningf("clientchannel: subchannel %s: connect to %s failed: %v", sc.id, a.Addr, err)
	}

	sc.mu.Lock()
	sc.connecting = false
	sc.mu.Unlock()
	cause := status.Newf(status.Unavailable, "clientchannel: all addresses failed for subchannel")
	sc.setState(connectivity.TransientFailure, cause)

	wait := time.Until(deadline)
	timer := time.NewTimer(wait)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return
	}
	sc.mu.Lock()
	shutdown := sc.shutdown
	sc.mu.Unlock()
	if shutdown {
		return
	}
	sc.setState(connectivity.Idle, nil)
}

func (sc *SubChannel) runHealthCheck(ctx context.Context) {
	health.Watch(ctx, sc.parent.healthCheckService, func() (health.Stream, error) {
		sc.mu.Lock()
		tr := sc.tr
		sc.mu.Unlock()
		if tr == nil {
			return nil, status.New(status.Unavailable, "clientchannel: no transport for health check")
		}
		return newHealthStream(tr)
	}, func(healthy bool) {
		if healthy {
			sc.setState(connectivity.Ready, nil)
		} else {
			sc.setState(connectivity.TransientFailure, status.New(status.Unavailable, "clientchannel: health check reports not serving"))
		}
	})
}

// ID returns the subchannel's process-unique identifier, used only for
// log correlation across its possibly many reconnect attempts.
func (sc *SubChannel) ID() uuid.UUID { return sc.id }

// UpdateAddresses implements balancer.SubConn.
func (sc *SubChannel) UpdateAddresses(addrs []resolver.Address) {
	sc.mu.Lock()
	sc.addrs = addrs
	sc.mu.Unlock()
}

// Shutdown implements balancer.SubConn.
func (sc *SubChannel) Shutdown() {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return
	}
	sc.shutdown = true
	if sc.cancelFunc != nil {
		sc.cancelFunc()
	}
	tr := sc.tr
	sc.tr = nil
	sc.mu.Unlock()
	if tr != nil {
		tr.Close(status.New(status.Unavailable, "clientchannel: subchannel shut down"))
	}
	sc.setState(connectivity.Shutdown, nil)
}

// setState updates the SubChannel's own state and notifies the owning
// balancer, scheduled on the channel serializer so all balancer-facing
// mutation stays inside that single serializer domain.
func (sc *SubChannel) setState(state connectivity.State, cause *status.Error) {
	sc.mu.Lock()
	if sc.state == connectivity.Shutdown {
		sc.mu.Unlock()
		return
	}
	sc.state = state
	sc.connErr = cause
	sc.mu.Unlock()

	sc.parent.serializer.Schedule(func(context.Context) {
		sc.parent.mu.Lock()
		bal := sc.parent.balancer
		sc.parent.mu.Unlock()
		if bal != nil {
			bal.UpdateSubConnState(sc, balancer.SubConnState{ConnectivityState: state, ConnectionError: cause})
		}
	})
}

// createCall creates a transport call on this subchannel's connected
// transport.
func (sc *SubChannel) createCall(method string) (transport.Call, error) {
	sc.mu.Lock()
	tr := sc.tr
	state := sc.state
	sc.mu.Unlock()
	if state != connectivity.Ready || tr == nil {
		return nil, status.New(status.Unavailable, "clientchannel: subchannel not READY")
	}
	return tr.NewCall(method)
}

// healthStream adapts a transport.ClientTransport's call-creation seam
// into the narrow health.Stream contract. Every message received on the
// watch call is reported as serving; the message payload is not
// decoded, so a not-serving response is not recognised.
type healthStream struct {
	call transport.Call
	recv chan health.Response
	done chan error
}

func newHealthStream(tr transport.ClientTransport) (health.Stream, error) {
	call, err := tr.NewCall("/grpc.health.v1.Health/Watch")
	if err != nil {
		return nil, err
	}
	return &healthStream{call: call, recv: make(chan health.Response, 1), done: make(chan error, 1)}, nil
}

func (h *healthStream) Send(service string) error {
	md := transport.MD{":service": []string{service}}
	h.call.StartBatch(&transport.Batch{
		SendInitialMetadata: &md,
		RecvMessage:         true,
		RecvMessageReady: func(err error) {
			if err != nil {
				h.done <- err
				return
			}
			h.recv <- health.Response{Serving: true}
		},
		OnComplete: func(err error) {
			if err != nil {
				h.done <- err
			}
		},
	})
	return nil
}

func (h *healthStream) Recv() (health.Response, error) {
	select {
	case r := <-h.recv:
		return r, nil
	case err := <-h.done:
		return health.Response{}, err
	}
}
