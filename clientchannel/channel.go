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

// Package clientchannel is the client-channel filter: it owns the
// resolver and the top-level LB policy, applies the service config,
// dispatches picks, and orchestrates per-call retries.
package clientchannel

import (
	"context"
	"fmt"
	"sync"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/internal/grpclog"
	"github.com/thunderbird2009/clientchannel/internal/grpcsync"
	"github.com/thunderbird2009/clientchannel/internal/methodconfig"
	"github.com/thunderbird2009/clientchannel/internal/serviceconfig"
	"github.com/thunderbird2009/clientchannel/internal/statetracker"
	"github.com/thunderbird2009/clientchannel/internal/throttle"
	"github.com/thunderbird2009/clientchannel/resolver"
	"github.com/thunderbird2009/clientchannel/status"
	"github.com/thunderbird2009/clientchannel/transport"
)

// DefaultRetryBufferSize is the per-RPC retry-buffer ceiling used by
// the commitment rule that forces an over-budget call to its current
// attempt; surfaced as a channel arg rather than hardcoded.
const DefaultRetryBufferSize = 1 << 30

// PickFirstBalancerName is the balancer used when nothing else is
// requested.
const PickFirstBalancerName = "pick_first"

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithRetryBufferSize overrides DefaultRetryBufferSize.
func WithRetryBufferSize(n int64) Option {
	return func(c *Channel) { c.retryBufferSize = n }
}

// WithConnectFunc installs the function used to establish a transport
// for one subchannel address. Real wire connection setup is out of
// scope; tests and callers inject this the same way they would inject
// credentials.
func WithConnectFunc(f ConnectFunc) Option {
	return func(c *Channel) { c.connectFunc = f }
}

// WithHealthCheckService enables the subchannel health-check client
// for every subchannel this channel creates, watching the named
// service.
func WithHealthCheckService(service string) Option {
	return func(c *Channel) { c.healthCheckService = service }
}

// Channel is the process-long client-channel state.
type Channel struct {
	target          string
	connectFunc     ConnectFunc
	retryBufferSize int64
	healthCheckService string

	serializer       *grpcsync.CallbackSerializer
	serializerCancel context.CancelFunc
	tracker          *statetracker.Tracker

	resolverBuilder resolver.Builder
	resolverHandle  resolver.Resolver

	mu              sync.Mutex
	balancer        balancer.Balancer
	balancerName    string
	subChans        map[*SubChannel]struct{}
	methods         *methodconfig.Table
	rawServiceConfig string
	retryThrottle   *throttle.Throttle
	picker          balancer.Picker

	waitersMu sync.Mutex
	waiters   []*pendingPick

	closed *grpcsync.Event
}

// NewChannel constructs a Channel for target, resolved through b.
func NewChannel(target string, b resolver.Builder, opts ...Option) (*Channel, error) {
	if b == nil {
		return nil, fmt.Errorf("clientchannel: no resolver builder for target %q", target)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		target:          target,
		resolverBuilder: b,
		retryBufferSize: DefaultRetryBufferSize,
		subChans:        make(map[*SubChannel]struct{}),
		closed:          grpcsync.NewEvent(),
	}
	c.serializer = grpcsync.NewCallbackSerializer(ctx)
	c.serializerCancel = cancel
	c.tracker = statetracker.New(c.serializer, connectivity.Idle)
	for _, o := range opts {
		o(c)
	}

	r, err := b.Build(target, (*channelResolverCC)(c))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("clientchannel: resolver build failed: %w", err)
	}
	c.resolverHandle = r
	return c, nil
}

// Connect is the exit_idle entry point: the first pick or an explicit
// call to this method kicks resolution.
func (c *Channel) Connect() {
	c.serializer.Schedule(func(context.Context) {
		c.mu.Lock()
		bal := c.balancer
		c.mu.Unlock()
		if bal != nil {
			bal.ExitIdle()
		}
		if c.resolverHandle != nil {
			c.resolverHandle.ResolveNow()
		}
	})
}

// channelResolverCC adapts *Channel to resolver.ClientConn without
// exposing the whole Channel surface to the resolver.
type channelResolverCC Channel

func (c *channelResolverCC) UpdateState(s resolver.State) error {
	ch := (*Channel)(c)
	errCh := make(chan error, 1)
	ch.serializer.Schedule(func(context.Context) {
		errCh <- ch.handleResolverState(s)
	})
	return <-errCh
}

func (c *channelResolverCC) ReportError(err error) {
	ch := (*Channel)(c)
	ch.serializer.Schedule(func(context.Context) {
		ch.handleResolverError(err)
	})
}

// handleResolverState applies a new resolver.State: selects the LB
// policy, parses the service config, and forwards the address list to
// the balancer. Runs on the channel serializer.
func (c *Channel) handleResolverState(s resolver.State) error {
	name := s.LBPolicyName
	if name == "" {
		name = PickFirstBalancerName
	}
	for _, a := range s.Addresses {
		if a.IsBalancer {
			name = "grpclb"
			break
		}
	}

	c.mu.Lock()
	if c.balancerName != name {
		builder, ok := balancer.Get(name)
		if !ok {
			grpclog.Warningf("clientchannel: no balancer registered for %q, falling back to %q", name, PickFirstBalancerName)
			builder, ok = balancer.Get(PickFirstBalancerName)
		}
		if ok {
			if c.balancer != nil {
				c.balancer.Close()
			}
			c.balancer = builder.Build((*channelBalancerCC)(c), balancer.BuildOptions{Target: c.target})
			c.balancerName = name
		}
	}
	bal := c.balancer
	c.mu.Unlock()

	if bal == nil {
		return fmt.Errorf("clientchannel: no LB policy available for %q", name)
	}

	if s.ServiceConfig != "" {
		res, err := serviceconfig.Parse(s.ServiceConfig)
		if err != nil {
			grpclog.Warningf("clientchannel: dropping malformed service config: %v", err)
		} else if res != nil {
			c.mu.Lock()
			c.methods = res.Methods
			c.rawServiceConfig = s.ServiceConfig
			old := c.retryThrottle
			if res.HasRetryThrottling {
				c.retryThrottle = throttle.Global.GetDataForServer(c.target, res.RetryThrottleMaxTokens, res.RetryThrottleTokenRatio)
			} else {
				c.retryThrottle = nil
			}
			c.mu.Unlock()
			throttle.Global.Release(old)
		}
	}

	return bal.UpdateClientConnState(s)
}

func (c *Channel) handleResolverError(err error) {
	c.mu.Lock()
	bal := c.balancer
	c.mu.Unlock()
	if bal != nil {
		bal.ResolverError(err)
		return
	}
	c.tracker.Set(connectivity.TransientFailure, status.Newf(status.Unavailable, "clientchannel: resolver error: %v", err), "resolver_error")
	c.failWaiters(status.Newf(status.Unavailable, "clientchannel: resolver error: %v", err))
}

// channelBalancerCC adapts *Channel to balancer.ClientConn.
type channelBalancerCC Channel

func (c *channelBalancerCC) NewSubConn(addrs []resolver.Address) (balancer.SubConn, error) {
	ch := (*Channel)(c)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("clientchannel: cannot create SubConn with empty address list")
	}
	sc := newSubChannel(ch, addrs)
	ch.mu.Lock()
	ch.subChans[sc] = struct{}{}
	ch.mu.Unlock()
	return sc, nil
}

func (c *channelBalancerCC) RemoveSubConn(sconn balancer.SubConn) {
	ch := (*Channel)(c)
	sc, ok := sconn.(*SubChannel)
	if !ok {
		return
	}
	sc.Shutdown()
	ch.mu.Lock()
	delete(ch.subChans, sc)
	ch.mu.Unlock()
}

func (c *channelBalancerCC) UpdateState(s balancer.State) {
	ch := (*Channel)(c)
	ch.mu.Lock()
	ch.picker = s.Picker
	ch.mu.Unlock()
	// Balancers may call UpdateState from their own goroutines (grpclb's
	// timers and stream reader), so the tracker write goes through the
	// channel serializer.
	ch.serializer.Schedule(func(context.Context) {
		ch.tracker.Set(s.ConnectivityState, nil, "balancer_update")
	})
	if s.ConnectivityState == connectivity.Ready || s.ConnectivityState == connectivity.TransientFailure {
		ch.drainWaiters()
	}
}

func (c *channelBalancerCC) ResolveNow() {
	ch := (*Channel)(c)
	if ch.resolverHandle != nil {
		ch.resolverHandle.ResolveNow()
	}
}

func (c *channelBalancerCC) Target() string { return (*Channel)(c).target }

// pendingPick is a deferred pick awaiting an LB policy or a resolver
// result.
type pendingPick struct {
	info     balancer.PickInfo
	resultCh chan pickOutcome
	done     bool
	mu       sync.Mutex
}

type pickOutcome struct {
	result balancer.PickResult
	err    error
}

func (c *Channel) failWaiters(err *status.Error) {
	c.waitersMu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.waitersMu.Unlock()
	for _, w := range ws {
		w.complete(pickOutcome{err: err})
	}
}

func (c *Channel) drainWaiters() {
	c.waitersMu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.waitersMu.Unlock()
	for _, w := range ws {
		res, err := c.startPick(w.info)
		if err == balancer.ErrNoSubConnAvailable {
			c.waitersMu.Lock()
			c.waiters = append(c.waiters, w)
			c.waitersMu.Unlock()
			continue
		}
		w.complete(pickOutcome{result: res, err: err})
	}
}

func (p *pendingPick) complete(o pickOutcome) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.mu.Unlock()
	p.resultCh <- o
}

// startPick delegates to the current policy's picker, or defers if
// none is ready yet.
func (c *Channel) startPick(info balancer.PickInfo) (balancer.PickResult, error) {
	c.mu.Lock()
	p := c.picker
	c.mu.Unlock()
	if p == nil {
		if c.resolverHandle == nil {
			return balancer.PickResult{}, status.New(status.Unavailable, "clientchannel: disconnected")
		}
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	}
	return p.Pick(info)
}

// Pick resolves one RPC to a connected subchannel, deferring until the
// LB policy can serve a decision if necessary.
func (c *Channel) Pick(ctx context.Context, info balancer.PickInfo) (balancer.PickResult, error) {
	res, err := c.startPick(info)
	if err != balancer.ErrNoSubConnAvailable {
		return res, err
	}

	if c.resolverHandle != nil {
		c.resolverHandle.ResolveNow()
	}
	w := &pendingPick{info: info, resultCh: make(chan pickOutcome, 1)}
	c.waitersMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitersMu.Unlock()

	select {
	case o := <-w.resultCh:
		return o.result, o.err
	case <-ctx.Done():
		cause := status.Newf(status.DeadlineExceeded, "clientchannel: pick cancelled: %v", ctx.Err())
		if ctx.Err() == context.Canceled {
			cause = status.Newf(status.Cancelled, "clientchannel: pick cancelled: %v", ctx.Err())
		}
		w.complete(pickOutcome{err: cause})
		return balancer.PickResult{}, cause
	case <-c.closed.Done():
		return balancer.PickResult{}, status.New(status.Unavailable, "clientchannel: channel closed")
	}
}

// NewCall creates a Call for fullMethod, wiring method-config lookup
// and (if configured) the retry orchestrator.
func (c *Channel) NewCall(ctx context.Context, fullMethod string) *Call {
	c.mu.Lock()
	var params *methodconfig.Params
	if c.methods != nil {
		params, _ = c.methods.Lookup(fullMethod)
	}
	thr := c.retryThrottle
	bufSize := c.retryBufferSize
	c.mu.Unlock()
	return newCall(ctx, c, fullMethod, params, thr, bufSize)
}

// GetChannelInfo reports the current balancer name and raw service
// config text.
func (c *Channel) GetChannelInfo() (lbPolicyName, rawServiceConfig string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balancerName, c.rawServiceConfig
}

// WatchConnectivityState enqueues a one-shot watcher on the channel
// tracker. Calling it again with the same stateOut pointer arms another
// watcher; CancelWatch removes a pending one. The tracker may only be touched from the channel serializer, so both
// the registration and the eventual firing are scheduled on it.
func (c *Channel) WatchConnectivityState(stateOut *connectivity.State, onChanged func()) {
	c.serializer.Schedule(func(context.Context) {
		c.tracker.NotifyOnStateChange(stateOut, func(context.Context) { onChanged() })
	})
}

// CancelWatch cancels a watch previously registered with
// WatchConnectivityState.
func (c *Channel) CancelWatch(stateOut *connectivity.State) {
	c.serializer.Schedule(func(context.Context) {
		c.tracker.CancelWatch(stateOut)
	})
}

// State returns the channel's current connectivity state. The tracker
// may only be read from the channel serializer, so this makes a
// blocking round trip onto it rather than reading c.tracker directly.
func (c *Channel) State() connectivity.State {
	resCh := make(chan connectivity.State, 1)
	if !c.serializer.Schedule(func(context.Context) {
		s, _ := c.tracker.CurrentState()
		resCh <- s
	}) {
		return connectivity.Shutdown
	}
	return <-resCh
}

// Close tears down the resolver, fails waiters, unrefs the LB policy,
// and marks SHUTDOWN. The serializer's context is cancelled from
// inside the scheduled cleanup itself, once cleanup has actually run —
// cancelling it right after Schedule would race the serializer's own
// ctx.Done() select arm and could drop the cleanup callback entirely.
func (c *Channel) Close() {
	c.serializer.Schedule(func(context.Context) {
		if c.resolverHandle != nil {
			c.resolverHandle.Close()
		}
		c.mu.Lock()
		bal := c.balancer
		scs := c.subChans
		c.subChans = nil
		c.mu.Unlock()
		if bal != nil {
			bal.Close()
		}
		for sc := range scs {
			sc.Shutdown()
		}
		c.failWaiters(status.New(status.Unavailable, "clientchannel: channel shut down"))
		c.tracker.Set(connectivity.Shutdown, status.New(status.Unavailable, "clientchannel: channel shut down"), "closed")
		c.closed.Fire()
		c.serializerCancel()
	})
}

// createTransportCall creates a transport call on sc's connected
// transport.
func createTransportCall(sc *SubChannel, method string) (transport.Call, error) {
	return sc.createCall(method)
}
