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

// Package balancer defines the LB-policy contract: the virtual
// interface every load-balancing policy (round_robin, grpclb, and any
// future policy) implements, and the ClientConn-side surface a policy
// uses to create subchannels and publish pickers.
package balancer

import (
	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/resolver"
	"github.com/thunderbird2009/clientchannel/status"
	"github.com/thunderbird2009/clientchannel/transport"
)

// PickInfo carries the per-pick context a pick() operation receives:
// the full name of the method being called. It does not carry the
// call's outgoing metadata.
type PickInfo struct {
	FullMethodName string
}

// PickResult is the outcome of a successful Pick: the chosen SubConn,
// an optional Done callback invoked once the RPC finishes (used by
// policies such as grpclb that need per-call load signal), and any
// metadata the policy wants merged into the call's outgoing initial
// metadata (grpclb uses this to attach the server entry's LB token).
type PickResult struct {
	SubConn  SubConn
	Done     func(DoneInfo)
	Metadata transport.MD
}

// DoneInfo reports the outcome of one RPC back to the Picker that
// picked its SubConn, used for client-side load reporting.
type DoneInfo struct {
	Err           error
	BytesSent     bool
	BytesReceived bool
}

// ErrNoSubConnAvailable is returned by Pick when the policy has no
// SubConn to offer yet and the caller should queue the pick.
var ErrNoSubConnAvailable = status.New(status.Unavailable, "balancer: no SubConn is available")

// Picker routes one RPC to a SubConn. A Picker is immutable once
// published; a policy that needs to change routing publishes a new
// Picker instead of mutating an existing one.
type Picker interface {
	Pick(info PickInfo) (PickResult, error)
}

// SubConnState is what a SubConn reports on every connectivity change.
type SubConnState struct {
	ConnectivityState connectivity.State
	ConnectionError   *status.Error
}

// SubConn is the policy's handle on one address's connection attempt.
// The live connection behind a SubConn is its "connected subchannel";
// the SubConn itself persists across reconnects.
type SubConn interface {
	// UpdateAddresses changes which address(es) this SubConn connects
	// to, reconnecting if the new set differs from the old.
	UpdateAddresses([]resolver.Address)
	// Connect starts (or resumes) connecting, exiting IDLE.
	Connect()
	// Shutdown releases this SubConn; it transitions to SHUTDOWN and is
	// never reused.
	Shutdown()
}

// ClientConn is the channel-side surface a Balancer uses to manage its
// SubConns and publish its routing decisions.
type ClientConn interface {
	// NewSubConn creates a new SubConn with the given address candidates.
	NewSubConn(addrs []resolver.Address) (SubConn, error)
	// RemoveSubConn shuts down and forgets sc.
	RemoveSubConn(sc SubConn)
	// UpdateState publishes a new aggregate connectivity state and
	// Picker for the channel.
	UpdateState(State)
	// ResolveNow asks the resolver for a fresh resolution.
	ResolveNow()
	// Target returns the channel's dial target, for policies (grpclb)
	// that derive a default balancer name from it.
	Target() string
}

// State is what a Balancer publishes through ClientConn.UpdateState.
type State struct {
	ConnectivityState connectivity.State
	Picker            Picker
}

// BuildOptions carries build-time parameters a Builder may need.
type BuildOptions struct {
	Target string
}

// Balancer is the full LB-policy virtual interface: the set of
// operations the client-channel filter drives a policy through.
// Implementations are round_robin (balancer/roundrobin) and grpclb
// (balancer/grpclb).
type Balancer interface {
	// UpdateClientConnState is called with a new resolver.State whenever
	// the resolver reports a new result. No balancer-specific config is
	// passed alongside it.
	UpdateClientConnState(resolver.State) error
	// ResolverError is called when the resolver reports an error and has
	// no State to fall back on.
	ResolverError(error)
	// UpdateSubConnState is called whenever one of this balancer's
	// SubConns changes connectivity state.
	UpdateSubConnState(SubConn, SubConnState)
	// Close shuts down the balancer and all its SubConns.
	Close()
	// ExitIdle asks the balancer to leave IDLE and start connecting,
	// if it is able to.
	ExitIdle()
}

// Builder constructs a fresh Balancer instance for one ClientConn.
type Builder interface {
	Build(cc ClientConn, opts BuildOptions) Balancer
	Name() string
}

var registry = map[string]Builder{}

// Register adds a balancer Builder under its Name().
func Register(b Builder) {
	registry[b.Name()] = b
}

// Get returns the balancer Builder registered under name, if any.
func Get(name string) (Builder, bool) {
	b, ok := registry[name]
	return b, ok
}
