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

// Package resolver defines the narrow resolver contract the
// client-channel core depends on. The core treats resolvers as an
// external collaborator: it never implements DNS, xDS, or other
// concrete name resolution itself, only this interface.
package resolver

// Address describes one resolved backend or balancer address.
type Address struct {
	// Addr is the address string the transport dials.
	Addr string
	// IsBalancer marks this address as a grpclb balancer address rather
	// than a backend. Any IsBalancer address in a resolver result forces
	// the LB policy to "grpclb" regardless of the resolver's requested
	// policy name.
	IsBalancer bool
	// BalancerName is the authority used to validate the balancer's
	// certificate, when IsBalancer is set.
	BalancerName string
	// UserData is opaque per-address data the resolver attaches (e.g. a
	// load-balance token already known out of band).
	UserData any
}

// State is what a resolver delivers to the client-channel filter: the
// resolved address list plus any channel-args-shaped hints the
// resolver chooses to attach.
type State struct {
	// Addresses is the ordered LB_ADDRESSES list.
	Addresses []Address
	// ServiceConfig is the raw JSON text of the resolver-provided
	// service config, if any.
	ServiceConfig string
	// LBPolicyName is the resolver's suggested LB policy name, empty if
	// unspecified (default is "pick_first").
	LBPolicyName string
}

// ClientConn is the callback surface a Resolver reports through.
type ClientConn interface {
	// UpdateState delivers a new resolver State. Returns an error if the
	// state was rejected (e.g. no LB policy could be built for it); the
	// channel drops a malformed service config without an error. The resolver
	// may use this to decide whether to re-resolve.
	UpdateState(State) error
	// ReportError reports a resolution error; channel_saw_error()-style
	// hinting in the other direction is exposed via Resolver.ResolveNow.
	ReportError(error)
}

// Resolver watches a target and reports updates to a ClientConn. The
// core calls ResolveNow to hint that a fresh resolution would help
// (e.g. after a connection failure) and Close when the channel shuts
// down; Close must cause any in-flight resolution to complete promptly.
type Resolver interface {
	ResolveNow()
	Close()
}

// Builder constructs a Resolver for a target string, given a
// ClientConn to report results to.
type Builder interface {
	Build(target string, cc ClientConn) (Resolver, error)
	Scheme() string
}

var registry = map[string]Builder{}

// Register adds a resolver Builder under its Scheme().
func Register(b Builder) {
	registry[b.Scheme()] = b
}

// Get returns the resolver Builder registered for scheme, if any.
func Get(scheme string) (Builder, bool) {
	b, ok := registry[scheme]
	return b, ok
}
