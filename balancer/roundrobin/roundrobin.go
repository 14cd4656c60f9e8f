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

// Package roundrobin implements the round_robin LB policy: a
// subchannel list that connects to every resolved address and picks
// across the READY ones in rotation.
package roundrobin

import (
	"sync"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/resolver"
	"github.com/thunderbird2009/clientchannel/status"
)

// Name is the policy name round_robin registers under.
const Name = "round_robin"

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	return &roundrobinBalancer{cc: cc, scMap: make(map[balancer.SubConn]*subConnData)}
}

// subConnData is one subchannel_data entry the policy tracks.
type subConnData struct {
	sc    balancer.SubConn
	addr  resolver.Address
	state connectivity.State
}

// connectivityStateEvaluator tracks aggregate counters across every
// subConnData and recomputes the policy's overall connectivity state:
// each transition contributes +1 to the new state's counter and -1 to
// the old state's, so the evaluator never rescans the full list.
type connectivityStateEvaluator struct {
	numReady            uint64
	numConnecting       uint64
	numTransientFailure uint64
}

func (cse *connectivityStateEvaluator) recordTransition(oldState, newState connectivity.State) connectivity.State {
	for idx, state := range []connectivity.State{oldState, newState} {
		updateVal := 2*uint64(idx) - 1 // -1 for oldState, +1 for newState
		switch state {
		case connectivity.Ready:
			cse.numReady += updateVal
		case connectivity.Connecting:
			cse.numConnecting += updateVal
		case connectivity.TransientFailure:
			cse.numTransientFailure += updateVal
		}
	}
	switch {
	case cse.numReady > 0:
		return connectivity.Ready
	case cse.numConnecting > 0:
		return connectivity.Connecting
	case cse.numTransientFailure > 0:
		return connectivity.TransientFailure
	default:
		return connectivity.Idle
	}
}

type roundrobinBalancer struct {
	cc balancer.ClientConn

	mu    sync.Mutex
	scMap map[balancer.SubConn]*subConnData
	csEval connectivityStateEvaluator
	state  connectivity.State

	resolverErr error
	connErr     *status.Error
}

func (b *roundrobinBalancer) UpdateClientConnState(s resolver.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	addrSet := make(map[string]resolver.Address, len(s.Addresses))
	for _, a := range s.Addresses {
		addrSet[a.Addr] = a
	}

	// Remove SubConns for addresses no longer present.
	for sc, scd := range b.scMap {
		if _, ok := addrSet[scd.addr.Addr]; !ok {
			b.cc.RemoveSubConn(sc)
			delete(b.scMap, sc)
			b.state = b.csEval.recordTransition(scd.state, connectivity.Shutdown)
		}
	}

	// Add SubConns for newly seen addresses.
	existing := make(map[string]bool, len(b.scMap))
	for _, scd := range b.scMap {
		existing[scd.addr.Addr] = true
	}
	for _, a := range s.Addresses {
		if existing[a.Addr] {
			continue
		}
		sc, err := b.cc.NewSubConn([]resolver.Address{a})
		if err != nil {
			continue
		}
		b.scMap[sc] = &subConnData{sc: sc, addr: a, state: connectivity.Idle}
		sc.Connect()
	}

	b.regeneratePickerLocked()
	return nil
}

func (b *roundrobinBalancer) ResolverError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolverErr = err
	if len(b.scMap) == 0 {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            &errPicker{err: status.Newf(status.Unavailable, "round_robin: resolver error: %v", err)},
		})
	}
}

func (b *roundrobinBalancer) UpdateSubConnState(sc balancer.SubConn, s balancer.SubConnState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	scd, ok := b.scMap[sc]
	if !ok {
		return
	}
	old := scd.state
	if old == connectivity.Shutdown && s.ConnectivityState != connectivity.Shutdown {
		return
	}
	scd.state = s.ConnectivityState
	if s.ConnectivityState == connectivity.TransientFailure {
		b.connErr = s.ConnectionError
	}
	if s.ConnectivityState == connectivity.Idle {
		sc.Connect()
	}
	b.state = b.csEval.recordTransition(old, s.ConnectivityState)
	b.regeneratePickerLocked()
}

func (b *roundrobinBalancer) regeneratePickerLocked() {
	if b.state == connectivity.TransientFailure {
		cause := b.connErr
		if cause == nil {
			cause = status.New(status.Unavailable, "round_robin: no available subconn")
		}
		b.cc.UpdateState(balancer.State{ConnectivityState: b.state, Picker: &errPicker{err: cause}})
		return
	}
	var ready []balancer.SubConn
	for sc, scd := range b.scMap {
		if scd.state == connectivity.Ready {
			ready = append(ready, sc)
		}
	}
	if len(ready) == 0 {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: b.state,
			Picker:            &errPicker{err: balancer.ErrNoSubConnAvailable},
		})
		return
	}
	b.cc.UpdateState(balancer.State{ConnectivityState: b.state, Picker: &picker{subConns: ready}})
}

func (b *roundrobinBalancer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sc := range b.scMap {
		sc.Shutdown()
		delete(b.scMap, sc)
	}
}

func (b *roundrobinBalancer) ExitIdle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sc, scd := range b.scMap {
		if scd.state == connectivity.Idle {
			sc.Connect()
		}
	}
}

// picker round-robins across a fixed, immutable slice of READY
// SubConns, tracking the last index handed out so repeated Pick calls
// spread evenly.
type picker struct {
	subConns []balancer.SubConn

	mu   sync.Mutex
	next int
}

func (p *picker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	p.mu.Lock()
	p.next = (p.next + 1) % len(p.subConns)
	sc := p.subConns[p.next]
	p.mu.Unlock()
	return balancer.PickResult{SubConn: sc}, nil
}

// errPicker fails every pick with a fixed cause, used while the policy
// has no READY subchannel to offer.
type errPicker struct {
	err *status.Error
}

func (p *errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}
