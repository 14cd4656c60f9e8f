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

// Package grpclb implements the grpclb LB policy: a policy that
// delegates address selection to a remote load-balancer service
// reached over its own streaming call, with a fallback to the
// resolver's plain backend addresses when that call cannot be reached
// in time.
package grpclb

import (
	"reflect"
	"sync"
	"time"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/connectivity"
	"github.com/thunderbird2009/clientchannel/internal/backoff"
	"github.com/thunderbird2009/clientchannel/internal/grpclog"
	"github.com/thunderbird2009/clientchannel/resolver"
	"github.com/thunderbird2009/clientchannel/status"
)

// Name is the policy name grpclb registers under.
const Name = "grpclb"

// FallbackTimeout is how long grpclb waits for a first server list from
// the remote balancer before falling back to resolver-provided backend
// addresses.
const FallbackTimeout = 10 * time.Second

func init() {
	balancer.Register(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	return &lbBalancer{
		cc:       cc,
		target:   opts.Target,
		subConns: make(map[string]balancer.SubConn),
		scStates: make(map[balancer.SubConn]connectivity.State),
		doneCh:   make(chan struct{}),
	}
}

// Server is one entry of a ServerList response: either a routable
// backend or a drop entry identified by its token.
type Server struct {
	Addr             string
	LoadBalanceToken string
	DropForRateLimiting  bool
	DropForLoadBalancing bool
}

// ServerListResponse is one update a remote-balancer Stream delivers.
type ServerListResponse struct {
	Servers []Server
	// ClientStatsReportInterval, when positive, starts periodic load
	// reporting at this cadence.
	ClientStatsReportInterval time.Duration
}

// Stream is the live call to the remote balancer. Establishing the
// physical connection to the balancer address is out of scope (it is
// itself a client-channel dial in its own right); this is only the
// narrow send/recv/report contract the policy drives.
type Stream interface {
	Recv() (*ServerListResponse, error)
	SendLoadReport(*ClientStats) error
	Close()
}

// RemoteBalancer opens a Stream to the given balancer target, sending
// the required initial handshake carrying serviceName.
type RemoteBalancer interface {
	BalanceLoad(balancerTarget, serviceName string) (Stream, error)
}

// ClientStats mirrors the load_balancer.proto ClientStats wire
// message. CallsFinishedWithDrop is keyed by load-balance token rather
// than a single rate-limiting/load-balancing scalar pair, matching
// load_balancer.proto's per-token drop accounting.
type ClientStats struct {
	NumCallsStarted                        int64
	NumCallsFinished                       int64
	NumCallsFinishedWithClientFailedToSend int64
	NumCallsFinishedKnownReceived           int64
	CallsFinishedWithDrop                  map[string]int64
}

// rpcStats accumulates per-pick outcomes under a mutex and resets to
// zero on each report, with drop counts broken out per token to match
// the per-token drop accounting a real load reporter performs.
type rpcStats struct {
	mu    sync.Mutex
	stats ClientStats
}

func (s *rpcStats) toClientStats() *ClientStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.stats
	s.stats = ClientStats{}
	return &cs
}

func (s *rpcStats) dropForToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.CallsFinishedWithDrop == nil {
		s.stats.CallsFinishedWithDrop = make(map[string]int64)
	}
	s.stats.CallsFinishedWithDrop[token]++
	s.stats.NumCallsStarted++
	s.stats.NumCallsFinished++
}

func (s *rpcStats) failedToSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.NumCallsStarted++
	s.stats.NumCallsFinishedWithClientFailedToSend++
	s.stats.NumCallsFinished++
}

func (s *rpcStats) knownReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.NumCallsStarted++
	s.stats.NumCallsFinishedKnownReceived++
	s.stats.NumCallsFinished++
}

// remoteBalancer is the RemoteBalancer every grpclb instance dials
// through; tests and callers install it with SetRemoteBalancer.
var remoteBalancer RemoteBalancer

// SetRemoteBalancer installs the RemoteBalancer implementation grpclb
// dials through. The wire transport for the balancer stream itself is
// out of scope; callers supply it the same way they would supply a
// resolver.Builder.
func SetRemoteBalancer(rb RemoteBalancer) { remoteBalancer = rb }

type lbBalancer struct {
	cc     balancer.ClientConn
	target string

	mu                 sync.Mutex
	balancerAddrs      []resolver.Address
	fallbackAddrs      []resolver.Address
	fullServerList     []Server
	serverListReceived bool
	usingFallback      bool

	subConns map[string]balancer.SubConn
	scStates map[balancer.SubConn]connectivity.State
	state    connectivity.State

	stats *rpcStats

	started    bool
	doneCh     chan struct{}
	fallbackMu sync.Mutex
	fallbackTimer *time.Timer
}

func (lb *lbBalancer) UpdateClientConnState(s resolver.State) error {
	lb.mu.Lock()
	var balancerAddrs, fallbackAddrs []resolver.Address
	for _, a := range s.Addresses {
		if a.IsBalancer {
			balancerAddrs = append(balancerAddrs, a)
		} else {
			fallbackAddrs = append(fallbackAddrs, a)
		}
	}
	lb.balancerAddrs = balancerAddrs
	lb.fallbackAddrs = fallbackAddrs
	started := lb.started
	lb.stats = &rpcStats{}
	lb.mu.Unlock()

	if !started {
		lb.mu.Lock()
		lb.started = true
		lb.mu.Unlock()
		lb.startFallbackTimer()
		go lb.watchRemoteBalancer()
	}
	return nil
}

func (lb *lbBalancer) ResolverError(error) {}

func (lb *lbBalancer) startFallbackTimer() {
	lb.fallbackMu.Lock()
	defer lb.fallbackMu.Unlock()
	lb.fallbackTimer = time.AfterFunc(FallbackTimeout, func() {
		lb.mu.Lock()
		if lb.serverListReceived {
			lb.mu.Unlock()
			return
		}
		lb.usingFallback = true
		addrs := lb.fallbackAddrs
		lb.mu.Unlock()
		lb.refreshSubConns(toServers(addrs))
	})
}

func (lb *lbBalancer) cancelFallbackTimer() {
	lb.fallbackMu.Lock()
	defer lb.fallbackMu.Unlock()
	if lb.fallbackTimer != nil {
		lb.fallbackTimer.Stop()
	}
}

func toServers(addrs []resolver.Address) []Server {
	out := make([]Server, len(addrs))
	for i, a := range addrs {
		out[i] = Server{Addr: a.Addr}
	}
	return out
}

// watchRemoteBalancer opens the streaming call to the remote balancer
// and keeps it open across reconnects; it
// redials and replays the handshake whenever the stream breaks, until
// Close fires doneCh.
func (lb *lbBalancer) watchRemoteBalancer() {
	bo := backoff.DefaultStrategy
	retries := 0
	for {
		select {
		case <-lb.doneCh:
			return
		default:
		}

		lb.mu.Lock()
		addrs := lb.balancerAddrs
		lb.mu.Unlock()
		if len(addrs) == 0 {
			return
		}

		if remoteBalancer == nil {
			grpclog.Errorf("grpclb: no RemoteBalancer installed, cannot reach %s", lb.target)
			return
		}
		stream, err := remoteBalancer.BalanceLoad(addrs[0].Addr, lb.target)
		if err != nil {
			grpclog.Errorf("grpclb: failed to start balancer stream: %v", err)
			now := time.Now()
			var until time.Time
			if retries == 0 {
				until = bo.Begin(now)
			} else {
				until = bo.Step(now)
			}
			retries++
			select {
			case <-time.After(until.Sub(now)):
			case <-lb.doneCh:
				return
			}
			continue
		}
		retries = 0
		bo.Reset()

		streamDone := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			lb.readServerList(stream, streamDone)
		}()
		wg.Wait()
		stream.Close()

		select {
		case <-lb.doneCh:
			return
		default:
		}
	}
}

func (lb *lbBalancer) readServerList(s Stream, done chan<- struct{}) {
	defer close(done)
	var reportDone chan struct{}
	for {
		reply, err := s.Recv()
		if err != nil {
			grpclog.Errorf("grpclb: failed to recv server list: %v", err)
			return
		}
		if reportDone == nil && reply.ClientStatsReportInterval > 0 {
			reportDone = make(chan struct{})
			go lb.sendLoadReport(s, reply.ClientStatsReportInterval, reportDone)
			defer close(reportDone)
		}
		lb.processServerList(reply.Servers)
	}
}

func (lb *lbBalancer) sendLoadReport(s Stream, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-done:
			return
		case <-lb.doneCh:
			return
		}
		if err := s.SendLoadReport(lb.stats.toClientStats()); err != nil {
			grpclog.Errorf("grpclb: failed to send load report: %v", err)
			return
		}
	}
}

// processServerList diffs a new server list against the previous one
// and skips
// redundant identical updates, then diffs the new list's routable
// backends against the live SubConn set.
func (lb *lbBalancer) processServerList(servers []Server) {
	lb.mu.Lock()
	lb.serverListReceived = true
	lb.usingFallback = false
	if reflect.DeepEqual(lb.fullServerList, servers) {
		lb.mu.Unlock()
		return
	}
	lb.fullServerList = servers
	lb.mu.Unlock()

	lb.cancelFallbackTimer()
	lb.refreshSubConns(servers)
}

// refreshSubConns creates/removes SubConns to match the routable
// (non-drop) backends in servers, then regenerates the picker over the
// full list (so drop-token weighting stays current even when the
// backend set itself did not change).
func (lb *lbBalancer) refreshSubConns(servers []Server) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	addrsSet := make(map[string]bool)
	for _, s := range servers {
		if s.DropForRateLimiting || s.DropForLoadBalancing {
			continue
		}
		addrsSet[s.Addr] = true
		if _, ok := lb.subConns[s.Addr]; !ok {
			sc, err := lb.cc.NewSubConn([]resolver.Address{{Addr: s.Addr}})
			if err != nil {
				grpclog.Warningf("grpclb: failed to create new SubConn: %v", err)
				continue
			}
			lb.subConns[s.Addr] = sc
			lb.scStates[sc] = connectivity.Idle
			sc.Connect()
		}
	}
	for addr, sc := range lb.subConns {
		if !addrsSet[addr] {
			lb.cc.RemoveSubConn(sc)
			delete(lb.subConns, addr)
		}
	}
	lb.regeneratePickerLocked(servers)
}

func (lb *lbBalancer) UpdateSubConnState(sc balancer.SubConn, s balancer.SubConnState) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.scStates[sc]; !ok {
		return
	}
	lb.scStates[sc] = s.ConnectivityState
	if s.ConnectivityState == connectivity.Shutdown {
		delete(lb.scStates, sc)
	}
	if s.ConnectivityState == connectivity.Idle {
		sc.Connect()
	}
	lb.regeneratePickerLocked(lb.fullServerList)
}

func (lb *lbBalancer) regeneratePickerLocked(servers []Server) {
	var ready []balancer.SubConn
	for _, sc := range lb.subConns {
		if lb.scStates[sc] == connectivity.Ready {
			ready = append(ready, sc)
		}
	}
	switch {
	case len(ready) > 0:
		lb.state = connectivity.Ready
	case len(lb.subConns) > 0:
		lb.state = connectivity.Connecting
	default:
		lb.state = connectivity.TransientFailure
	}
	var p balancer.Picker
	if lb.state == connectivity.TransientFailure && len(ready) == 0 {
		p = &errPicker{err: status.New(status.Unavailable, "grpclb: no available backend")}
	} else {
		p = newPicker(servers, ready, lb.stats)
	}
	lb.cc.UpdateState(balancer.State{ConnectivityState: lb.state, Picker: p})
}

func (lb *lbBalancer) Close() {
	close(lb.doneCh)
	lb.cancelFallbackTimer()
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for addr, sc := range lb.subConns {
		sc.Shutdown()
		delete(lb.subConns, addr)
	}
}

func (lb *lbBalancer) ExitIdle() {}
