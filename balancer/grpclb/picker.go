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

package grpclb

import (
	"sync"

	"github.com/thunderbird2009/clientchannel/balancer"
	"github.com/thunderbird2009/clientchannel/status"
	"github.com/thunderbird2009/clientchannel/transport"
)

// lbTokenHeader is the initial-metadata key the balancer-issued
// per-server LB token is attached under, matching the wire header the
// real remote-balancer protocol uses.
const lbTokenHeader = "lb-token"

// lbPicker does two layers of picking:
//
//   - First layer: round-robin over every entry in the full server
//     list, including drop entries. Landing on a drop entry fails the
//     RPC immediately as dropped.
//   - Second layer: round-robin over the READY backend SubConns, for
//     every entry that was not a drop.
type lbPicker struct {
	err error

	mu             sync.Mutex
	serverList     []Server
	serverListNext int
	subConns       []balancer.SubConn
	subConnsNext   int

	stats *rpcStats
}

func newPicker(serverList []Server, readySCs []balancer.SubConn, stats *rpcStats) balancer.Picker {
	if len(serverList) == 0 && len(readySCs) == 0 {
		return &errPicker{err: balancer.ErrNoSubConnAvailable}
	}
	return &lbPicker{serverList: serverList, subConns: readySCs, stats: stats}
}

func (p *lbPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	trackDone := false
	var lbToken string
	if len(p.serverList) > 0 {
		s := p.serverList[p.serverListNext]
		p.serverListNext = (p.serverListNext + 1) % len(p.serverList)

		if s.DropForRateLimiting || s.DropForLoadBalancing {
			p.stats.dropForToken(s.LoadBalanceToken)
			return balancer.PickResult{}, status.New(status.Unavailable, "request dropped by grpclb: token "+s.LoadBalanceToken)
		}
		trackDone = true
		lbToken = s.LoadBalanceToken
	}

	if len(p.subConns) == 0 {
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	}
	sc := p.subConns[p.subConnsNext]
	p.subConnsNext = (p.subConnsNext + 1) % len(p.subConns)

	result := balancer.PickResult{SubConn: sc}
	if lbToken != "" {
		result.Metadata = transport.MD{lbTokenHeader: []string{lbToken}}
	}
	if trackDone {
		stats := p.stats
		result.Done = func(info balancer.DoneInfo) {
			switch {
			case !info.BytesSent:
				stats.failedToSend()
			case info.BytesReceived:
				stats.knownReceived()
			}
		}
	}
	return result, nil
}

// errPicker fails every pick with a fixed cause.
type errPicker struct {
	err *status.Error
}

func (p *errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}
