/*
 *
 * Copyright 2018 gRPC authors.
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

	"github.com/thunderbird2009/clientchannel/status"
)

// Pinger is an optional capability an LB policy may implement to serve
// start_transport_op's send_ping: delegate a liveness ping to whichever
// subchannel the policy considers the current pick. Neither
// round_robin nor grpclb implements it (transport.ClientTransport has
// no ping hook), so Ping on those policies returns an Unimplemented
// error.
type Pinger interface {
	PingOne(ctx context.Context) error
}

// Ping implements start_transport_op's send_ping / ping_one delegation:
// forward to the active balancer if it opts in via Pinger, otherwise
// report Unimplemented instead of silently doing nothing.
func (c *Channel) Ping(ctx context.Context) error {
	c.mu.Lock()
	bal := c.balancer
	c.mu.Unlock()
	p, ok := bal.(Pinger)
	if !ok {
		return status.New(status.Unimplemented, "clientchannel: active balancer does not support ping_one")
	}
	return p.PingOne(ctx)
}
