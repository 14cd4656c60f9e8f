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

// Package connectivity defines the states of a channel, subchannel, or
// LB policy, as tracked by the connectivity-state tracker.
package connectivity

// State is one of the five connectivity states a channel or subchannel
// can be in. SHUTDOWN is terminal: once reached, it is never left.
type State int

const (
	// Idle indicates no connection attempt is in progress.
	Idle State = iota
	// Connecting indicates a connection attempt is in progress.
	Connecting
	// Ready indicates a working transport exists.
	Ready
	// TransientFailure indicates the last connection attempt failed and
	// a reconnect is scheduled.
	TransientFailure
	// Shutdown indicates the entity has been closed; no further state
	// changes are possible.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "INVALID_STATE"
	}
}
