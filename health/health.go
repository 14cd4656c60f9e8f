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

// Package health implements the subchannel health-check client: a
// streaming watch against a subchannel's transport that mirrors the
// server's reported serving status onto the subchannel's connectivity
// state, independent of transport-level READY/not-READY.
package health

import (
	"context"
	"io"
	"time"

	"github.com/thunderbird2009/clientchannel/internal/backoff"
	"github.com/thunderbird2009/clientchannel/internal/grpclog"
	"github.com/thunderbird2009/clientchannel/status"
)

// Response is one message of the health-watch stream.
type Response struct {
	Serving bool
}

// Stream is the narrow watch-call contract the health-check client
// drives. Establishing it as a real streaming RPC over a
// transport.ClientTransport is out of scope for this package; a caller
// building a real subchannel supplies a Stream backed by its
// transport.
type Stream interface {
	// Send transmits the watch request for service; called once per
	// stream, following the usual "SendMsg then CloseSend" pattern.
	Send(service string) error
	// Recv blocks for the next Response, or returns io.EOF / an error.
	Recv() (Response, error)
}

// NewStreamFunc opens a fresh Stream against the subchannel being
// health-checked. A nil error and a nil Stream is never valid; a
// Status-coded error of Unimplemented causes the health-check client
// to treat the subchannel as always healthy.
type NewStreamFunc func() (Stream, error)

// ReportHealthFunc is invoked every time the watched health status
// changes (or the client gives up on checking at all).
type ReportHealthFunc func(healthy bool)

const maxDelay = 5 * time.Second

// newStrategy builds the health client's own backoff schedule,
// layered on the shared internal/backoff.Strategy the rest of the
// module uses. Each Watch call gets its own Strategy value, since
// Strategy carries mutable schedule state that must not be shared
// across concurrent subchannel watches.
func newStrategy() backoff.Strategy {
	return backoff.Strategy{
		InitialInterval:   1 * time.Second,
		Multiplier:        1.6,
		Jitter:            0.2,
		MaxInterval:       maxDelay,
		MinConnectTimeout: 0,
	}
}

// Watch runs the health-check loop until ctx is done, reporting every
// status transition through reportHealth. It never returns before ctx
// is done except when the server does not implement the health
// service at all (UNIMPLEMENTED), in which case it reports healthy
// once and returns: absence of health-check support is treated as
// success, not failure.
func Watch(ctx context.Context, service string, newStream NewStreamFunc, reportHealth ReportHealthFunc) {
	tryCount := 0
	strategy := newStrategy()
	reported, lastHealthy := false, false
	report := func(healthy bool) {
		if reported && lastHealthy == healthy {
			return
		}
		reported, lastHealthy = true, healthy
		reportHealth(healthy)
	}

retryConnection:
	for {
		if tryCount > 0 {
			delay := strategy.Step(time.Now()).Sub(time.Now())
			if delay < 0 {
				delay = 0
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		tryCount++

		if ctx.Err() != nil {
			return
		}

		s, err := newStream()
		if err != nil {
			if status.FromError(err) == status.Unimplemented {
				report(true)
				return
			}
			grpclog.Warningf("health: failed to open watch stream: %v", err)
			continue retryConnection
		}
		if err := s.Send(service); err != nil && err != io.EOF {
			continue retryConnection
		}

		for {
			resp, err := s.Recv()
			if status.FromError(err) == status.Unimplemented {
				report(true)
				return
			}
			if err != nil {
				report(false)
				continue retryConnection
			}
			// A message was received; the backoff schedule resets for
			// the next connection attempt.
			tryCount = 0
			strategy.Reset()
			report(resp.Serving)
		}
	}
}
