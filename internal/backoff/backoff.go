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

// Package backoff implements the exponential back-off algorithm used by
// subchannel reconnects, the retry orchestrator, grpclb's balancer-call
// retry timer, and the health-check client.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy holds the parameters of an exponential back-off schedule and
// the interval computed so far. The zero value is not usable; use
// DefaultStrategy or construct a Strategy literal with all fields set.
type Strategy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// Multiplier is applied to the interval after every Step.
	Multiplier float64
	// Jitter is the +/- fraction of randomness applied to each interval.
	Jitter float64
	// MaxInterval clamps the computed interval.
	MaxInterval time.Duration
	// MinConnectTimeout floors the first attempt's interval; zero
	// disables the floor.
	MinConnectTimeout time.Duration

	interval time.Duration
}

// DefaultStrategy follows the connection-backoff guidance published at
// https://github.com/grpc/grpc/blob/master/doc/connection-backoff.md.
var DefaultStrategy = Strategy{
	InitialInterval: 1 * time.Second,
	Multiplier:      1.6,
	Jitter:          0.2,
	MaxInterval:     120 * time.Second,
}

// Reset restores the strategy to its initial interval, so the next
// Begin/Step call starts the schedule over.
func (s *Strategy) Reset() {
	s.interval = 0
}

// Begin returns the deadline for the first attempt and arms the
// schedule for subsequent Step calls. The first interval is floored at
// MinConnectTimeout when set.
func (s *Strategy) Begin(now time.Time) time.Time {
	s.interval = s.InitialInterval
	if s.MinConnectTimeout > 0 && s.interval < s.MinConnectTimeout {
		s.interval = s.MinConnectTimeout
	}
	return now.Add(s.interval)
}

// Step multiplies the stored interval by Multiplier, applies jitter,
// clamps to MaxInterval, and returns the resulting deadline.
func (s *Strategy) Step(now time.Time) time.Time {
	if s.interval <= 0 {
		s.interval = s.InitialInterval
	}
	interval := time.Duration(float64(s.interval) * s.Multiplier)
	if s.MaxInterval > 0 && interval > s.MaxInterval {
		interval = s.MaxInterval
	}
	s.interval = interval
	return now.Add(jitter(interval, s.Jitter))
}

// jitter returns d randomized by +/- frac.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := frac * float64(d)
	min := float64(d) - delta
	max := float64(d) + delta
	return time.Duration(min + rand.Float64()*(max-min))
}
