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

// Package status defines the narrow error vocabulary the client-channel
// core is allowed to produce: a primary cause kind, an optional
// wire-compatible status code, an optional message, and an optional list
// of child errors.
package status

import (
	"fmt"
	"strings"

	codepb "google.golang.org/genproto/googleapis/rpc/code"
)

// Code is a wire-compatible gRPC status code. The core never invents
// codes outside the ones it wraps or propagates from the transport.
type Code codepb.Code

const (
	OK                Code = Code(codepb.Code_OK)
	Cancelled         Code = Code(codepb.Code_CANCELLED)
	Unknown           Code = Code(codepb.Code_UNKNOWN)
	DeadlineExceeded  Code = Code(codepb.Code_DEADLINE_EXCEEDED)
	Unavailable       Code = Code(codepb.Code_UNAVAILABLE)
	ResourceExhausted Code = Code(codepb.Code_RESOURCE_EXHAUSTED)
	Internal          Code = Code(codepb.Code_INTERNAL)
	Unimplemented     Code = Code(codepb.Code_UNIMPLEMENTED)
)

func (c Code) String() string {
	return codepb.Code(c).String()
}

// Error is the error type propagated through the retry orchestrator,
// LB policies, and the channel's connectivity tracker. It is a
// structural composite: Children is non-empty only for a
// ReferencingError aggregate.
type Error struct {
	Code     Code
	Msg      string
	Children []*Error
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Referencing builds a structural composite over child errors, for an
// outcome that more than one underlying failure contributed to.
func Referencing(msg string, children ...*Error) *Error {
	return &Error{Code: Unknown, Msg: msg, Children: children}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Children) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	parts := make([]string, len(e.Children))
	for i, c := range e.Children {
		parts[i] = c.Error()
	}
	return fmt.Sprintf("%s: %s [%s]", e.Code, e.Msg, strings.Join(parts, "; "))
}

// FromError extracts the status Code from err, or Unknown if err does
// not carry one.
func FromError(err error) Code {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Unknown
}
