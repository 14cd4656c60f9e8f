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

// Package transport names the narrow transport, metadata-batch, and
// byte-stream contracts the client-channel core depends on. The wire
// framing, HTTP/2 stream machinery, and TLS/credentials that back a
// real implementation of these interfaces are deliberately out of
// scope; this package only defines what the client-channel core calls
// into.
package transport

import "github.com/thunderbird2009/clientchannel/status"

// MD is a metadata batch: a multi-map of header/trailer elements, with
// no ordering across keys. Real interning and wire encoding are out of
// scope; this is the narrow copy/get/set/byte-size view the core needs.
type MD map[string][]string

// Clone copies the metadata batch. It never fails in this in-memory
// representation, but returns an error to preserve the contract's
// shape for callers that check it.
func (m MD) Clone() (MD, error) {
	if m == nil {
		return nil, nil
	}
	out := make(MD, len(m))
	for k, vs := range m {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out, nil
}

// Get returns the first value for key, and whether it was present.
func (m MD) Get(key string) (string, bool) {
	vs, ok := m[key]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Set replaces all values for key.
func (m MD) Set(key, value string) {
	m[key] = []string{value}
}

// Size is the byte-size accessor used by the retry orchestrator's
// retry-buffer accounting.
func (m MD) Size() int {
	n := 0
	for k, vs := range m {
		for _, v := range vs {
			n += len(k) + len(v)
		}
	}
	return n
}

// ByteStream is the narrow pull/next/length/reset contract the core
// needs. The retry orchestrator replays a send_message by rewinding its
// ByteStream with Reset; it builds no separate caching stream.
type ByteStream interface {
	// Next returns up to max bytes of the stream's content, or an error.
	Next(max int) ([]byte, error)
	// Length returns the total length of the stream, if known.
	Length() int
	// Reset rewinds the stream to its beginning, if supported.
	Reset() error
}

// SliceByteStream is a ByteStream over an in-memory slice; Reset
// rewinds it, so it can be replayed on a retried attempt.
type SliceByteStream struct {
	data []byte
	off  int
}

func NewSliceByteStream(data []byte) *SliceByteStream {
	return &SliceByteStream{data: data}
}

func (s *SliceByteStream) Next(max int) ([]byte, error) {
	if s.off >= len(s.data) {
		return nil, nil
	}
	end := s.off + max
	if end > len(s.data) || max <= 0 {
		end = len(s.data)
	}
	chunk := s.data[s.off:end]
	s.off = end
	return chunk, nil
}

func (s *SliceByteStream) Length() int  { return len(s.data) }
func (s *SliceByteStream) Reset() error { s.off = 0; return nil }
func (s *SliceByteStream) Bytes() []byte { return s.data }

// OpKind enumerates the seven pending-batch slots of a call's fixed-
// size pending-batches array.
type OpKind int

const (
	SendInitialMetadata OpKind = iota
	SendMessage
	SendTrailingMetadata
	RecvInitialMetadata
	RecvMessage
	RecvTrailingMetadata
	CancelStream
	NumOpKinds
)

// Batch is a transport_stream_op_batch: a set of directional flags plus
// cancel.
type Batch struct {
	SendInitialMetadata *MD
	SendMessage         ByteStream
	SendTrailingMetadata *MD
	RecvInitialMetadata bool
	RecvMessage         bool
	RecvTrailingMetadata bool
	CancelError         *status.Error

	// RecvInitialMetadataTrailersOnly is set by the transport before
	// invoking RecvInitialMetadataReady, reporting whether this
	// attempt's headers and trailers arrived together as a Trailers-Only
	// response rather than as separate frames.
	RecvInitialMetadataTrailersOnly bool

	// Outputs, populated by the transport as each recv op completes.
	RecvInitialMetadataOut *MD
	RecvMessageOut         ByteStream
	RecvTrailingMetadataOut *MD

	// OnComplete fires exactly once when every op in this batch has
	// completed (successfully or not).
	OnComplete func(error)
	// RecvInitialMetadataReady and RecvMessageReady are the individual
	// per-op "ready" closures.
	RecvInitialMetadataReady func(error)
	RecvMessageReady         func(error)
}

// Call is one transport_stream_op_batch sink: the live call created by
// a connected subchannel. The transport may complete ops in any order
// relative to each other, but every callback fires exactly once.
type Call interface {
	// StartBatch dispatches b to the transport. Completion is reported
	// exclusively through b's callbacks.
	StartBatch(b *Batch)
	// Cancel aborts the call with err; idempotent.
	Cancel(err *status.Error)
}

// ClientTransport is the live connection a connected subchannel wraps.
// Establishing and tearing down the physical connection is out of
// scope; this is only the call-creation seam.
type ClientTransport interface {
	// NewCall creates a new Call for method on this transport.
	NewCall(method string) (Call, error)
	// Close tears down the transport.
	Close(err *status.Error)
}
