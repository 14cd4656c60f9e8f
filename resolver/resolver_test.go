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

package resolver

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_Registry_GetReturnsRegisteredBuilder(t *testing.T) {
	b := &fakeBuilder{scheme: "testscheme"}
	Register(b)

	got, ok := Get("testscheme")
	if !ok {
		t.Fatalf("Get(%q) not found after Register", "testscheme")
	}
	if got != Builder(b) {
		t.Fatalf("Get(%q) returned a different Builder than was registered", "testscheme")
	}
}

func Test_State_DeepEqual(t *testing.T) {
	a := State{
		Addresses:     []Address{{Addr: "127.0.0.1:1"}, {Addr: "127.0.0.1:2", IsBalancer: true}},
		ServiceConfig: `{"methodConfig":[]}`,
		LBPolicyName:  "round_robin",
	}
	b := a
	b.Addresses = append([]Address(nil), a.Addresses...)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("State mismatch (-want +got):\n%s", diff)
	}

	b.Addresses[1].IsBalancer = false
	if diff := cmp.Diff(a, b); diff == "" {
		t.Fatalf("expected a difference after mutating b's copy, got none")
	}
}

type fakeBuilder struct {
	scheme string
}

func (b *fakeBuilder) Build(target string, cc ClientConn) (Resolver, error) { return nil, nil }
func (b *fakeBuilder) Scheme() string                                       { return b.scheme }
