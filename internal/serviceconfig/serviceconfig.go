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

// Package serviceconfig parses the already-resolver-delivered JSON
// service config tree into the retry-throttle parameters and the
// per-method parameter table. Parse failures are reported to the
// caller, which is expected to drop the update and keep the previous
// config rather than treat the failure as fatal to a running channel.
package serviceconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"

	codepb "google.golang.org/genproto/googleapis/rpc/code"

	"github.com/thunderbird2009/clientchannel/internal/methodconfig"
)

var timeoutRE = regexp.MustCompile(`^([0-9]+)(\.([0-9]{3}|[0-9]{6}|[0-9]{9}))?s$`)

// Result is the successful output of Parse.
type Result struct {
	Methods               *methodconfig.Table
	RetryThrottleMaxTokens  int64 // milli-tokens
	RetryThrottleTokenRatio int64 // milli-tokens per success
	HasRetryThrottling      bool
}

type jsonName struct {
	Service *string `json:"service,omitempty"`
	Method  *string `json:"method,omitempty"`
}

func (n jsonName) path() (string, bool) {
	if n.Service == nil || *n.Service == "" {
		return "", false
	}
	if n.Method == nil {
		return "/" + *n.Service + "/", true
	}
	return "/" + *n.Service + "/" + *n.Method, true
}

type jsonRetryPolicy struct {
	MaxAttempts          *int      `json:"maxAttempts,omitempty"`
	InitialBackoff       *string   `json:"initialBackoff,omitempty"`
	MaxBackoff           *string   `json:"maxBackoff,omitempty"`
	BackoffMultiplier    *float64  `json:"backoffMultiplier,omitempty"`
	RetryableStatusCodes *[]string `json:"retryableStatusCodes,omitempty"`
}

type jsonMC struct {
	Name         *[]jsonName      `json:"name,omitempty"`
	WaitForReady *bool            `json:"waitForReady,omitempty"`
	Timeout      *string          `json:"timeout,omitempty"`
	RetryPolicy  *jsonRetryPolicy `json:"retryPolicy,omitempty"`
}

type jsonRetryThrottling struct {
	MaxTokens  *float64 `json:"maxTokens,omitempty"`
	TokenRatio *float64 `json:"tokenRatio,omitempty"`
}

type jsonSC struct {
	MethodConfig    *[]json.RawMessage  `json:"methodConfig,omitempty"`
	RetryThrottling *jsonRetryThrottling `json:"retryThrottling,omitempty"`
}

// Parse parses raw JSON service config text. A nil Result with a nil
// error means "no config" (an empty string is treated as no config);
// a non-nil error means the text was malformed.
func Parse(raw string) (*Result, error) {
	if raw == "" {
		return nil, nil
	}
	var sc jsonSC
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return nil, fmt.Errorf("serviceconfig: invalid top-level JSON: %w", err)
	}

	b := methodconfig.NewBuilder()
	if sc.MethodConfig != nil {
		for _, rawMC := range *sc.MethodConfig {
			if err := hasDuplicateKeys(rawMC); err != nil {
				return nil, fmt.Errorf("serviceconfig: %w", err)
			}
			var m jsonMC
			if err := json.Unmarshal(rawMC, &m); err != nil {
				return nil, fmt.Errorf("serviceconfig: invalid methodConfig entry: %w", err)
			}
			params, err := parseMethodParams(m)
			if err != nil {
				return nil, err
			}
			if m.Name == nil {
				continue
			}
			for _, n := range *m.Name {
				path, ok := n.path()
				if !ok {
					continue
				}
				if !b.Add(path, params) {
					return nil, fmt.Errorf("serviceconfig: duplicate method path %q", path)
				}
			}
		}
	}

	res := &Result{Methods: b.Build()}
	if sc.RetryThrottling != nil {
		if sc.RetryThrottling.MaxTokens == nil || sc.RetryThrottling.TokenRatio == nil {
			return nil, fmt.Errorf("serviceconfig: retryThrottling requires maxTokens and tokenRatio")
		}
		maxTokens := *sc.RetryThrottling.MaxTokens
		if maxTokens <= 0 {
			return nil, fmt.Errorf("serviceconfig: retryThrottling.maxTokens must be positive")
		}
		res.RetryThrottleMaxTokens = int64(maxTokens) * 1000
		res.RetryThrottleTokenRatio = int64(math.Round(*sc.RetryThrottling.TokenRatio * 1000))
		res.HasRetryThrottling = true
	}
	return res, nil
}

func parseMethodParams(m jsonMC) (*methodconfig.Params, error) {
	p := &methodconfig.Params{}
	if m.WaitForReady != nil {
		p.WaitForReady = methodconfig.TriState{Set: true, Value: *m.WaitForReady}
	}
	if m.Timeout != nil {
		d, err := parseTimeout(*m.Timeout)
		if err != nil {
			return nil, fmt.Errorf("serviceconfig: invalid timeout %q: %w", *m.Timeout, err)
		}
		p.Timeout = &d
	}
	if m.RetryPolicy != nil {
		rp, err := parseRetryPolicy(m.RetryPolicy)
		if err != nil {
			return nil, err
		}
		p.RetryPolicy = rp
	}
	return p, nil
}

// parseTimeout matches the required timeout grammar
// /^[0-9]+(\.[0-9]{3}|[0-9]{6}|[0-9]{9})?s$/ and converts to a Duration.
func parseTimeout(s string) (time.Duration, error) {
	m := timeoutRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("does not match required timeout grammar")
	}
	whole := m[1]
	frac := m[3]
	d, err := time.ParseDuration(whole + "s")
	if err != nil {
		return 0, err
	}
	if frac == "" {
		return d, nil
	}
	// frac has exactly 3, 6, or 9 digits representing milli/micro/nano
	// fractional seconds; scale to nanoseconds regardless of width.
	var scaled int64
	fmt.Sscanf(frac, "%d", &scaled)
	switch len(frac) {
	case 3:
		scaled *= 1_000_000
	case 6:
		scaled *= 1_000
	case 9:
		// already nanoseconds
	}
	return d + time.Duration(scaled), nil
}

func parseRetryPolicy(rp *jsonRetryPolicy) (*methodconfig.RetryPolicy, error) {
	if rp.MaxAttempts == nil || *rp.MaxAttempts <= 0 {
		return nil, fmt.Errorf("serviceconfig: retryPolicy.maxAttempts must be a positive integer")
	}
	if rp.InitialBackoff == nil {
		return nil, fmt.Errorf("serviceconfig: retryPolicy.initialBackoff is required")
	}
	initial, err := parseTimeout(*rp.InitialBackoff)
	if err != nil || initial <= 0 {
		return nil, fmt.Errorf("serviceconfig: retryPolicy.initialBackoff must be a positive duration")
	}
	if rp.MaxBackoff == nil {
		return nil, fmt.Errorf("serviceconfig: retryPolicy.maxBackoff is required")
	}
	maxB, err := parseTimeout(*rp.MaxBackoff)
	if err != nil || maxB <= 0 {
		return nil, fmt.Errorf("serviceconfig: retryPolicy.maxBackoff must be a positive duration")
	}
	if rp.BackoffMultiplier == nil || *rp.BackoffMultiplier <= 0 {
		return nil, fmt.Errorf("serviceconfig: retryPolicy.backoffMultiplier must be positive")
	}
	if rp.RetryableStatusCodes == nil || len(*rp.RetryableStatusCodes) == 0 {
		return nil, fmt.Errorf("serviceconfig: retryPolicy.retryableStatusCodes must be non-empty")
	}
	set := make(map[int32]bool, len(*rp.RetryableStatusCodes))
	for _, name := range *rp.RetryableStatusCodes {
		code, ok := codepb.Code_value[name]
		if !ok {
			return nil, fmt.Errorf("serviceconfig: unknown status code %q", name)
		}
		set[code] = true
	}
	return &methodconfig.RetryPolicy{
		MaxAttempts:        *rp.MaxAttempts,
		InitialBackoff:     initial,
		MaxBackoff:         maxB,
		BackoffMultiplier:  *rp.BackoffMultiplier,
		RetryableStatusSet: set,
	}, nil
}

// hasDuplicateKeys scans the top-level keys of a JSON object literal
// for repeats. encoding/json's Unmarshal silently lets a later
// duplicate key win, which would hide a "reject the whole method"
// entry, so the raw token stream is scanned first. json.Decoder's
// More()/Token() pair is stack-aware, so dec.More() at the outer loop
// only reports siblings of the object just opened.
func hasDuplicateKeys(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil
	}
	seen := make(map[string]bool)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("malformed object key")
		}
		if seen[key] {
			return fmt.Errorf("duplicate key %q in methodConfig entry", key)
		}
		seen[key] = true
		if err := skipJSONValue(dec); err != nil {
			return err
		}
	}
	_, err = dec.Token() // closing '}'
	return err
}

// skipJSONValue consumes exactly one JSON value (scalar or nested
// composite) from dec.
func skipJSONValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		for dec.More() {
			if _, err := dec.Token(); err != nil { // key
				return err
			}
			if err := skipJSONValue(dec); err != nil {
				return err
			}
		}
		_, err := dec.Token() // closing '}'
		return err
	case '[':
		for dec.More() {
			if err := skipJSONValue(dec); err != nil {
				return err
			}
		}
		_, err := dec.Token() // closing ']'
		return err
	}
	return nil
}
