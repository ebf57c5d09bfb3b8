// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind buckets provider failures by how the scheduler should react.
type ErrorKind int

const (
	// KindTransport covers network failures and timeouts: the request may
	// never have reached the provider. Eligible for fallback; the queue
	// row is left claimed so self-healing retries it.
	KindTransport ErrorKind = iota

	// KindRateLimit is HTTP 429. Eligible for fallback.
	KindRateLimit

	// KindAuth is HTTP 401/403. Eligible for fallback to a provider with
	// different credentials.
	KindAuth

	// KindServer is any 5xx. Eligible for fallback.
	KindServer

	// KindClient is any other 4xx: the provider rejected this input, and
	// another provider would too. Not eligible; the message is retried a
	// bounded number of times and then parked.
	KindClient

	// KindCanceled is a context cancellation, usually shutdown. Neither
	// fallback nor failure accounting applies.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Kind       ErrorKind
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Classify wraps err with the kind derived from the HTTP status code, or
// from the error itself when no response was received (status 0).
func Classify(provider string, statusCode int, err error) *ProviderError {
	kind := KindTransport
	switch {
	case statusCode == 429:
		kind = KindRateLimit
	case statusCode == 401 || statusCode == 403:
		kind = KindAuth
	case statusCode >= 500:
		kind = KindServer
	case statusCode >= 400:
		kind = KindClient
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case isTimeout(err), errors.Is(err, context.DeadlineExceeded):
		kind = KindTransport
	}
	return &ProviderError{Provider: provider, StatusCode: statusCode, Kind: kind, Err: err}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// KindOf extracts the kind from a classified error chain. Unclassified
// errors are treated as transport failures.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransport
}

// FallbackEligible reports whether the scheduler should try the next
// provider in the chain for this failure.
func FallbackEligible(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimit, KindAuth, KindServer:
		return true
	default:
		return false
	}
}
