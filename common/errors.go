// Copyright 2023-2024 The wsgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"errors"
	"fmt"
	"time"
)

// Close reason codes a client can inspect when the gateway terminates a connection
// or rejects a handshake
const (
	CloseReasonOriginNotAllowed  = "origin_not_allowed"
	CloseReasonRateLimited       = "rate_limited"
	CloseReasonInvalidCredential = "invalid_credential"
	CloseReasonCSRFMismatch      = "csrf_mismatch"
	CloseReasonAuthTimeout       = "auth_timeout"
	CloseReasonProtocolError     = "protocol_error"
	CloseReasonUnhealthy         = "unhealthy"
)

// Error codes reported through `error` envelopes for non-terminating violations
const (
	ErrCodeSubscriptionLimit = "subscription_limit_exceeded"
	ErrCodeNotAuthenticated  = "not_authenticated"
	ErrCodeMalformedEnvelope = "malformed_envelope"
	ErrCodeOversizedEnvelope = "oversized_envelope"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeDeliveryFailed    = "delivery_failed"
)

// ErrBackpressure a connection's outbound buffer is full; the delivery was not queued
var ErrBackpressure = errors.New("outbound buffer full")

// ErrNotFound the referenced connection is not registered with this process
var ErrNotFound = errors.New("connection not found")

// ProtocolError a connection-local wire format violation. It never affects other
// connections; past a repeat threshold it terminates the offending one.
type ProtocolError struct {
	// Code is the `error` envelope code associated with the violation
	Code string
	// Msg describes the violation
	Msg string
}

// Error implements error
func (e *ProtocolError) Error() string {
	return e.Msg
}

// NewProtocolError define a ProtocolError
func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: ErrCodeMalformedEnvelope, Msg: fmt.Sprintf(format, args...)}
}

// AuthError a handshake or credential failure. Always terminates the connection.
type AuthError struct {
	// ReasonCode is the close reason code surfaced to the client
	ReasonCode string
	// Msg describes the failure for operators; not sent to clients
	Msg string
}

// Error implements error
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.ReasonCode, e.Msg)
}

// NewAuthError define an AuthError
func NewAuthError(reasonCode string, format string, args ...interface{}) *AuthError {
	return &AuthError{ReasonCode: reasonCode, Msg: fmt.Sprintf(format, args...)}
}

// RateLimitError an admission check failed. Rejects the specific request or
// connection attempt only; an already active connection is not terminated.
type RateLimitError struct {
	// Limit is the configured limit of the violated window
	Limit int64
	// Remaining is the count left within the violated window
	Remaining int64
	// ResetAt is when the violated window rolls over
	ResetAt time.Time
	// RetryAfter is the remaining time on the smallest exceeded window. Zero
	// when the rejection came from the concurrency cap.
	RetryAfter time.Duration
	// Concurrent indicates the concurrency cap triggered the rejection
	Concurrent bool
}

// Error implements error
func (e *RateLimitError) Error() string {
	if e.Concurrent {
		return "concurrency cap exceeded"
	}
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// StoreUnavailableError the shared store could not be reached. Triggers degraded
// local-only operation; never surfaced to clients directly.
type StoreUnavailableError struct {
	// Op is the store operation which failed
	Op string
	// Cause is the underlying failure
	Cause error
}

// Error implements error
func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("shared store unavailable during %s: %s", e.Op, e.Cause)
}

// Unwrap supports errors.Is / errors.As chains
func (e *StoreUnavailableError) Unwrap() error {
	return e.Cause
}

// NewStoreUnavailableError define a StoreUnavailableError
func NewStoreUnavailableError(op string, cause error) *StoreUnavailableError {
	return &StoreUnavailableError{Op: op, Cause: cause}
}
