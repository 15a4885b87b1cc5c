// Copyright 2024 The Edgemesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mls

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrWelcomeAlreadyProcessed is returned when a welcome's cursor has already
// been stored; it is informational and never advances or rolls back state.
var ErrWelcomeAlreadyProcessed = errors.New("welcome already processed")

// statusError wraps a client-facing status with the underlying cause and the
// error-taxonomy classification from §7: retryable, fatal, or neither.
type statusError struct {
	code      codes.Code
	status    error
	cause     error
	retryable bool
	fatal     bool
}

func (s *statusError) Error() string { return s.status.Error() }

// Cause implements ErrorCauser, matching the teacher's db_error.go contract.
func (s *statusError) Cause() error { return s.cause }

func (s *statusError) Code() codes.Code { return s.code }

func (s *statusError) Retryable() bool { return s.retryable }

func (s *statusError) Fatal() bool { return s.fatal }

func (s *statusError) Unwrap() error { return s.cause }

// ErrorCauser is implemented by an error that remembers its proximate cause.
// Intentionally equivalent to the causer interface used by github.com/pkg/errors.
type ErrorCauser interface {
	Cause() error
}

// errorCause walks the Cause() chain to the first error that doesn't implement ErrorCauser.
func errorCause(err error) error {
	for err != nil {
		c, ok := err.(ErrorCauser)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return err
}

// newStatusError builds a status error that wraps an underlying cause, usually a transport or storage error.
func newStatusError(code codes.Code, msg string, cause error, retryable, fatal bool) error {
	return &statusError{
		code:      code,
		status:    status.Error(code, msg),
		cause:     cause,
		retryable: retryable,
		fatal:     fatal,
	}
}

// Transport errors (§7): network failure, keep-alive break, rate limiting. Retryable.
func NewTransportError(msg string, cause error) error {
	return newStatusError(codes.Unavailable, msg, cause, true, false)
}

// NewRateLimitError signals the caller should back off per §5's cooldown rule. Retryable.
func NewRateLimitError(msg string, cause error) error {
	return newStatusError(codes.ResourceExhausted, msg, cause, true, false)
}

// Storage-transient errors (§7): lock contention, busy connection. Retryable.
func NewStorageTransientError(msg string, cause error) error {
	return newStatusError(codes.Unavailable, msg, cause, true, false)
}

// Storage-serialization errors (§7): schema/serializer failure. Non-retryable, but forward progress (cursor advance) is required by the caller.
func NewStorageSerializationError(msg string, cause error) error {
	return newStatusError(codes.DataLoss, msg, cause, false, false)
}

// NewDuplicateError (§7): informational, non-retryable, no cursor advance needed.
func NewDuplicateError(msg string) error {
	return newStatusError(codes.AlreadyExists, msg, nil, false, false)
}

// Validation errors (§7): bad credential, wrong epoch, unsupported protocol feature. Non-retryable for the offending payload; cursor still advances.
func NewValidationError(msg string, cause error) error {
	return newStatusError(codes.InvalidArgument, msg, cause, false, false)
}

// Policy errors (§7): commit violates group policy. Non-retryable.
func NewPolicyError(msg string, cause error) error {
	return newStatusError(codes.PermissionDenied, msg, cause, false, false)
}

// NewFatalError (§7): local key store corruption, missing installation key. Bubbles up; never retried nor silently skipped.
func NewFatalError(msg string, cause error) error {
	return newStatusError(codes.Internal, msg, cause, false, true)
}

// Retryable reports whether err should be retried per backoff rather than
// treated as forward progress. Non-statusError errors are treated as
// non-retryable so unexpected errors fail closed.
func Retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.retryable
	}
	return false
}

// Fatal reports whether err is a fatal, bubble-up-only error per §7.
func Fatal(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.fatal
	}
	return false
}

// IsDuplicate reports whether err is ErrWelcomeAlreadyProcessed (a welcome
// whose cursor was already passed); errors built by NewDuplicateError are not matched.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrWelcomeAlreadyProcessed)
}

// Code extracts the grpc status code carried by err, or codes.Unknown.
func Code(err error) codes.Code {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return codes.Unknown
}
