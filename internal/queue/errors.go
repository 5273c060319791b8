// Atlas Billing Core - Payment webhook ingestion and retry engine
// Copyright 2026 Schofield90
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/Schofield90/atlas-fitness-onboarding-sub031

package queue

import "errors"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("queue is closed")

	// ErrJobNotFound means no live (or dead, for Requeue) job has that ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost means another worker claimed the job after the caller's
	// lease expired. The caller must drop its result.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrMissingKind and ErrMissingKey reject malformed enqueue requests.
	ErrMissingKind = errors.New("job kind is required")
	ErrMissingKey  = errors.New("idempotency key is required")

	// ErrPermanent marks a handler error that must not be retried.
	ErrPermanent = errors.New("permanent job failure")

	// ErrUnknownKind is reported for jobs no handler is registered for.
	ErrUnknownKind = errors.New("no handler for job kind")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error {
	return []error{ErrPermanent, e.err}
}

// Permanent wraps err so the worker dead-letters the job instead of retrying.
// errors.Is(Permanent(err), ErrPermanent) and errors.Is(Permanent(err), err)
// both hold.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
