// Copyright 2024-2026 Aiku AI

package modmail

import "errors"

var (
	// ErrNotFound is returned when no conversation or pair matches a lookup.
	ErrNotFound = errors.New("not found")
	// ErrInvariantViolation is returned when an operation would break the
	// one-surface-per-user binding. The operation is aborted without mutation.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrEndpointLimit is returned by platforms that cannot create more endpoints.
	ErrEndpointLimit = errors.New("endpoint limit reached")
	// ErrNoEndpoints is returned when the pool has no endpoint to send through.
	ErrNoEndpoints = errors.New("no endpoints available")
	// ErrEmptyMessage is returned when a message has neither text nor files.
	ErrEmptyMessage = errors.New("message has no content and no files")
	// ErrNotLoggedIn is returned by platforms used before authenticating.
	ErrNotLoggedIn = errors.New("platform session not logged in")
)
