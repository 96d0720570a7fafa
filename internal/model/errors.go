package model

import "errors"

// Shared error kinds. Wrapped with %w so callers can classify with errors.Is.
var (
	// ErrInvalidArgument marks malformed caller input (envelope validation,
	// signal arguments, routing).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPolicyDenied marks an operation rejected by configuration policy
	// (signal topic prefix, payload cap).
	ErrPolicyDenied = errors.New("policy denied")

	// ErrUnavailable marks a transport failure at the bus boundary.
	ErrUnavailable = errors.New("transport unavailable")
)
