package domain

import "errors"

var (
	// ErrAuthentication rejects a connection before any event processing.
	ErrAuthentication = errors.New("authentication failed")

	// ErrValidation is surfaced synchronously to the caller only, e.g. a
	// command targeting an agent outside the caller's organization.
	ErrValidation = errors.New("validation failed")

	ErrAgentNotFound   = errors.New("agent not found")
	ErrCommandNotFound = errors.New("command not found")

	// ErrBacklogFull rejects new commands once an offline agent's pending
	// queue reaches the configured bound.
	ErrBacklogFull = errors.New("pending command backlog full")
)
