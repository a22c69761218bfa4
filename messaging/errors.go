package messaging

import "errors"

var (
	// ErrTopologyMismatch is returned when the broker declares a queue under a
	// different name than the one requested
	ErrTopologyMismatch = errors.New("broker returned a different queue name")

	// ErrRetryNotScheduled is returned when the delayer could not store a retry.
	// The delivery is left unsettled.
	ErrRetryNotScheduled = errors.New("retry could not be scheduled")

	// ErrDuplicateQueue is returned when a registry already holds a queue name
	ErrDuplicateQueue = errors.New("queue already declared")

	// ErrUnknownQueue is returned when a queue name is not in the registry
	ErrUnknownQueue = errors.New("unknown queue")
)
