package sync

import "errors"

var (
	// ErrQueueFull is returned when the event queue cannot accept more work.
	ErrQueueFull = errors.New("event queue is full")

	// ErrQueueClosed is returned when the pipeline is shutting down.
	ErrQueueClosed = errors.New("event queue is closed")

	// ErrUnknownTopic is returned for events no handler is registered for.
	ErrUnknownTopic = errors.New("unknown event topic")
)
