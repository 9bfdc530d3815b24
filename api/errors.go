// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types shared across the totemring library.

package api

import "errors"

// Common errors used across the library.
var (
	// ErrQueueFull is returned by Mcast when the origin queue is
	// saturated; the caller retries after delivery drains it.
	ErrQueueFull = errors.New("new message queue is full")

	// ErrNotInitialized indicates use of an instance before Initialize.
	ErrNotInitialized = errors.New("instance is not initialized")

	// ErrInvalidHandle indicates a callback or instance handle that was
	// never issued or was already released.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrPersistenceFailed indicates the ring sequence file could not be
	// read or written. This is fatal: monotonicity across restart cannot
	// be preserved without it.
	ErrPersistenceFailed = errors.New("ring sequence persistence failed")

	// ErrTransportClosed indicates a send on a finalized transport.
	ErrTransportClosed = errors.New("transport is closed")
)
