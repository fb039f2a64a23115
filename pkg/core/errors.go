package core

import "errors"

// Common errors.
var (
	// ErrUnknownActivity means an activity type this build does not know about
	// reached a receiver. It indicates a protocol or version mismatch.
	ErrUnknownActivity = errors.New("unknown activity type")

	// ErrUnsupportedActivity means a known activity carried a combination of
	// fields no receiver can apply.
	ErrUnsupportedActivity = errors.New("unsupported activity")

	ErrExists        = errors.New("resource already exists")
	ErrNotFound      = errors.New("resource not found")
	ErrSessionClosed = errors.New("session is not running")
	ErrNotConnected  = errors.New("transport is not connected")
)
