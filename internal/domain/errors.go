package domain

import "errors"

var (
	ErrUnknownEventType      = errors.New("unknown event type")
	ErrRateLimited           = errors.New("rate limited")
	ErrAuthenticationMissing = errors.New("authentication missing")
	ErrMalformedMessage      = errors.New("malformed message")
	ErrTransportUnavailable  = errors.New("transport unavailable")
	ErrConnectionNotFound    = errors.New("connection not found")
	ErrManagerStopped        = errors.New("manager stopped")
)
