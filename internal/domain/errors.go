package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrLockHeld     = errors.New("lock already held")
	ErrUnknownEvent = errors.New("unknown upstream event")
	ErrThrottled    = errors.New("throttled")
	ErrInvalidFill  = errors.New("invalid fill")
	ErrHubStopped   = errors.New("hub stopped")
)
