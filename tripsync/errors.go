package tripsync

import "errors"

// errors.go provides all custom error types for the tripsync package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for trip documents
var (
	ErrTripNotFound       = errors.New("trip not found")
	ErrTripExists         = errors.New("trip already exists")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrIdSpaceExhausted   = errors.New("trip code space exhausted")
)

// used for sessions
var (
	ErrSessionClosed  = errors.New("session closed")
	ErrConnectTimeout = errors.New("connect timeout")
	ErrMutateTimeout  = errors.New("mutate timeout")
	ErrTripGone       = errors.New("trip gone")
)

// used for the offline queue
var (
	ErrQueueFull = errors.New("offline queue full")
)

// used for mutations
var (
	ErrInvalidMutation = errors.New("invalid mutation")
)
