package source

import "errors"

// Error categories returned by the source package. Callers match them with
// errors.Is; the wrapped cause carries the driver's detail.
var (
	ErrConnect      = errors.New("opcua connect failed")
	ErrSession      = errors.New("opcua session error")
	ErrSubscription = errors.New("opcua subscription error")
	ErrMonitor      = errors.New("opcua monitor error")
	ErrTerminated   = errors.New("opcua subscription terminated")
)

// Prerequisite violations.
var (
	ErrNotConnected         = errors.New("connection is not connected")
	ErrSessionOpen          = errors.New("session still open on connection")
	ErrSessionClosed        = errors.New("session is not open")
	ErrSubscriptionInactive = errors.New("subscription is not active")
	ErrItemExists           = errors.New("subscription already monitors an item")
)
