package central

import "errors"

// Precondition failures. They are logged and surfaced to callers as a
// false or empty result, never returned across the bridge.
var (
	ErrMissingArgument        = errors.New("missing argument")
	ErrInvalidAddress         = errors.New("invalid address")
	ErrUnknownDevice          = errors.New("device not discovered")
	ErrNotConnected           = errors.New("device is not connected")
	ErrAlreadyConnected       = errors.New("a device is already connected")
	ErrServiceNotFound        = errors.New("service not found on the device")
	ErrCharacteristicNotFound = errors.New("characteristic not found on the device")
	ErrNotifying              = errors.New("characteristic is notifying")
	ErrBusy                   = errors.New("another operation is in flight")
	ErrUnauthorized           = errors.New("bluetooth permission denied")
	ErrPoweredOff             = errors.New("bluetooth is not powered on")
)

// Transport failures resolved onto a pending operation.
var (
	ErrTimeout  = errors.New("operation timed out")
	ErrLinkLost = errors.New("link lost")
)
