package dcutr

import "errors"

var (
	// ErrMalformedMessage is returned when a peer sends a CONNECT or SYNC
	// message that fails to decode, or a CONNECT with no observed addresses.
	ErrMalformedMessage = errors.New("dcutr: malformed message")

	// ErrTimeout wraps the error of a HandlerFailed event when a CONNECT/SYNC
	// exchange does not complete within StreamTimeout.
	ErrTimeout = errors.New("dcutr: stream timeout")

	// ErrHandlerClosed names the case of a command sent to a handler whose
	// underlying connection has already gone away. No function in this
	// package returns it.
	ErrHandlerClosed = errors.New("dcutr: handler closed")

	// ErrUpgradeActive names the case of a new upgrade requested for a peer
	// that already has one in flight. No function in this package returns
	// it; Behavior.HandleConnectionEstablished ignores such a request.
	ErrUpgradeActive = errors.New("dcutr: upgrade already active for peer")

	// ErrAttemptsExceeded wraps the last dial error carried by
	// DirectConnectionUpgradeFailed once every attempt for an upgrade has
	// failed.
	ErrAttemptsExceeded = errors.New("dcutr: max attempts exceeded")

	// ErrUnexpectedMessage is returned when a message of the wrong type
	// arrives at a point in the exchange expecting another type.
	ErrUnexpectedMessage = errors.New("dcutr: unexpected message type")
)
