package subscription

import "errors"

var (
	// ErrSubscriptionNotFound is returned by mutations when the row does not exist
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrInvalidTransition is returned when the guard of a transition rejects the current state
	ErrInvalidTransition = errors.New("invalid subscription state transition")
	// ErrValidation is returned when a required field is missing before a write
	ErrValidation = errors.New("subscription failed validation")
	// ErrResumeDateRequired is returned when a pause has no resume date but the plan requires one
	ErrResumeDateRequired = errors.New("a resume date is required")
	// ErrHasRemoteObject is returned when deleting a subscription the gateway already knows about
	ErrHasRemoteObject = errors.New("subscription already has a remote object")
	// ErrTransactionIDSet is returned when a different remote object was already recorded
	ErrTransactionIDSet = errors.New("subscription transaction id is already set")
	// ErrStaleEvent is returned when a remote update is older than the last one applied
	ErrStaleEvent = errors.New("remote update is older than the last applied one")
)
