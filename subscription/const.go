package subscription

// Status is the custom type to define the current state of a subscription
type Status string

// Defining the states of a Subscription
// Pending -> Active
// Active <-> PastDue
// Active -> Paused -> Active
// Active/PastDue -> Suspended -> Active
// Active/PastDue -> Canceled
// Active -> Completed (installment plans only)
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusPaused    Status = "paused"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"

	// StatusPendingCancellation is never stored. It is derived by EffectiveState
	// for an active subscription that is scheduled to end.
	StatusPendingCancellation Status = "pending_cancellation"
)

// Source is the origin system of a subscription
type Source string

// Defining the known sources
const (
	SourceCheckout Source = "checkout"
	SourceManual   Source = "manual"
)
