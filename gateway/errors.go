package gateway

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v72"
)

// Error is a typed failure returned by the remote gateway
type Error struct {
	Op         string // Operation that failed, e.g. "cancel subscription"
	Code       string // Gateway error code, e.g. "resource_missing"
	Type       string // Gateway error type, e.g. "invalid_request_error"
	Message    string // Gateway supplied message. Not meant for end users
	HTTPStatus int
	Missing    bool // The referenced remote object does not exist (deleted out-of-band)
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s failed (%s): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: %s failed: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Summary is a translated, user presentable description of the failure
func (e *Error) Summary() string {
	switch {
	case e.Missing:
		return "The payment gateway no longer knows about this subscription"
	case errors.Is(e.Err, gobreaker.ErrOpenState), errors.Is(e.Err, gobreaker.ErrTooManyRequests):
		return "The payment gateway is temporarily unavailable, please try again later"
	case e.Type == string(stripe.ErrorTypeCard):
		return "The payment method was declined"
	case e.HTTPStatus >= 500:
		return "The payment gateway encountered an error, please try again later"
	default:
		return "The payment gateway rejected the request"
	}
}

// IsResourceMissing returns true if err reports a remote object that no longer exists
func IsResourceMissing(err error) bool {
	var gErr *Error
	if errors.As(err, &gErr) {
		return gErr.Missing
	}
	return false
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	gErr := &Error{
		Op:      op,
		Message: err.Error(),
		Err:     err,
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		gErr.Code = string(stripeErr.Code)
		gErr.Type = string(stripeErr.Type)
		gErr.Message = stripeErr.Msg
		gErr.HTTPStatus = stripeErr.HTTPStatusCode
		gErr.Missing = stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return gErr
}
