package webhook

import (
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/recur/gateway"

	stripeWebhook "github.com/stripe/stripe-go/v72/webhook"
)

// ErrSignatureVerification is returned when a payload fails authentication
var ErrSignatureVerification = errors.New("webhook signature verification failed")

// Verifier authenticates a raw payload against its signature header
type Verifier interface {
	Verify(payload []byte, signature string, secret string) error
}

// StripeVerifier checks the Stripe-Signature header scheme: an HMAC-SHA256 over "timestamp.payload"
type StripeVerifier struct {
	// Tolerance is the maximum age of a signature. Defaults to the library default of 5 minutes
	Tolerance time.Duration
}

var _ Verifier = &StripeVerifier{}

// Verify implements Verifier
func (v *StripeVerifier) Verify(payload []byte, signature string, secret string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: no secret configured", ErrSignatureVerification)
	}
	var err error
	if v.Tolerance > 0 {
		err = stripeWebhook.ValidatePayloadWithTolerance(payload, signature, secret, v.Tolerance)
	} else {
		err = stripeWebhook.ValidatePayload(payload, signature, secret)
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSignatureVerification, err.Error())
	}
	return nil
}

// SecretSource returns the signing secret for a mode
type SecretSource interface {
	Secret(mode gateway.Mode) (string, error)
}

// Secrets holds the signing secrets configured for each mode
type Secrets struct {
	Live string
	Test string
	// Debug is the secret of a local forwarding session. It takes precedence over Test
	Debug string
}

var _ SecretSource = Secrets{}

// Secret implements SecretSource
func (s Secrets) Secret(mode gateway.Mode) (string, error) {
	switch mode {
	case gateway.ModeLive:
		if len(s.Live) == 0 {
			return "", fmt.Errorf("no live webhook secret configured")
		}
		return s.Live, nil
	case gateway.ModeTest:
		if len(s.Debug) > 0 {
			return s.Debug, nil
		}
		if len(s.Test) == 0 {
			return "", fmt.Errorf("no test webhook secret configured")
		}
		return s.Test, nil
	default:
		return "", fmt.Errorf("invalid mode %s", mode)
	}
}
