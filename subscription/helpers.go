package subscription

import (
	"time"

	"github.com/zllovesuki/recur/billing"
)

func nextBillingDate(anchor time.Time, sub *Subscription) (time.Time, error) {
	return billing.NextBillingDate(anchor.UTC(), sub.Period, sub.Frequency)
}

func resumeBillingDate(now time.Time, sub *Subscription) (time.Time, error) {
	return billing.ResumeBillingDate(now, sub.NextBillingAt, sub.Period, sub.Frequency)
}
