package billing

import (
	"time"

	extErrors "github.com/pkg/errors"
)

// Period is the calendar unit a subscription is billed in
type Period string

// Defining the supported billing periods
const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Validate returns an error if the Period is not one of the supported units
func (p Period) Validate() error {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return nil
	}
	return extErrors.Errorf("invalid billing period %q", string(p))
}

func (p Period) String() string {
	return string(p)
}

// NextBillingDate adds frequency units of period to anchor.
// Month and year arithmetic clamps to the last day of the target month, so
// Jan 31 + 1 month is Feb 28 (or 29) instead of spilling into March.
func NextBillingDate(anchor time.Time, period Period, frequency int) (time.Time, error) {
	if frequency <= 0 {
		return anchor, extErrors.Errorf("billing frequency must be a positive integer, got %d", frequency)
	}

	switch period {
	case PeriodDay:
		return anchor.AddDate(0, 0, frequency), nil
	case PeriodWeek:
		return anchor.AddDate(0, 0, 7*frequency), nil
	case PeriodMonth:
		return addClampedMonths(anchor, frequency), nil
	case PeriodYear:
		return addClampedMonths(anchor, 12*frequency), nil
	default:
		return anchor, extErrors.Errorf("invalid billing period %q", string(period))
	}
}

// NextBillingDateFromToday anchors the computation on now instead of a stale
// scheduled date. Used when a resumed subscription already missed its cycle.
func NextBillingDateFromToday(now time.Time, period Period, frequency int) (time.Time, error) {
	return NextBillingDate(now, period, frequency)
}

// ResumeBillingDate decides the next charge date of a subscription being resumed at now.
// A scheduled date still in the future is kept as is (no proration). A date that already
// passed, or a missing one, is replaced by a fresh cycle starting today so multiple missed
// periods are never charged at once.
func ResumeBillingDate(now time.Time, scheduled *time.Time, period Period, frequency int) (time.Time, error) {
	if scheduled != nil && scheduled.After(now) {
		return *scheduled, nil
	}
	return NextBillingDateFromToday(now, period, frequency)
}

// PeriodEnd returns the end of the billing period that starts at start
func PeriodEnd(start time.Time, period Period, frequency int) (time.Time, error) {
	return NextBillingDate(start, period, frequency)
}

func addClampedMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hour, min, sec := t.Clock()

	total := int(m) - 1 + months
	newY := y + total/12
	newM := total % 12
	if newM < 0 {
		newM += 12
		newY--
	}
	month := time.Month(newM + 1)

	// day 0 of the following month is the last day of this one
	lastDay := time.Date(newY, month+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > lastDay {
		d = lastDay
	}

	return time.Date(newY, month, d, hour, min, sec, t.Nanosecond(), t.Location())
}
