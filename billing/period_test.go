package billing

import (
	"testing"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func TestNextBillingDate(t *testing.T) {
	cases := []struct {
		name      string
		anchor    time.Time
		period    Period
		frequency int
		expected  time.Time
	}{
		{"monthly", date(2024, time.January, 1), PeriodMonth, 1, date(2024, time.February, 1)},
		{"every two months", date(2024, time.January, 15), PeriodMonth, 2, date(2024, time.March, 15)},
		{"month end clamps in leap year", date(2024, time.January, 31), PeriodMonth, 1, date(2024, time.February, 29)},
		{"month end clamps", date(2023, time.January, 31), PeriodMonth, 1, date(2023, time.February, 28)},
		{"crosses year", date(2024, time.November, 30), PeriodMonth, 3, date(2025, time.February, 28)},
		{"december", date(2024, time.December, 31), PeriodMonth, 1, date(2025, time.January, 31)},
		{"daily", date(2024, time.February, 28), PeriodDay, 2, date(2024, time.March, 1)},
		{"weekly", date(2024, time.January, 1), PeriodWeek, 3, date(2024, time.January, 22)},
		{"yearly from leap day", date(2024, time.February, 29), PeriodYear, 1, date(2025, time.February, 28)},
		{"yearly", date(2024, time.March, 1), PeriodYear, 2, date(2026, time.March, 1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, err := NextBillingDate(tc.anchor, tc.period, tc.frequency)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, next)
		})
	}
}

func TestNextBillingDateRejectsInvalidInput(t *testing.T) {
	_, err := NextBillingDate(date(2024, time.January, 1), PeriodMonth, 0)
	assert.Error(t, err)

	_, err = NextBillingDate(date(2024, time.January, 1), Period("fortnight"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fortnight")

	// errors carry the call site for the logs of the callers
	var traced interface{ StackTrace() extErrors.StackTrace }
	assert.ErrorAs(t, err, &traced)
	assert.ErrorAs(t, Period("").Validate(), &traced)
}

func TestResumeBillingDate(t *testing.T) {
	now := date(2024, time.March, 10)

	t.Run("future date is preserved", func(t *testing.T) {
		scheduled := date(2024, time.March, 20)
		next, err := ResumeBillingDate(now, &scheduled, PeriodMonth, 1)
		require.NoError(t, err)
		assert.Equal(t, scheduled, next)
	})

	t.Run("past date is recomputed from today", func(t *testing.T) {
		scheduled := date(2024, time.January, 1)
		next, err := ResumeBillingDate(now, &scheduled, PeriodMonth, 1)
		require.NoError(t, err)
		assert.Equal(t, date(2024, time.April, 10), next)
	})

	t.Run("missing date starts a fresh cycle", func(t *testing.T) {
		next, err := ResumeBillingDate(now, nil, PeriodWeek, 1)
		require.NoError(t, err)
		assert.Equal(t, date(2024, time.March, 17), next)
	})
}

func TestPeriodValidate(t *testing.T) {
	for _, p := range []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodYear} {
		assert.NoError(t, p.Validate())
	}
	assert.Error(t, Period("").Validate())
}
