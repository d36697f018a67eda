package services

import (
	"time"

	"github.com/shopspring/decimal"
)

const secondsPerDay = 86400

// prorationScale is the fractional precision kept during proration math.
// Partial days matter: rounding to whole days here would skew refunds by up
// to a full day's worth of the subscription price.
const prorationScale = 8

var (
	one     = decimal.NewFromInt(1)
	daySecs = decimal.NewFromInt(secondsPerDay)
)

// ComputeRefund returns the prorated refund owed for a subscription window.
//
// A purchase made on the current UTC calendar day refunds the full paid
// amount: nothing has been consumed yet, so no proration and no fee apply.
// Otherwise the refund is paid * daysRemaining / totalDays, reduced by the
// feeFraction when one is set, rounded half-up to 2 decimals and floored at
// zero. An elapsed window refunds nothing.
func ComputeRefund(paid decimal.Decimal, totalDays int, startAt time.Time, endAt *time.Time, feeFraction decimal.Decimal, now time.Time) decimal.Decimal {
	if paid.IsZero() || totalDays <= 0 || endAt == nil {
		return decimal.Zero
	}

	sy, sm, sd := startAt.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	if sy == ny && sm == nm && sd == nd {
		return paid.Round(2)
	}

	secondsRemaining := int64(endAt.Sub(now) / time.Second)
	if secondsRemaining <= 0 {
		return decimal.Zero
	}

	daysRemaining := decimal.NewFromInt(secondsRemaining).DivRound(daySecs, prorationScale)
	refund := paid.Mul(daysRemaining).DivRound(decimal.NewFromInt(int64(totalDays)), prorationScale)

	if feeFraction.IsPositive() {
		refund = refund.Mul(one.Sub(feeFraction))
	}

	refund = refund.Round(2)
	if refund.IsNegative() {
		return decimal.Zero
	}
	return refund
}

// ComputeDaysRemaining counts the days between two instants from their exact
// second span. With ceiling=true a partial day counts as a full one, which is
// what a "days left" display wants: an expiry tomorrow morning reads as 1 day,
// not 0. A zero or negative span is 0 days.
func ComputeDaysRemaining(now time.Time, endAt time.Time, ceiling bool) int {
	seconds := int64(endAt.Sub(now) / time.Second)
	if seconds <= 0 {
		return 0
	}
	if ceiling {
		return int((seconds + secondsPerDay - 1) / secondsPerDay)
	}
	return int(seconds / secondsPerDay)
}
