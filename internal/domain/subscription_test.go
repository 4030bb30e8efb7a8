package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectivePriceCents(t *testing.T) {
	plan := &Plan{MonthlyPriceCents: 5000, YearlyPriceCents: 50000}

	assert.Equal(t, int64(5000), plan.EffectivePriceCents(IntervalMonthly))
	assert.Equal(t, int64(50000), plan.EffectivePriceCents(IntervalYearly))

	// no yearly price defined: yearly comparison falls back to monthly
	monthlyOnly := &Plan{MonthlyPriceCents: 5000}
	assert.Equal(t, int64(5000), monthlyOnly.EffectivePriceCents(IntervalYearly))
}

func TestExternalPriceID_FallsBackToMonthly(t *testing.T) {
	plan := &Plan{ExternalMonthlyPriceID: "price_m"}

	assert.Equal(t, "price_m", plan.ExternalPriceID(IntervalYearly))
}

func TestBillingIntervalPeriodEnd(t *testing.T) {
	from := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	// AddDate normalizes: Jan 31 + 1 month = Mar 3 (or Mar 2 in leap years)
	assert.Equal(t, from.AddDate(0, 1, 0), IntervalMonthly.PeriodEnd(from))
	assert.Equal(t, from.AddDate(1, 0, 0), IntervalYearly.PeriodEnd(from))
}

func TestInGracePeriod(t *testing.T) {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{Status: SubscriptionCancelled, CurrentPeriodEnd: &end}

	assert.False(t, sub.InGracePeriod(end.Add(-time.Hour), 3), "period not over yet")
	assert.True(t, sub.InGracePeriod(end.Add(24*time.Hour), 3))
	assert.False(t, sub.InGracePeriod(end.AddDate(0, 0, 4), 3), "grace window passed")

	active := &Subscription{Status: SubscriptionActive, CurrentPeriodEnd: &end}
	assert.False(t, active.InGracePeriod(end.Add(24*time.Hour), 3))
}

func TestScheduledChangeHelpers(t *testing.T) {
	sub := &Subscription{}
	assert.False(t, sub.HasScheduledChange())

	planID := sub.ID
	at := time.Now()
	sub.ScheduledPlanID = &planID
	sub.ScheduledChangeAt = &at
	assert.True(t, sub.HasScheduledChange())

	sub.ClearScheduledChange()
	assert.False(t, sub.HasScheduledChange())
	assert.Nil(t, sub.ScheduledPlanID)
	assert.Nil(t, sub.ScheduledChangeAt)
}
