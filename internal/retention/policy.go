// Package retention moves audit events through storage tiers by age and
// purges them once they pass the compliance ceiling.
//
// A record's tier is derived from its age, never stored:
//
//	HOT    age <= HotFor
//	WARM   HotFor < age <= WarmUntil
//	COLD   WarmUntil < age <= PurgeAfter
//	PURGED age > PurgeAfter
//
// Transitions only move forward.
package retention

import (
	"errors"
	"fmt"
	"time"
)

// Day is the unit retention periods are configured in.
const Day = 24 * time.Hour

// RegulatoryMinimum is seven years, the ceiling most records are kept for.
const RegulatoryMinimum = 2557 * Day

// Default tier boundaries.
const (
	DefaultHotFor     = 90 * Day
	DefaultWarmUntil  = 365 * Day
	DefaultPurgeAfter = RegulatoryMinimum
)

// Tier is the storage classification of a record.
type Tier string

const (
	TierHot    Tier = "hot"
	TierWarm   Tier = "warm"
	TierCold   Tier = "cold"
	TierPurged Tier = "purged"
)

// ErrInvalidPolicy is returned when tier boundaries are out of order.
var ErrInvalidPolicy = errors.New("invalid retention policy")

// Policy holds the three age boundaries.
type Policy struct {
	HotFor     time.Duration
	WarmUntil  time.Duration
	PurgeAfter time.Duration
}

// DefaultPolicy returns the standard boundaries.
func DefaultPolicy() Policy {
	return Policy{HotFor: DefaultHotFor, WarmUntil: DefaultWarmUntil, PurgeAfter: DefaultPurgeAfter}
}

// PolicyFromDays builds a Policy from whole-day boundaries.
func PolicyFromDays(hot, warm, purge int) Policy {
	return Policy{
		HotFor:     time.Duration(hot) * Day,
		WarmUntil:  time.Duration(warm) * Day,
		PurgeAfter: time.Duration(purge) * Day,
	}
}

// Validate checks 0 < HotFor < WarmUntil < PurgeAfter.
func (p Policy) Validate() error {
	if p.HotFor <= 0 {
		return fmt.Errorf("%w: hot period must be positive", ErrInvalidPolicy)
	}
	if p.WarmUntil <= p.HotFor {
		return fmt.Errorf("%w: warm boundary must be after hot boundary", ErrInvalidPolicy)
	}
	if p.PurgeAfter <= p.WarmUntil {
		return fmt.Errorf("%w: purge boundary must be after warm boundary", ErrInvalidPolicy)
	}
	return nil
}

// TierAt classifies a record that occurred at t, as seen at now.
func (p Policy) TierAt(t, now time.Time) Tier {
	age := now.Sub(t)
	switch {
	case age <= p.HotFor:
		return TierHot
	case age <= p.WarmUntil:
		return TierWarm
	case age <= p.PurgeAfter:
		return TierCold
	}
	return TierPurged
}

// Cutoffs are the absolute instants for one run. Records strictly older than
// a cutoff have left the corresponding tier.
type Cutoffs struct {
	Warm  time.Time
	Cold  time.Time
	Purge time.Time
}

// CutoffsAt returns the cutoffs for a run at now.
func (p Policy) CutoffsAt(now time.Time) Cutoffs {
	now = now.UTC()
	return Cutoffs{
		Warm:  now.Add(-p.HotFor),
		Cold:  now.Add(-p.WarmUntil),
		Purge: now.Add(-p.PurgeAfter),
	}
}
