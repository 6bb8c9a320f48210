package reaper

import (
	"math/rand/v2"
	"time"
)

// maxCooldownInterval caps the contention backoff (spec.md §4.3).
const maxCooldownInterval = 10 * time.Minute

// Schedule tracks when the next reaper pass is allowed to run and grows the
// interval under contention, resetting it on success. It is not safe for
// concurrent use; the client core serializes access the same way it
// serializes everything else about the single owned connection.
type Schedule struct {
	baseInterval    time.Duration
	currentInterval time.Duration
	nextRunAt       time.Time
}

// NewSchedule creates a Schedule whose steady-state interval is
// baseInterval. The first call to Due will report true immediately.
func NewSchedule(baseInterval time.Duration) *Schedule {
	return &Schedule{
		baseInterval:    baseInterval,
		currentInterval: baseInterval,
	}
}

// Due reports whether a reaper pass is allowed to run at now.
func (s *Schedule) Due(now time.Time) bool {
	return !now.Before(s.nextRunAt)
}

// RecordResult updates the schedule after an attempt. On success
// (result.Locked == true, regardless of how many were killed) the interval
// resets to baseInterval plus up to one third jitter. On contention
// (result.Locked == false) the interval grows by 1.5x, capped at
// maxCooldownInterval. Either way the next run is scheduled at
// now + currentInterval + uniform(0, currentInterval/2).
func (s *Schedule) RecordResult(now time.Time, result Result) {
	if result.Locked {
		jitter := time.Duration(rand.Int64N(int64(s.baseInterval)/3 + 1))
		s.currentInterval = s.baseInterval + jitter
	} else {
		s.currentInterval = time.Duration(float64(s.currentInterval) * 1.5)
		if s.currentInterval > maxCooldownInterval {
			s.currentInterval = maxCooldownInterval
		}
	}

	spread := time.Duration(rand.Int64N(int64(s.currentInterval)/2 + 1))
	s.nextRunAt = now.Add(s.currentInterval + spread)
}

// NextRunAt returns the currently scheduled next-run timestamp.
func (s *Schedule) NextRunAt() time.Time {
	return s.nextRunAt
}
