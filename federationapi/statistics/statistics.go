// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statistics

import (
	"context"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/element-hq/fedcore/federationapi/types"
)

const backoffUnit = 30 * time.Second

var destinationsBackingOff = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "destinations_backing_off",
		Help:      "Number of destinations waiting for their retry backoff to expire",
	},
)

func init() {
	prometheus.MustRegister(destinationsBackingOff)
}

// Backoff returns how long a destination waits after failing the given
// number of times in a row: 30s·n², capped at max.
func Backoff(failures uint32, max time.Duration) time.Duration {
	if failures == 0 {
		return 0
	}
	n := time.Duration(failures)
	// Past this point 30s·n² is more than any sensible cap.
	if n > 1<<14 {
		return max
	}
	if d := backoffUnit * n * n; d < max {
		return d
	}
	return max
}

// Store persists the retry state of destinations.
type Store interface {
	SetRetryState(ctx context.Context, destination types.Destination, state types.RetryState) error
	RetryStates(ctx context.Context) (map[types.Destination]types.RetryState, error)
}

// Statistics tracks consecutive delivery failures per destination.
type Statistics struct {
	DB         Store
	MaxBackoff time.Duration
	now        func() time.Time

	mu           sync.Mutex
	destinations map[types.Destination]*DestinationStatistics
}

func NewStatistics(db Store, maxBackoff time.Duration) *Statistics {
	return &Statistics{
		DB:           db,
		MaxBackoff:   maxBackoff,
		now:          time.Now,
		destinations: make(map[types.Destination]*DestinationStatistics),
	}
}

// SetClock replaces the time source, for tests.
func (s *Statistics) SetClock(now func() time.Time) {
	s.now = now
}

// Load restores the persisted retry state.
func (s *Statistics) Load(ctx context.Context) error {
	states, err := s.DB.RetryStates(ctx)
	if err != nil {
		return err
	}
	for destination, state := range states {
		stats := s.ForDestination(destination)
		stats.failCounter.Store(state.FailureCount)
		stats.backoffUntil.Store(state.RetryUntil.Time())
		if state.FailureCount > 0 {
			destinationsBackingOff.Inc()
		}
	}
	return nil
}

// ForDestination returns the statistics of a destination, creating them if needed.
func (s *Statistics) ForDestination(destination types.Destination) *DestinationStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.destinations[destination]
	if !ok {
		stats = &DestinationStatistics{
			statistics:  s,
			destination: destination,
		}
		s.destinations[destination] = stats
	}
	return stats
}

// Forget drops the in-memory statistics of a destination without failures.
func (s *Statistics) Forget(destination types.Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stats, ok := s.destinations[destination]; ok && stats.FailureCount() == 0 {
		delete(s.destinations, destination)
	}
}

// Failing returns the retry state of every destination that failed its last attempt.
func (s *Statistics) Failing() map[types.Destination]types.RetryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[types.Destination]types.RetryState)
	for destination, stats := range s.destinations {
		if count := stats.FailureCount(); count > 0 {
			result[destination] = types.RetryState{
				FailureCount: count,
				RetryUntil:   spec.AsTimestamp(stats.BackoffUntil()),
			}
		}
	}
	return result
}

// DestinationStatistics holds the failure count and backoff of one destination.
type DestinationStatistics struct {
	statistics   *Statistics
	destination  types.Destination
	failCounter  atomic.Uint32
	backoffUntil atomic.Time
}

func (d *DestinationStatistics) FailureCount() uint32 {
	return d.failCounter.Load()
}

// BackoffUntil returns the zero time if the destination isn't backing off.
func (d *DestinationStatistics) BackoffUntil() time.Time {
	return d.backoffUntil.Load()
}

// BackingOff reports whether the destination must not be retried yet.
func (d *DestinationStatistics) BackingOff() bool {
	return d.statistics.now().Before(d.BackoffUntil())
}

// Failure records a failed transaction and returns when the destination may
// be retried.
func (d *DestinationStatistics) Failure(ctx context.Context) (time.Time, uint32) {
	count := d.failCounter.Inc()
	if count == 1 {
		destinationsBackingOff.Inc()
	}
	until := d.statistics.now().Add(Backoff(count, d.statistics.MaxBackoff))
	d.backoffUntil.Store(until)
	d.persist(ctx, types.RetryState{FailureCount: count, RetryUntil: spec.AsTimestamp(until)})
	return until, count
}

// Success resets the failure count of the destination.
func (d *DestinationStatistics) Success(ctx context.Context) {
	if d.failCounter.Swap(0) == 0 {
		return
	}
	destinationsBackingOff.Dec()
	d.backoffUntil.Store(time.Time{})
	d.persist(ctx, types.RetryState{})
}

func (d *DestinationStatistics) persist(ctx context.Context, state types.RetryState) {
	if err := d.statistics.DB.SetRetryState(ctx, d.destination, state); err != nil {
		logrus.WithError(err).WithField("destination", d.destination.String()).Error("Failed to persist retry state")
	}
}
