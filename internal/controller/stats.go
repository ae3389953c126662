// Copyright 2025 Spotmgr Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/spotmgr/spotmgr/internal/store"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
	"github.com/spotmgr/spotmgr/pkg/metrics"
)

const (
	// statsSampleWindow groups observations into one detailed sample.
	statsSampleWindow = 30 * time.Minute

	// statsAccumulateAfter is the age at which detailed samples are folded
	// into per-day aggregates.
	statsAccumulateAfter = 24 * time.Hour

	// statsRetention bounds how long day aggregates are kept.
	statsRetention = 30 * 24 * time.Hour
)

// StatsReconciler records pool uptime statistics: how many of the configured
// cores were actually up, sampled per window, folded into per-day
// aggregates, pruned after thirty days.
type StatsReconciler struct {
	Log      logr.Logger
	Store    store.Store
	Metrics  *metrics.Metrics
	Interval time.Duration

	now func() time.Time
}

// Run samples all pools immediately, then at every interval until the
// context is cancelled.
func (r *StatsReconciler) Run(ctx context.Context) error {
	log := r.Log
	log.Info("starting stats reconciler", "interval", r.Interval.String())

	if err := r.ReconcileAll(ctx); err != nil {
		log.Error(err, "initial stats reconciliation failed")
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down stats reconciler")
			return nil
		case <-ticker.C:
			if err := r.ReconcileAll(ctx); err != nil {
				log.Error(err, "stats reconciliation failed")
			}
		}
	}
}

// ReconcileAll updates the statistics of every pool.
func (r *StatsReconciler) ReconcileAll(ctx context.Context) error {
	pools, err := r.Store.Pools(ctx)
	if err != nil {
		return fmt.Errorf("listing pools: %w", err)
	}
	var errs []error
	for i := range pools {
		if err := r.reconcilePool(ctx, &pools[i]); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", pools[i].Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *StatsReconciler) reconcilePool(ctx context.Context, pool *store.Pool) error {
	now := r.clock()

	target := 0
	if pool.Enabled {
		target = pool.Config.Size
	}
	instances, err := r.Store.Instances(ctx, pool.ID)
	if err != nil {
		return err
	}
	actual := 0
	for _, instance := range instances {
		if instance.StatusCode == ec2info.StateRequested {
			continue
		}
		switch ec2info.StripStateCode(instance.StatusCode) {
		case ec2info.StatePending, ec2info.StateRunning:
			actual += instance.Size
		}
	}

	r.Metrics.PoolTargetCores.WithLabelValues(pool.Name).Set(float64(target))
	r.Metrics.PoolActualCores.WithLabelValues(pool.Name).Set(float64(actual))

	// One sample per window; within the window the sample keeps the
	// lowest observed capacity.
	windowStart := now.Add(-statsSampleWindow)
	sample, err := r.Store.DetailedEntrySince(ctx, pool.ID, windowStart)
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = r.Store.CreateDetailedEntry(ctx, &store.PoolUptimeDetailedEntry{
			PoolID: pool.ID, Target: target, Actual: actual, Created: now,
		})
	case err == nil:
		sample.Target = target
		if actual < sample.Actual {
			sample.Actual = actual
		}
		err = r.Store.UpdateDetailedEntry(ctx, sample)
	}
	if err != nil {
		return err
	}

	if err := r.accumulate(ctx, pool, now); err != nil {
		return err
	}
	return r.Store.DeleteAccumulatedEntriesBefore(ctx, pool.ID, now.Add(-statsRetention))
}

// accumulate folds closed detailed samples into per-day aggregates using a
// weighted running average, then drops the samples.
func (r *StatsReconciler) accumulate(ctx context.Context, pool *store.Pool, now time.Time) error {
	closed, err := r.Store.DetailedEntriesBefore(ctx, pool.ID, now.Add(-statsAccumulateAfter))
	if err != nil {
		return err
	}
	for _, sample := range closed {
		uptime := 100.0
		if sample.Target > 0 {
			uptime = float64(sample.Actual) / float64(sample.Target) * 100
			if uptime > 100 {
				uptime = 100
			}
		}

		agg, err := r.Store.AccumulatedEntryForDay(ctx, pool.ID, sample.Created)
		switch {
		case errors.Is(err, store.ErrNotFound):
			err = r.Store.CreateAccumulatedEntry(ctx, &store.PoolUptimeAccumulatedEntry{
				PoolID:           pool.ID,
				UptimePercentage: uptime,
				AccumulatedCount: 1,
				Created:          sample.Created,
			})
		case err == nil:
			n := float64(agg.AccumulatedCount)
			agg.UptimePercentage = (agg.UptimePercentage*n + uptime) / (n + 1)
			agg.AccumulatedCount++
			err = r.Store.UpdateAccumulatedEntry(ctx, agg)
		}
		if err != nil {
			return err
		}

		if err := r.Store.DeleteDetailedEntry(ctx, sample.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *StatsReconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
