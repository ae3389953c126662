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

// Package controller contains the per-pool reconciliation loop: compare
// desired versus observed capacity, pick the cheapest qualifying region and
// zone, issue spot bids, track their fulfillment, reap vanished instances,
// and terminate excess or cycled capacity.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/spotmgr/spotmgr/internal/cache"
	"github.com/spotmgr/spotmgr/internal/store"
	"github.com/spotmgr/spotmgr/pkg/aws"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
	"github.com/spotmgr/spotmgr/pkg/metrics"
)

// Provider tags marking instances the system owns.
const (
	// TagPoolID carries the owning pool's id on every instance.
	TagPoolID = "SpotManager-PoolId"

	// TagUpdatable is set to "1" once the local record for the instance
	// has been committed. An instance without it belongs to a spawner that
	// has not finished persisting yet and must be left alone.
	TagUpdatable = "SpotManager-Updatable"
)

// spotFulfillmentTimeout bounds how long an unfulfilled bid stays open
// before the provider cancels it.
const spotFulfillmentTimeout = 10 * time.Minute

// PoolReconciler drives one pool per Reconcile call.
type PoolReconciler struct {
	log      logr.Logger
	store    store.Store
	cache    cache.Client
	provider aws.Client
	status   *StatusReporter
	locks    *LockDir
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewPoolReconciler wires the reconciler to its collaborators.
func NewPoolReconciler(log logr.Logger, s store.Store, c cache.Client,
	provider aws.Client, status *StatusReporter, locks *LockDir, m *metrics.Metrics) *PoolReconciler {
	return &PoolReconciler{
		log:      log,
		store:    s,
		cache:    c,
		provider: provider,
		status:   status,
		locks:    locks,
		metrics:  m,
		now:      time.Now,
	}
}

// Reconcile runs one tick for a pool: lock, gate, refresh from provider,
// count capacity, then drain, cycle, scale up or scale down. Errors from the
// store are fatal to the tick; provider errors become status entries.
func (r *PoolReconciler) Reconcile(ctx context.Context, poolID int64) error {
	lock, acquired, err := r.locks.TryAcquire(poolID)
	if err != nil {
		return err
	}
	if !acquired {
		r.log.Info("pool is locked by another worker, skipping", "poolID", poolID)
		return nil
	}
	defer lock.Release()

	start := r.now()
	err = r.reconcileLocked(ctx, poolID)
	r.metrics.ReconcileDuration.Observe(r.now().Sub(start).Seconds())
	if err != nil {
		r.metrics.ReconcileErrors.WithLabelValues(strconv.FormatInt(poolID, 10)).Inc()
	}
	return err
}

func (r *PoolReconciler) reconcileLocked(ctx context.Context, poolID int64) error {
	log := r.log.WithValues("poolID", poolID)

	pool, err := r.store.Pool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("loading pool %d: %w", poolID, err)
	}
	log = log.WithValues("pool", pool.Name)
	defer r.metrics.ReconcileTotal.WithLabelValues(pool.Name).Inc()

	frozen, err := r.status.IsFrozen(ctx, pool.ID)
	if err != nil {
		return err
	}
	if frozen {
		log.Info("pool is frozen by a critical status entry, skipping")
		return nil
	}

	if pool.Config.Cyclic {
		return r.status.Report(ctx, pool, store.StatusConfigError,
			"configuration is cyclic", true)
	}
	if missing := pool.Config.MissingParameters(); len(missing) > 0 {
		return r.status.Report(ctx, pool, store.StatusConfigError,
			fmt.Sprintf("configuration is incomplete: %v", missing), true)
	}

	if err := r.updatePoolInstances(ctx, log, pool); err != nil {
		return r.reportProviderError(ctx, pool, err)
	}

	coresMissing, live, err := r.countCapacity(ctx, log, pool)
	if err != nil {
		return err
	}
	r.metrics.CoresMissing.WithLabelValues(pool.Name).Set(float64(coresMissing))

	if !pool.Enabled {
		if len(live) > 0 {
			log.Info("pool is disabled, draining", "instances", len(live))
			return r.terminatePoolInstances(ctx, log, pool, live, true)
		}
		return nil
	}

	cycleInterval := time.Duration(pool.Config.CycleInterval) * time.Second
	if pool.LastCycled == nil || r.now().Sub(*pool.LastCycled) > cycleInterval {
		now := r.now()
		pool.LastCycled = &now
		if err := r.store.SavePool(ctx, pool); err != nil {
			return fmt.Errorf("saving cycle timestamp of pool %d: %w", pool.ID, err)
		}
		log.Info("cycling pool", "instances", len(live))
		// Scale-up happens on the next tick, once the terminations have
		// been observed.
		return r.terminatePoolInstances(ctx, log, pool, live, true)
	}

	switch {
	case coresMissing > 0:
		log.Info("scaling up", "coresMissing", coresMissing)
		if err := r.startPoolInstances(ctx, log, pool, coresMissing); err != nil {
			return err
		}
	case coresMissing < 0:
		excess := selectExcess(live, -coresMissing)
		if len(excess) > 0 {
			log.Info("scaling down", "coresExcess", -coresMissing, "instances", len(excess))
			if err := r.terminatePoolInstances(ctx, log, pool, excess, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// countCapacity walks the pool's instances after the provider refresh:
// requested, pending and running cores count toward the target; instances
// observed shutting-down or terminated are deleted; unknown state codes are
// forced to pending and counted, so an undocumented provider state cannot
// make the pool oscillate.
//
// The returned live set holds every instance that is still worth
// terminating when the pool drains or cycles (including stopped ones).
func (r *PoolReconciler) countCapacity(ctx context.Context, log logr.Logger, pool *store.Pool) (int, []store.Instance, error) {
	instances, err := r.store.Instances(ctx, pool.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("loading instances of pool %d: %w", pool.ID, err)
	}

	coresMissing := pool.Config.Size
	var live []store.Instance
	for _, instance := range instances {
		code := instance.StatusCode
		if code != ec2info.StateRequested && code >= 256 {
			// Recover records written with the synthetic bit stuck on
			// by an earlier storage bug.
			healed := code - 256
			if ec2info.KnownStateCode(healed) {
				code = healed
			}
		}

		switch {
		case code == ec2info.StateRequested || code == ec2info.StatePending || code == ec2info.StateRunning:
			coresMissing -= instance.Size
			live = append(live, instance)
		case code == ec2info.StateShuttingDown || code == ec2info.StateTerminated:
			if err := r.store.DeleteInstance(ctx, instance.ID); err != nil {
				return 0, nil, err
			}
		case ec2info.KnownStateCode(code):
			// stopping/stopped: not capacity, but still ours to drain.
			live = append(live, instance)
		default:
			log.Info("instance has unknown state code, forcing to pending",
				"providerID", instance.ProviderID, "statusCode", instance.StatusCode)
			r.metrics.UnknownStateCodes.Inc()
			instance.StatusCode = ec2info.StatePending
			if err := r.store.UpdateInstance(ctx, &instance); err != nil {
				return 0, nil, err
			}
			coresMissing -= instance.Size
			live = append(live, instance)
		}
	}
	return coresMissing, live, nil
}

// selectExcess picks the oldest instances whose sizes sum to exactly
// coresExcess, skipping any instance whose inclusion would overshoot.
// Refusing to overshoot means the pool may stay slightly over capacity this
// tick, which beats oscillating between over and under.
func selectExcess(live []store.Instance, coresExcess int) []store.Instance {
	var selected []store.Instance
	for _, instance := range live {
		if coresExcess == 0 {
			break
		}
		if instance.Size > coresExcess {
			continue
		}
		selected = append(selected, instance)
		coresExcess -= instance.Size
	}
	return selected
}

// reportProviderError maps a classified provider failure to a status entry.
// Quota and transient failures record a deduplicated informational entry and
// end the tick cleanly, to be retried next tick; everything else freezes the
// pool with a critical unclassified entry.
func (r *PoolReconciler) reportProviderError(ctx context.Context, pool *store.Pool, err error) error {
	switch {
	case errors.Is(err, aws.ErrQuotaExceeded):
		return r.status.Report(ctx, pool, store.StatusMaxSpotExceeded, err.Error(), false)
	case errors.Is(err, aws.ErrTransient):
		return r.status.Report(ctx, pool, store.StatusTemporaryFailure, err.Error(), false)
	default:
		if reportErr := r.status.Report(ctx, pool, store.StatusUnclassified, err.Error(), true); reportErr != nil {
			return errors.Join(err, reportErr)
		}
		return err
	}
}
