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
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/spotmgr/spotmgr/internal/store"
)

// Scheduler dispatches one reconciliation per pool per interval. Pools are
// reconciled in parallel; the pool lock serializes workers that collide on
// the same pool.
type Scheduler struct {
	Log        logr.Logger
	Store      store.Store
	Reconciler *PoolReconciler
	Interval   time.Duration
}

// Run sweeps all pools immediately, then at every interval until the context
// is cancelled. A failing pool never stops the sweep; its error is logged and
// the next interval retries.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.Log
	log.Info("starting pool scheduler", "interval", s.Interval.String())

	s.sweep(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down pool scheduler")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	pools, err := s.Store.Pools(ctx)
	if err != nil {
		s.Log.Error(err, "listing pools failed, skipping sweep")
		return
	}

	var wg sync.WaitGroup
	for _, pool := range pools {
		wg.Add(1)
		go func(poolID int64, name string) {
			defer wg.Done()
			if err := s.Reconciler.Reconcile(ctx, poolID); err != nil {
				s.Log.Error(err, "reconciliation failed", "pool", name)
			}
		}(pool.ID, pool.Name)
	}
	wg.Wait()
}
