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

	"github.com/go-logr/logr"

	"github.com/spotmgr/spotmgr/internal/store"
	"github.com/spotmgr/spotmgr/pkg/metrics"
)

// StatusReporter creates, deduplicates and clears pool status entries.
type StatusReporter struct {
	log     logr.Logger
	store   store.Store
	metrics *metrics.Metrics
}

// NewStatusReporter wires a reporter to the store.
func NewStatusReporter(log logr.Logger, s store.Store, m *metrics.Metrics) *StatusReporter {
	return &StatusReporter{log: log, store: s, metrics: m}
}

// dedupedTypes are the informational kinds that are suppressed when an entry
// of the same type already exists on the pool, to avoid log amplification.
var dedupedTypes = map[store.StatusType]bool{
	store.StatusPriceTooLow:      true,
	store.StatusTemporaryFailure: true,
	store.StatusMaxSpotExceeded:  true,
}

// Report writes a status entry for a pool. Deduplicated kinds are dropped
// when the pool already carries an entry of the same type; config-error and
// unclassified record every occurrence.
func (r *StatusReporter) Report(ctx context.Context, pool *store.Pool, typ store.StatusType, msg string, critical bool) error {
	if dedupedTypes[typ] {
		// Dedup is on type only; the message may differ between
		// occurrences (prices move) without being a new condition.
		exists, err := r.store.StatusEntryExists(ctx, pool.ID, typ)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	r.log.Info("recording pool status entry",
		"pool", pool.Name, "type", typ, "critical", critical, "msg", msg)
	if err := r.store.CreateStatusEntry(ctx, &store.PoolStatusEntry{
		PoolID:   pool.ID,
		Type:     typ,
		Critical: critical,
		Msg:      msg,
	}); err != nil {
		return err
	}
	r.metrics.StatusEntriesCreated.WithLabelValues(pool.Name, string(typ)).Inc()
	return nil
}

// Clear deletes all entries of the given types for the pool.
func (r *StatusReporter) Clear(ctx context.Context, poolID int64, types ...store.StatusType) error {
	return r.store.DeleteStatusEntries(ctx, poolID, types...)
}

// IsFrozen reports whether the pool carries a critical entry. Frozen pools
// are skipped at the top of every reconciliation tick.
func (r *StatusReporter) IsFrozen(ctx context.Context, poolID int64) (bool, error) {
	return r.store.HasCriticalStatus(ctx, poolID)
}
