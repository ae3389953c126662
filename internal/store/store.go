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

// Package store persists pools, their instances, status entries and uptime
// statistics.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface the reconciler works against.
type Store interface {
	// Pool returns a pool by id, or ErrNotFound.
	Pool(ctx context.Context, id int64) (*Pool, error)

	// Pools returns all pools ordered by id.
	Pools(ctx context.Context) ([]Pool, error)

	// CreatePool inserts a pool and fills in its id.
	CreatePool(ctx context.Context, pool *Pool) error

	// SavePool updates name, enabled flag, last-cycled timestamp and
	// configuration of an existing pool.
	SavePool(ctx context.Context, pool *Pool) error

	// Instances returns the pool's instances ordered by creation time,
	// oldest first.
	Instances(ctx context.Context, poolID int64) ([]Instance, error)

	// InstanceByProviderID looks an instance up by its spot request or
	// instance id, across all pools. Returns ErrNotFound when absent.
	InstanceByProviderID(ctx context.Context, providerID string) (*Instance, error)

	// CreateInstance inserts an instance and fills in its id.
	CreateInstance(ctx context.Context, instance *Instance) error

	// UpdateInstance writes back provider id, hostname, zone and status
	// code of an existing instance.
	UpdateInstance(ctx context.Context, instance *Instance) error

	// DeleteInstance removes an instance record.
	DeleteInstance(ctx context.Context, id int64) error

	// CreateStatusEntry appends a status entry to a pool.
	CreateStatusEntry(ctx context.Context, entry *PoolStatusEntry) error

	// StatusEntries returns the pool's entries ordered by creation time.
	StatusEntries(ctx context.Context, poolID int64) ([]PoolStatusEntry, error)

	// StatusEntryExists reports whether the pool already has an entry of
	// the given type. Used for deduplication.
	StatusEntryExists(ctx context.Context, poolID int64, typ StatusType) (bool, error)

	// DeleteStatusEntries removes all entries of the given types.
	DeleteStatusEntries(ctx context.Context, poolID int64, types ...StatusType) error

	// HasCriticalStatus reports whether the pool carries any critical
	// entry, which freezes reconciliation.
	HasCriticalStatus(ctx context.Context, poolID int64) (bool, error)

	// DetailedEntrySince returns the open statistics sample created at or
	// after since, or ErrNotFound when the window has no sample yet.
	DetailedEntrySince(ctx context.Context, poolID int64, since time.Time) (*PoolUptimeDetailedEntry, error)

	// CreateDetailedEntry inserts a statistics sample and fills in its id.
	CreateDetailedEntry(ctx context.Context, entry *PoolUptimeDetailedEntry) error

	// UpdateDetailedEntry writes back target and actual of a sample.
	UpdateDetailedEntry(ctx context.Context, entry *PoolUptimeDetailedEntry) error

	// DetailedEntriesBefore returns closed samples older than before,
	// oldest first.
	DetailedEntriesBefore(ctx context.Context, poolID int64, before time.Time) ([]PoolUptimeDetailedEntry, error)

	// DeleteDetailedEntry removes a sample after it has been accumulated.
	DeleteDetailedEntry(ctx context.Context, id int64) error

	// AccumulatedEntryForDay returns the day aggregate whose creation time
	// falls on the same calendar day as day, or ErrNotFound.
	AccumulatedEntryForDay(ctx context.Context, poolID int64, day time.Time) (*PoolUptimeAccumulatedEntry, error)

	// CreateAccumulatedEntry inserts a day aggregate and fills in its id.
	CreateAccumulatedEntry(ctx context.Context, entry *PoolUptimeAccumulatedEntry) error

	// UpdateAccumulatedEntry writes back percentage and count.
	UpdateAccumulatedEntry(ctx context.Context, entry *PoolUptimeAccumulatedEntry) error

	// AccumulatedEntries returns day aggregates ordered by creation time,
	// oldest first.
	AccumulatedEntries(ctx context.Context, poolID int64) ([]PoolUptimeAccumulatedEntry, error)

	// DeleteAccumulatedEntriesBefore prunes aggregates older than before.
	DeleteAccumulatedEntriesBefore(ctx context.Context, poolID int64, before time.Time) error

	// Ping verifies the database is reachable; used by the readiness probe.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}
