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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pools (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL UNIQUE,
	enabled      INTEGER NOT NULL DEFAULT 0,
	last_cycled  INTEGER,
	config       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS instances (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id      INTEGER NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
	provider_id  TEXT NOT NULL,
	region       TEXT NOT NULL,
	zone         TEXT NOT NULL,
	hostname     TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL,
	status_code  INTEGER NOT NULL,
	created      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS instances_pool ON instances(pool_id, created);
CREATE INDEX IF NOT EXISTS instances_provider ON instances(provider_id);

CREATE TABLE IF NOT EXISTS pool_status (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id   INTEGER NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
	type      TEXT NOT NULL,
	critical  INTEGER NOT NULL DEFAULT 0,
	msg       TEXT NOT NULL,
	created   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pool_status_pool ON pool_status(pool_id, type);

CREATE TABLE IF NOT EXISTS uptime_detailed (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id  INTEGER NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
	target   INTEGER NOT NULL,
	actual   INTEGER NOT NULL,
	created  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS uptime_detailed_pool ON uptime_detailed(pool_id, created);

CREATE TABLE IF NOT EXISTS uptime_accumulated (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	pool_id            INTEGER NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
	uptime_percentage  REAL NOT NULL,
	accumulated_count  INTEGER NOT NULL,
	created            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS uptime_accumulated_pool ON uptime_accumulated(pool_id, created);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and if necessary initializes) the database at path.
// Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// The sqlite driver does not support concurrent writers on one handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Pool(ctx context.Context, id int64) (*Pool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, enabled, last_cycled, config FROM pools WHERE id = ?", id)
	return scanPool(row)
}

func (s *SQLiteStore) Pools(ctx context.Context) ([]Pool, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, enabled, last_cycled, config FROM pools ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	defer rows.Close()

	var pools []Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *pool)
	}
	return pools, rows.Err()
}

func (s *SQLiteStore) CreatePool(ctx context.Context, pool *Pool) error {
	config, err := json.Marshal(pool.Config)
	if err != nil {
		return fmt.Errorf("encoding pool config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO pools (name, enabled, last_cycled, config) VALUES (?, ?, ?, ?)",
		pool.Name, pool.Enabled, nullTime(pool.LastCycled), string(config))
	if err != nil {
		return fmt.Errorf("inserting pool %s: %w", pool.Name, err)
	}
	pool.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) SavePool(ctx context.Context, pool *Pool) error {
	config, err := json.Marshal(pool.Config)
	if err != nil {
		return fmt.Errorf("encoding pool config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE pools SET name = ?, enabled = ?, last_cycled = ?, config = ? WHERE id = ?",
		pool.Name, pool.Enabled, nullTime(pool.LastCycled), string(config), pool.ID)
	if err != nil {
		return fmt.Errorf("updating pool %d: %w", pool.ID, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) Instances(ctx context.Context, poolID int64) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pool_id, provider_id, region, zone, hostname, size, status_code, created
		 FROM instances WHERE pool_id = ? ORDER BY created, id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("listing instances of pool %d: %w", poolID, err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *instance)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) InstanceByProviderID(ctx context.Context, providerID string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pool_id, provider_id, region, zone, hostname, size, status_code, created
		 FROM instances WHERE provider_id = ?`, providerID)
	return scanInstance(row)
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, instance *Instance) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (pool_id, provider_id, region, zone, hostname, size, status_code, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.PoolID, instance.ProviderID, instance.Region, instance.Zone,
		instance.Hostname, instance.Size, instance.StatusCode, instance.Created.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting instance %s: %w", instance.ProviderID, err)
	}
	instance.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, instance *Instance) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET provider_id = ?, zone = ?, hostname = ?, status_code = ?
		 WHERE id = ?`,
		instance.ProviderID, instance.Zone, instance.Hostname, instance.StatusCode, instance.ID)
	if err != nil {
		return fmt.Errorf("updating instance %d: %w", instance.ID, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting instance %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CreateStatusEntry(ctx context.Context, entry *PoolStatusEntry) error {
	if entry.Created.IsZero() {
		entry.Created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO pool_status (pool_id, type, critical, msg, created) VALUES (?, ?, ?, ?, ?)",
		entry.PoolID, string(entry.Type), entry.Critical, entry.Msg, entry.Created.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting status entry for pool %d: %w", entry.PoolID, err)
	}
	entry.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) StatusEntries(ctx context.Context, poolID int64) ([]PoolStatusEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pool_id, type, critical, msg, created FROM pool_status
		 WHERE pool_id = ? ORDER BY created, id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("listing status entries of pool %d: %w", poolID, err)
	}
	defer rows.Close()

	var entries []PoolStatusEntry
	for rows.Next() {
		var e PoolStatusEntry
		var typ string
		var created int64
		if err := rows.Scan(&e.ID, &e.PoolID, &typ, &e.Critical, &e.Msg, &created); err != nil {
			return nil, fmt.Errorf("scanning status entry: %w", err)
		}
		e.Type = StatusType(typ)
		e.Created = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) StatusEntryExists(ctx context.Context, poolID int64, typ StatusType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pool_status WHERE pool_id = ? AND type = ?",
		poolID, string(typ)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking status entry for pool %d: %w", poolID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteStatusEntries(ctx context.Context, poolID int64, types ...StatusType) error {
	for _, typ := range types {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM pool_status WHERE pool_id = ? AND type = ?", poolID, string(typ))
		if err != nil {
			return fmt.Errorf("deleting %s entries of pool %d: %w", typ, poolID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) HasCriticalStatus(ctx context.Context, poolID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pool_status WHERE pool_id = ? AND critical", poolID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking critical status of pool %d: %w", poolID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) DetailedEntrySince(ctx context.Context, poolID int64, since time.Time) (*PoolUptimeDetailedEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pool_id, target, actual, created FROM uptime_detailed
		 WHERE pool_id = ? AND created >= ? ORDER BY created DESC LIMIT 1`,
		poolID, since.UnixNano())
	return scanDetailed(row)
}

func (s *SQLiteStore) CreateDetailedEntry(ctx context.Context, entry *PoolUptimeDetailedEntry) error {
	if entry.Created.IsZero() {
		entry.Created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO uptime_detailed (pool_id, target, actual, created) VALUES (?, ?, ?, ?)",
		entry.PoolID, entry.Target, entry.Actual, entry.Created.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting uptime sample for pool %d: %w", entry.PoolID, err)
	}
	entry.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateDetailedEntry(ctx context.Context, entry *PoolUptimeDetailedEntry) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE uptime_detailed SET target = ?, actual = ? WHERE id = ?",
		entry.Target, entry.Actual, entry.ID)
	if err != nil {
		return fmt.Errorf("updating uptime sample %d: %w", entry.ID, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DetailedEntriesBefore(ctx context.Context, poolID int64, before time.Time) ([]PoolUptimeDetailedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pool_id, target, actual, created FROM uptime_detailed
		 WHERE pool_id = ? AND created < ? ORDER BY created, id`,
		poolID, before.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing closed uptime samples of pool %d: %w", poolID, err)
	}
	defer rows.Close()

	var entries []PoolUptimeDetailedEntry
	for rows.Next() {
		entry, err := scanDetailed(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) DeleteDetailedEntry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM uptime_detailed WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting uptime sample %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AccumulatedEntryForDay(ctx context.Context, poolID int64, day time.Time) (*PoolUptimeAccumulatedEntry, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pool_id, uptime_percentage, accumulated_count, created
		 FROM uptime_accumulated
		 WHERE pool_id = ? AND created >= ? AND created < ? LIMIT 1`,
		poolID, dayStart.UnixNano(), dayEnd.UnixNano())
	return scanAccumulated(row)
}

func (s *SQLiteStore) CreateAccumulatedEntry(ctx context.Context, entry *PoolUptimeAccumulatedEntry) error {
	if entry.Created.IsZero() {
		entry.Created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uptime_accumulated (pool_id, uptime_percentage, accumulated_count, created)
		 VALUES (?, ?, ?, ?)`,
		entry.PoolID, entry.UptimePercentage, entry.AccumulatedCount, entry.Created.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting uptime aggregate for pool %d: %w", entry.PoolID, err)
	}
	entry.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateAccumulatedEntry(ctx context.Context, entry *PoolUptimeAccumulatedEntry) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE uptime_accumulated SET uptime_percentage = ?, accumulated_count = ? WHERE id = ?",
		entry.UptimePercentage, entry.AccumulatedCount, entry.ID)
	if err != nil {
		return fmt.Errorf("updating uptime aggregate %d: %w", entry.ID, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) AccumulatedEntries(ctx context.Context, poolID int64) ([]PoolUptimeAccumulatedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pool_id, uptime_percentage, accumulated_count, created
		 FROM uptime_accumulated WHERE pool_id = ? ORDER BY created, id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("listing uptime aggregates of pool %d: %w", poolID, err)
	}
	defer rows.Close()

	var entries []PoolUptimeAccumulatedEntry
	for rows.Next() {
		entry, err := scanAccumulated(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) DeleteAccumulatedEntriesBefore(ctx context.Context, poolID int64, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM uptime_accumulated WHERE pool_id = ? AND created < ?",
		poolID, before.UnixNano())
	if err != nil {
		return fmt.Errorf("pruning uptime aggregates of pool %d: %w", poolID, err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPool(row scanner) (*Pool, error) {
	var pool Pool
	var lastCycled sql.NullInt64
	var config string
	err := row.Scan(&pool.ID, &pool.Name, &pool.Enabled, &lastCycled, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pool: %w", err)
	}
	if lastCycled.Valid {
		t := time.Unix(0, lastCycled.Int64)
		pool.LastCycled = &t
	}
	if err := json.Unmarshal([]byte(config), &pool.Config); err != nil {
		return nil, fmt.Errorf("decoding config of pool %d: %w", pool.ID, err)
	}
	return &pool, nil
}

func scanInstance(row scanner) (*Instance, error) {
	var instance Instance
	var created int64
	err := row.Scan(&instance.ID, &instance.PoolID, &instance.ProviderID, &instance.Region,
		&instance.Zone, &instance.Hostname, &instance.Size, &instance.StatusCode, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instance: %w", err)
	}
	instance.Created = time.Unix(0, created)
	return &instance, nil
}

func scanDetailed(row scanner) (*PoolUptimeDetailedEntry, error) {
	var entry PoolUptimeDetailedEntry
	var created int64
	err := row.Scan(&entry.ID, &entry.PoolID, &entry.Target, &entry.Actual, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning uptime sample: %w", err)
	}
	entry.Created = time.Unix(0, created)
	return &entry, nil
}

func scanAccumulated(row scanner) (*PoolUptimeAccumulatedEntry, error) {
	var entry PoolUptimeAccumulatedEntry
	var created int64
	err := row.Scan(&entry.ID, &entry.PoolID, &entry.UptimePercentage, &entry.AccumulatedCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning uptime aggregate: %w", err)
	}
	entry.Created = time.Unix(0, created)
	return &entry, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
