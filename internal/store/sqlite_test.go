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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotmgr/spotmgr/pkg/ec2info"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() PoolConfig {
	return PoolConfig{
		Size:           64,
		CycleInterval:  86400,
		AllowedRegions: []string{"us-east-1", "us-west-2"},
		InstanceTypes:  []string{"c4.2xlarge"},
		MaxPrice:       0.01,
		ImageName:      "pool-base",
	}
}

func testPool(t *testing.T, s *SQLiteStore) *Pool {
	t.Helper()
	pool := &Pool{Name: "fuzzing", Enabled: true, Config: testConfig()}
	require.NoError(t, s.CreatePool(context.Background(), pool))
	return pool
}

func TestPoolRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	pool := testPool(t, s)
	require.NotZero(t, pool.ID)

	got, err := s.Pool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, "fuzzing", got.Name)
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastCycled)
	assert.Equal(t, pool.Config, got.Config)

	cycled := time.Now().Truncate(time.Microsecond)
	got.LastCycled = &cycled
	got.Enabled = false
	require.NoError(t, s.SavePool(ctx, got))

	again, err := s.Pool(ctx, pool.ID)
	require.NoError(t, err)
	assert.False(t, again.Enabled)
	require.NotNil(t, again.LastCycled)
	assert.True(t, again.LastCycled.Equal(cycled))

	_, err = s.Pool(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstanceOrderingAndLookup(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	pool := testPool(t, s)

	base := time.Now()
	newer := Instance{
		PoolID: pool.ID, ProviderID: "i-newer", Region: "us-east-1",
		Zone: "us-east-1a", Size: 8, StatusCode: ec2info.StateRunning,
		Created: base.Add(time.Minute),
	}
	older := Instance{
		PoolID: pool.ID, ProviderID: "sir-older", Region: "us-west-2",
		Zone: "us-west-2b", Size: 8, StatusCode: ec2info.StateRequested,
		Created: base,
	}
	require.NoError(t, s.CreateInstance(ctx, &newer))
	require.NoError(t, s.CreateInstance(ctx, &older))

	instances, err := s.Instances(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	// Oldest first, so scale-down reaps the most recent ones last.
	assert.Equal(t, "sir-older", instances[0].ProviderID)
	assert.Equal(t, "i-newer", instances[1].ProviderID)

	found, err := s.InstanceByProviderID(ctx, "sir-older")
	require.NoError(t, err)
	assert.Equal(t, older.ID, found.ID)

	// Fulfillment rewrites the provider id from request to instance.
	found.ProviderID = "i-fulfilled"
	found.Hostname = "ec2-1-2-3-4.compute.amazonaws.com"
	found.StatusCode = ec2info.StatePending
	require.NoError(t, s.UpdateInstance(ctx, found))

	_, err = s.InstanceByProviderID(ctx, "sir-older")
	assert.ErrorIs(t, err, ErrNotFound)
	updated, err := s.InstanceByProviderID(ctx, "i-fulfilled")
	require.NoError(t, err)
	assert.Equal(t, ec2info.StatePending, updated.StatusCode)
	assert.Equal(t, "ec2-1-2-3-4.compute.amazonaws.com", updated.Hostname)

	require.NoError(t, s.DeleteInstance(ctx, updated.ID))
	instances, err = s.Instances(ctx, pool.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestStatusEntries(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	pool := testPool(t, s)

	critical, err := s.HasCriticalStatus(ctx, pool.ID)
	require.NoError(t, err)
	assert.False(t, critical)

	require.NoError(t, s.CreateStatusEntry(ctx, &PoolStatusEntry{
		PoolID: pool.ID, Type: StatusPriceTooLow,
		Msg: "price limit exceeded",
	}))
	require.NoError(t, s.CreateStatusEntry(ctx, &PoolStatusEntry{
		PoolID: pool.ID, Type: StatusConfigError, Critical: true,
		Msg: "configuration is cyclic",
	}))

	critical, err = s.HasCriticalStatus(ctx, pool.ID)
	require.NoError(t, err)
	assert.True(t, critical)

	exists, err := s.StatusEntryExists(ctx, pool.ID, StatusPriceTooLow)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.StatusEntryExists(ctx, pool.ID, StatusTemporaryFailure)
	require.NoError(t, err)
	assert.False(t, exists)

	// Clearing non-critical types leaves the critical entry alone.
	require.NoError(t, s.DeleteStatusEntries(ctx, pool.ID, StatusPriceTooLow, StatusTemporaryFailure))
	entries, err := s.StatusEntries(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusConfigError, entries[0].Type)

	require.NoError(t, s.DeleteStatusEntries(ctx, pool.ID, StatusConfigError))
	critical, err = s.HasCriticalStatus(ctx, pool.ID)
	require.NoError(t, err)
	assert.False(t, critical)
}

func TestUptimeDetailedEntries(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	pool := testPool(t, s)

	now := time.Now()
	windowStart := now.Add(-30 * time.Minute)

	_, err := s.DetailedEntrySince(ctx, pool.ID, windowStart)
	assert.ErrorIs(t, err, ErrNotFound)

	closed := PoolUptimeDetailedEntry{
		PoolID: pool.ID, Target: 64, Actual: 48,
		Created: now.Add(-2 * time.Hour),
	}
	open := PoolUptimeDetailedEntry{
		PoolID: pool.ID, Target: 64, Actual: 64,
		Created: now.Add(-10 * time.Minute),
	}
	require.NoError(t, s.CreateDetailedEntry(ctx, &closed))
	require.NoError(t, s.CreateDetailedEntry(ctx, &open))

	current, err := s.DetailedEntrySince(ctx, pool.ID, windowStart)
	require.NoError(t, err)
	assert.Equal(t, open.ID, current.ID)

	current.Actual = 72
	require.NoError(t, s.UpdateDetailedEntry(ctx, current))

	stale, err := s.DetailedEntriesBefore(ctx, pool.ID, windowStart)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, closed.ID, stale[0].ID)

	require.NoError(t, s.DeleteDetailedEntry(ctx, closed.ID))
	stale, err = s.DetailedEntriesBefore(ctx, pool.ID, windowStart)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestUptimeAccumulatedEntries(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	pool := testPool(t, s)

	day := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)

	_, err := s.AccumulatedEntryForDay(ctx, pool.ID, day)
	assert.ErrorIs(t, err, ErrNotFound)

	entry := PoolUptimeAccumulatedEntry{
		PoolID: pool.ID, UptimePercentage: 75, AccumulatedCount: 1,
		Created: day,
	}
	require.NoError(t, s.CreateAccumulatedEntry(ctx, &entry))

	// Any time on the same calendar day finds the aggregate.
	found, err := s.AccumulatedEntryForDay(ctx, pool.ID, day.Add(8*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, entry.ID, found.ID)

	_, err = s.AccumulatedEntryForDay(ctx, pool.ID, day.Add(24*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	found.UptimePercentage = 80
	found.AccumulatedCount = 2
	require.NoError(t, s.UpdateAccumulatedEntry(ctx, found))

	old := PoolUptimeAccumulatedEntry{
		PoolID: pool.ID, UptimePercentage: 100, AccumulatedCount: 5,
		Created: day.AddDate(0, 0, -40),
	}
	require.NoError(t, s.CreateAccumulatedEntry(ctx, &old))

	require.NoError(t, s.DeleteAccumulatedEntriesBefore(ctx, pool.ID, day.AddDate(0, 0, -30)))
	entries, err := s.AccumulatedEntries(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, float64(80), entries[0].UptimePercentage)
	assert.Equal(t, 2, entries[0].AccumulatedCount)
}

func TestMissingParameters(t *testing.T) {
	config := testConfig()
	assert.Empty(t, config.MissingParameters())

	config.Size = 0
	config.ImageName = ""
	config.AllowedRegions = []string{"mars-north-1"}
	config.InstanceTypes = []string{"c4.2xlarge", "warp9.huge"}
	missing := config.MissingParameters()
	assert.Contains(t, missing, "size")
	assert.Contains(t, missing, "ec2_image_name")
	assert.Contains(t, missing, `ec2_allowed_regions: unsupported region "mars-north-1"`)
	assert.Contains(t, missing, `ec2_instance_types: unknown type "warp9.huge"`)
}
