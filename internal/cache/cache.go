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

// Package cache provides read/write access to the external key-value store
// shared with the price crawler.
//
// Key layout (the crawler owns the price keys, the reconciler owns the
// rest):
//
//	ec2spot:price:<instance_type>       JSON {region: {zone: [samples...]}}
//	ec2spot:blacklist:<zone>:<type>     presence marker, 12h TTL
//	ec2spot:ami:<region>:<image_name>   resolved AMI id, 24h TTL
//
// Price samples are dollars per instance-hour, most recent first.
package cache

import (
	"context"
	"time"
)

// TTLs for the keys the reconciler writes.
const (
	// BlacklistTTL is how long a (zone, instance type) pair stays excluded
	// from selection after a spot request times out there.
	BlacklistTTL = 12 * time.Hour

	// AMITTL is how long a resolved image id stays cached. Marketplace
	// lookups are slow; entries are safe to overwrite.
	AMITTL = 24 * time.Hour
)

const keyPrefix = "ec2spot"

// PriceData is the decoded price series for one instance type:
// region -> zone -> samples (most recent first, dollars per instance-hour).
type PriceData map[string]map[string][]float64

// Client is the cache access interface. A nil-data, nil-error return from
// PriceData means the key is absent; callers skip the instance type.
type Client interface {
	// PriceData returns the price series for an instance type, or nil if
	// the crawler has not written one.
	PriceData(ctx context.Context, instanceType string) (PriceData, error)

	// IsBlacklisted reports whether the (zone, instance type) pair is
	// currently excluded from selection.
	IsBlacklisted(ctx context.Context, zone, instanceType string) (bool, error)

	// Blacklist excludes the (zone, instance type) pair for BlacklistTTL.
	Blacklist(ctx context.Context, zone, instanceType string) error

	// CachedImage returns the cached AMI id for (region, image name), or
	// "" if absent.
	CachedImage(ctx context.Context, region, name string) (string, error)

	// CacheImage stores the AMI id for (region, image name) with AMITTL.
	CacheImage(ctx context.Context, region, name, imageID string) error

	// Ping verifies the store is reachable; used by the readiness probe.
	Ping(ctx context.Context) error
}

// PriceKey builds the crawler's price key for an instance type.
func PriceKey(instanceType string) string {
	return keyPrefix + ":price:" + instanceType
}

// BlacklistKey builds the blacklist key for a (zone, instance type) pair.
func BlacklistKey(zone, instanceType string) string {
	return keyPrefix + ":blacklist:" + zone + ":" + instanceType
}

// AMIKey builds the AMI cache key for a (region, image name) pair.
func AMIKey(region, name string) string {
	return keyPrefix + ":ami:" + region + ":" + name
}
