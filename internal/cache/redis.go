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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the production cache client, talking to the same Redis
// instance the price crawler writes to.
type RedisClient struct {
	rdb *redis.Client
}

var _ Client = (*RedisClient)(nil)

// NewRedisClient connects to Redis at addr using database db.
func NewRedisClient(addr string, db int) *RedisClient {
	return &RedisClient{
		rdb: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

// PriceData returns the decoded price series for an instance type. A
// missing key returns (nil, nil); a corrupt value returns an error so the
// caller can skip the type with a warning.
func (c *RedisClient) PriceData(ctx context.Context, instanceType string) (PriceData, error) {
	raw, err := c.rdb.Get(ctx, PriceKey(instanceType)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading price data for %s: %w", instanceType, err)
	}

	var data PriceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decoding price data for %s: %w", instanceType, err)
	}
	return data, nil
}

func (c *RedisClient) IsBlacklisted(ctx context.Context, zone, instanceType string) (bool, error) {
	n, err := c.rdb.Exists(ctx, BlacklistKey(zone, instanceType)).Result()
	if err != nil {
		return false, fmt.Errorf("checking blacklist for %s/%s: %w", zone, instanceType, err)
	}
	return n > 0, nil
}

func (c *RedisClient) Blacklist(ctx context.Context, zone, instanceType string) error {
	key := BlacklistKey(zone, instanceType)
	if err := c.rdb.Set(ctx, key, "", BlacklistTTL).Err(); err != nil {
		return fmt.Errorf("writing blacklist key %s: %w", key, err)
	}
	return nil
}

func (c *RedisClient) CachedImage(ctx context.Context, region, name string) (string, error) {
	imageID, err := c.rdb.Get(ctx, AMIKey(region, name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading AMI cache for %s/%s: %w", region, name, err)
	}
	return imageID, nil
}

func (c *RedisClient) CacheImage(ctx context.Context, region, name, imageID string) error {
	key := AMIKey(region, name)
	if err := c.rdb.Set(ctx, key, imageID, AMITTL).Err(); err != nil {
		return fmt.Errorf("writing AMI cache key %s: %w", key, err)
	}
	return nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
