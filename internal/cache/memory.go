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
	"sync"
	"time"
)

// MemoryClient is an in-memory Client with TTL semantics. It backs unit and
// scenario tests and local development without a Redis instance.
type MemoryClient struct {
	mu     sync.RWMutex
	prices map[string]PriceData // instance type -> data
	keys   map[string]entry     // blacklist + AMI keys
	now    func() time.Time
}

type entry struct {
	value   string
	expires time.Time
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient creates an empty in-memory cache.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		prices: make(map[string]PriceData),
		keys:   make(map[string]entry),
		now:    time.Now,
	}
}

// SetPriceData stores a price series the way the crawler would.
func (c *MemoryClient) SetPriceData(instanceType string, data PriceData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[instanceType] = data
}

// SetClock overrides the clock, for TTL tests.
func (c *MemoryClient) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryClient) PriceData(_ context.Context, instanceType string) (PriceData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prices[instanceType], nil
}

func (c *MemoryClient) IsBlacklisted(_ context.Context, zone, instanceType string) (bool, error) {
	_, ok := c.get(BlacklistKey(zone, instanceType))
	return ok, nil
}

func (c *MemoryClient) Blacklist(_ context.Context, zone, instanceType string) error {
	c.set(BlacklistKey(zone, instanceType), "", BlacklistTTL)
	return nil
}

func (c *MemoryClient) CachedImage(_ context.Context, region, name string) (string, error) {
	value, _ := c.get(AMIKey(region, name))
	return value, nil
}

func (c *MemoryClient) CacheImage(_ context.Context, region, name, imageID string) error {
	c.set(AMIKey(region, name), imageID, AMITTL)
	return nil
}

func (c *MemoryClient) Ping(context.Context) error { return nil }

func (c *MemoryClient) set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = entry{value: value, expires: c.now().Add(ttl)}
}

func (c *MemoryClient) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.keys[key]
	if !ok || c.now().After(e.expires) {
		return "", false
	}
	return e.value, true
}
