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
	"slices"
	"sort"

	"github.com/go-logr/logr"

	"github.com/spotmgr/spotmgr/internal/cache"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
)

// Selection is the cheapest qualifying (region, zone, instance type) triple.
type Selection struct {
	Region       string
	Zone         string
	InstanceType string
}

// BestRegionZone picks the cheapest non-blacklisted (region, zone, instance
// type) whose most recent per-core price is within maxPricePerCore, judged by
// the median of the cached per-core price series. It returns nil when no
// option qualifies, together with the minimum rejected per-core price per
// zone for diagnostics.
//
// Iteration order is fixed (instance types in configuration order, regions
// and zones lexicographically) so ties resolve the same way across restarts.
func BestRegionZone(ctx context.Context, log logr.Logger, c cache.Client,
	allowedRegions, instanceTypes []string, maxPricePerCore float64) (*Selection, map[string]float64, error) {

	rejected := make(map[string]float64)
	var best *Selection
	bestMedian := 0.0

	for _, instanceType := range instanceTypes {
		cores := ec2info.CoresPerInstance[instanceType]
		if cores == 0 {
			log.Info("skipping instance type with unknown core count", "instanceType", instanceType)
			continue
		}
		data, err := c.PriceData(ctx, instanceType)
		if err != nil {
			log.Error(err, "skipping instance type with unreadable price data", "instanceType", instanceType)
			continue
		}
		if data == nil {
			log.Info("no price data for instance type", "instanceType", instanceType)
			continue
		}

		for _, region := range sortedKeys(data) {
			if !slices.Contains(allowedRegions, region) {
				continue
			}
			for _, zone := range sortedKeys(data[region]) {
				samples := data[region][zone]
				if len(samples) == 0 {
					continue
				}
				listed, err := c.IsBlacklisted(ctx, zone, instanceType)
				if err != nil {
					return nil, nil, err
				}
				if listed {
					continue
				}

				perCore := make([]float64, len(samples))
				for i, sample := range samples {
					perCore[i] = sample / float64(cores)
				}
				// Samples are most recent first; the gate is on the
				// current price, the ranking on the median.
				if perCore[0] > maxPricePerCore {
					if min, ok := rejected[zone]; !ok || perCore[0] < min {
						rejected[zone] = perCore[0]
					}
					continue
				}
				med := median(perCore)
				if best == nil || med < bestMedian {
					best = &Selection{Region: region, Zone: zone, InstanceType: instanceType}
					bestMedian = med
				}
			}
		}
	}
	return best, rejected, nil
}

// median of an unsorted series; the average of the two middle values when
// the length is even.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
