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
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/spotmgr/spotmgr/internal/store"
	"github.com/spotmgr/spotmgr/pkg/aws"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
)

// startPoolInstances covers a core deficit with new spot bids: pick the
// cheapest qualifying (region, zone, type), render userdata, resolve the
// image, submit the bids and persist one requested record per bid before
// anything else can fail.
func (r *PoolReconciler) startPoolInstances(ctx context.Context, log logr.Logger, pool *store.Pool, coresMissing int) error {
	config := &pool.Config
	candidates := candidateTypes(config.InstanceTypes, coresMissing)

	selection, rejected, err := BestRegionZone(ctx, log, r.cache,
		config.AllowedRegions, candidates, config.MaxPrice)
	if err != nil {
		return r.reportProviderError(ctx, pool, err)
	}
	if selection == nil {
		return r.status.Report(ctx, pool, store.StatusPriceTooLow, priceTooLowMsg(rejected), false)
	}
	if err := r.status.Clear(ctx, pool.ID, store.StatusPriceTooLow); err != nil {
		return err
	}

	cores := ec2info.CoresPerInstance[selection.InstanceType]
	count := coresMissing / cores
	if count < 1 {
		// The deficit is smaller than the chosen type; one instance now,
		// and a smaller type gets its chance next tick.
		count = 1
	}

	macros := make(map[string]string, len(config.UserDataMacros)+2)
	for k, v := range config.UserDataMacros {
		macros[k] = v
	}
	macros[MacroPoolID] = strconv.FormatInt(pool.ID, 10)
	macros[MacroCycleTime] = strconv.FormatInt(config.CycleInterval, 10)
	userdata, err := RenderUserData(config.UserData, macros)
	if err != nil {
		return r.status.Report(ctx, pool, store.StatusConfigError, err.Error(), true)
	}

	requestIDs, err := r.submitBids(ctx, log, pool, selection, userdata, count)
	if err != nil {
		return r.reportProviderError(ctx, pool, err)
	}

	for _, requestID := range requestIDs {
		instance := store.Instance{
			PoolID:     pool.ID,
			ProviderID: requestID,
			Region:     selection.Region,
			Zone:       selection.Zone,
			Size:       cores,
			StatusCode: ec2info.StateRequested,
			Created:    r.now(),
		}
		// Persist each bid the moment we know its id; a crash between
		// bids must not lose track of the ones already issued.
		if err := r.store.CreateInstance(ctx, &instance); err != nil {
			return err
		}
		r.metrics.SpotRequestsIssued.WithLabelValues(
			pool.Name, selection.Region, selection.Zone, selection.InstanceType).Inc()
	}
	log.Info("spot bids issued", "count", len(requestIDs),
		"region", selection.Region, "zone", selection.Zone, "instanceType", selection.InstanceType)
	return nil
}

func (r *PoolReconciler) submitBids(ctx context.Context, log logr.Logger, pool *store.Pool,
	selection *Selection, userdata []byte, count int) ([]string, error) {

	rc, err := r.provider.Region(ctx, selection.Region)
	if err != nil {
		return nil, err
	}

	config := &pool.Config
	imageID, err := r.cache.CachedImage(ctx, selection.Region, config.ImageName)
	if err != nil {
		return nil, err
	}
	if imageID == "" {
		imageID, err = rc.ResolveImage(ctx, config.ImageName)
		if err != nil {
			return nil, err
		}
		if err := r.cache.CacheImage(ctx, selection.Region, config.ImageName, imageID); err != nil {
			return nil, err
		}
		log.Info("resolved boot image", "region", selection.Region,
			"image", config.ImageName, "imageID", imageID)
	}

	cores := ec2info.CoresPerInstance[selection.InstanceType]
	spec := aws.LaunchSpec{
		ImageID:        imageID,
		InstanceType:   selection.InstanceType,
		Zone:           selection.Zone,
		KeyName:        config.KeyName,
		SecurityGroups: config.SecurityGroups,
		UserData:       userdata,
		RawConfig:      config.RawConfig,
	}
	// The bid ceiling is configured per core; the provider wants it per
	// instance-hour.
	bidTotal := config.MaxPrice * float64(cores)
	return rc.RequestSpot(ctx, bidTotal, spec, count, spotFulfillmentTimeout)
}

// candidateTypes filters the configured types to those fitting the deficit.
// When even the smallest type exceeds it, the smallest-core set is used so
// the pool can still make progress.
func candidateTypes(instanceTypes []string, coresMissing int) []string {
	var fitting []string
	for _, t := range instanceTypes {
		if ec2info.CoresPerInstance[t] <= coresMissing {
			fitting = append(fitting, t)
		}
	}
	if len(fitting) > 0 {
		return fitting
	}

	smallest := 0
	for _, t := range instanceTypes {
		cores := ec2info.CoresPerInstance[t]
		if cores > 0 && (smallest == 0 || cores < smallest) {
			smallest = cores
		}
	}
	for _, t := range instanceTypes {
		if ec2info.CoresPerInstance[t] == smallest {
			fitting = append(fitting, t)
		}
	}
	return fitting
}

// priceTooLowMsg enumerates the rejected zones and their minimum observed
// per-core prices, in zone order.
func priceTooLowMsg(rejected map[string]float64) string {
	var b strings.Builder
	b.WriteString("price limit exceeded")
	zones := make([]string, 0, len(rejected))
	for zone := range rejected {
		zones = append(zones, zone)
	}
	sort.Strings(zones)
	for _, zone := range zones {
		fmt.Fprintf(&b, "\n%s at %v", zone, rejected[zone])
	}
	return b.String()
}
