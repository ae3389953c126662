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
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/spotmgr/spotmgr/internal/store"
	"github.com/spotmgr/spotmgr/pkg/aws"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
)

// foreignSighting records a provider instance observed outside the region
// its local record claims; used only for the reap reason.
type foreignSighting struct {
	region    string
	stateCode int
}

// updatePoolInstances brings the local records in line with the provider's
// view: resolve open spot requests, absorb state changes of known instances,
// and reap records the provider no longer backs. After it returns without
// error, the store reflects the provider modulo still-open requests.
func (r *PoolReconciler) updatePoolInstances(ctx context.Context, log logr.Logger, pool *store.Pool) error {
	instances, err := r.store.Instances(ctx, pool.ID)
	if err != nil {
		return fmt.Errorf("loading instances of pool %d: %w", pool.ID, err)
	}

	byRegion := make(map[string][]*store.Instance)
	localByProvider := make(map[string]*store.Instance)
	for i := range instances {
		instance := &instances[i]
		byRegion[instance.Region] = append(byRegion[instance.Region], instance)
		localByProvider[instance.ProviderID] = instance
	}

	// Tags applied to an instance the moment its request is fulfilled. The
	// updatable marker is what lets other workers touch it afterwards.
	fulfillTags := make(map[string]string, len(pool.Config.Tags)+2)
	for k, v := range pool.Config.Tags {
		fulfillTags[k] = v
	}
	fulfillTags[TagPoolID] = strconv.FormatInt(pool.ID, 10)
	fulfillTags[TagUpdatable] = "1"

	seen := make(map[int64]bool)
	foreign := make(map[string]foreignSighting)
	instancesCreated := false

	for _, region := range sortedKeys(byRegion) {
		rc, err := r.provider.Region(ctx, region)
		if err != nil {
			return err
		}

		if err := r.checkRequests(ctx, log, rc, pool, byRegion[region], fulfillTags,
			localByProvider, seen, &instancesCreated); err != nil {
			return err
		}

		provInstances, err := rc.Find(ctx, aws.Filter{
			Tags: map[string]string{TagPoolID: strconv.FormatInt(pool.ID, 10)},
		})
		if err != nil {
			return err
		}

		for _, pi := range provInstances {
			updatable, _ := strconv.Atoi(pi.Tags[TagUpdatable])
			if updatable <= 0 {
				// Still being set up by a spawner that has not
				// committed yet. Not ours to touch, and its local
				// record (if any) must survive the reap below.
				log.V(1).Info("skipping not yet updatable instance",
					"region", region, "providerID", pi.ID)
				if local, ok := localByProvider[pi.ID]; ok {
					seen[local.ID] = true
				}
				continue
			}

			code := ec2info.StripStateCode(pi.StateCode)
			local, ok := localByProvider[pi.ID]
			switch {
			case ok && local.Region == region:
				local.StatusCode = code
				if local.Hostname == "" {
					local.Hostname = pi.Hostname
				}
				if err := r.store.UpdateInstance(ctx, local); err != nil {
					return err
				}
				seen[local.ID] = true
			case ok:
				foreign[pi.ID] = foreignSighting{region: region, stateCode: pi.StateCode}
			case code == ec2info.StateShuttingDown || code == ec2info.StateTerminated:
				// Dying instance we no longer track; nothing to do.
			default:
				// The record may have been persisted between our load
				// and the provider call; look again before declaring
				// the state inconsistent.
				if _, err := r.store.InstanceByProviderID(ctx, pi.ID); err == nil {
					continue
				} else if !errors.Is(err, store.ErrNotFound) {
					return err
				}
				return fmt.Errorf("instance %s in %s is tagged for pool %d but has no local record (state %s)",
					pi.ID, region, pool.ID, ec2info.StateName(code))
			}
		}
	}

	for _, instance := range instances {
		if seen[instance.ID] || localByProvider[instance.ProviderID] == nil {
			continue
		}
		reason := "no corresponding machine on provider"
		if sighting, ok := foreign[instance.ProviderID]; ok {
			reason = fmt.Sprintf("has state code %d on provider but in region %s, not %s",
				sighting.stateCode, sighting.region, instance.Region)
		}
		log.Info("deleting stale instance record",
			"providerID", instance.ProviderID, "region", instance.Region, "reason", reason)
		if err := r.store.DeleteInstance(ctx, instance.ID); err != nil {
			return err
		}
	}

	if instancesCreated {
		// A fulfilled request proves quota and provider health; the
		// matching informational entries are stale. Unclassified entries
		// are never cleared automatically.
		if err := r.status.Clear(ctx, pool.ID, store.StatusMaxSpotExceeded, store.StatusTemporaryFailure); err != nil {
			return err
		}
	}
	return nil
}

// checkRequests resolves the open spot requests of one region. Fulfillment
// rewrites the record's provider id from request id to instance id; cancelled
// or closed requests blacklist their (zone, type) pair for twelve hours.
func (r *PoolReconciler) checkRequests(ctx context.Context, log logr.Logger, rc aws.RegionClient,
	pool *store.Pool, locals []*store.Instance, fulfillTags map[string]string,
	localByProvider map[string]*store.Instance, seen map[int64]bool, instancesCreated *bool) error {

	var requestIDs []string
	for _, instance := range locals {
		if instance.StatusCode == ec2info.StateRequested {
			requestIDs = append(requestIDs, instance.ProviderID)
		}
	}
	if len(requestIDs) == 0 {
		return nil
	}
	sort.Strings(requestIDs)

	outcomes, err := rc.CheckSpotRequests(ctx, requestIDs, fulfillTags)
	if err != nil {
		return err
	}

	for _, outcome := range outcomes {
		local := localByProvider[outcome.RequestID]
		if local == nil {
			continue
		}
		switch outcome.Kind {
		case aws.OutcomeFulfilled:
			log.Info("spot request fulfilled",
				"requestID", outcome.RequestID, "instanceID", outcome.InstanceID, "region", local.Region)
			delete(localByProvider, local.ProviderID)
			local.ProviderID = outcome.InstanceID
			local.Hostname = outcome.Hostname
			local.StatusCode = ec2info.StripStateCode(outcome.StateCode)
			if err := r.store.UpdateInstance(ctx, local); err != nil {
				return err
			}
			localByProvider[local.ProviderID] = local
			seen[local.ID] = true
			*instancesCreated = true

		case aws.OutcomeTerminal:
			if outcome.State == "failed" {
				if err := r.status.Report(ctx, pool, store.StatusUnclassified,
					fmt.Sprintf("spot request %s failed (%s)", outcome.RequestID, outcome.StatusCode), true); err != nil {
					return err
				}
			} else {
				// Cancelled or closed: the zone could not deliver at
				// our bid. Keep selection away from it for a while.
				log.Info("spot request not fulfilled, blacklisting",
					"requestID", outcome.RequestID, "state", outcome.State,
					"zone", local.Zone, "instanceType", outcome.InstanceType)
				if err := r.cache.Blacklist(ctx, local.Zone, outcome.InstanceType); err != nil {
					return err
				}
			}
			if err := r.store.DeleteInstance(ctx, local.ID); err != nil {
				return err
			}
			delete(localByProvider, outcome.RequestID)

		case aws.OutcomeTransient:
			log.Info("spot request reported transient status synchronously, leaving for next tick",
				"requestID", outcome.RequestID, "state", outcome.State, "status", outcome.StatusCode)
			seen[local.ID] = true

		case aws.OutcomePending:
			seen[local.ID] = true
		}
	}
	return nil
}
