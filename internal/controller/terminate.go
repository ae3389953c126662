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
	"strconv"

	"github.com/go-logr/logr"

	"github.com/spotmgr/spotmgr/internal/store"
	"github.com/spotmgr/spotmgr/pkg/aws"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
)

// terminatePoolInstances terminates instances grouped by region. With byPool
// set (draining a disabled pool, or cycling) it terminates everything the
// provider has tagged for the pool, not just the given list; otherwise it
// terminates exactly the listed instances.
//
// Local records are not deleted here: the next tick observes the
// shutting-down state and reaps them, which keeps termination idempotent.
// Provider errors become critical unclassified entries and do not abort the
// remaining regions.
func (r *PoolReconciler) terminatePoolInstances(ctx context.Context, log logr.Logger,
	pool *store.Pool, instances []store.Instance, byPool bool) error {

	byRegion := make(map[string][]store.Instance)
	for _, instance := range instances {
		byRegion[instance.Region] = append(byRegion[instance.Region], instance)
	}

	for _, region := range sortedKeys(byRegion) {
		if err := r.terminateInRegion(ctx, log, pool, region, byRegion[region], byPool); err != nil {
			if reportErr := r.status.Report(ctx, pool, store.StatusUnclassified, err.Error(), true); reportErr != nil {
				return reportErr
			}
		}
	}
	return nil
}

func (r *PoolReconciler) terminateInRegion(ctx context.Context, log logr.Logger,
	pool *store.Pool, region string, locals []store.Instance, byPool bool) error {

	rc, err := r.provider.Region(ctx, region)
	if err != nil {
		return err
	}

	localIDs := make(map[string]bool, len(locals))
	var instanceIDs []string
	for _, instance := range locals {
		localIDs[instance.ProviderID] = true
		if instance.StatusCode != ec2info.StateRequested {
			instanceIDs = append(instanceIDs, instance.ProviderID)
		}
	}

	var filter aws.Filter
	if byPool {
		filter.Tags = map[string]string{TagPoolID: strconv.FormatInt(pool.ID, 10)}
	} else {
		if len(instanceIDs) == 0 {
			return nil
		}
		filter.InstanceIDs = instanceIDs
	}

	found, err := rc.Find(ctx, filter)
	if err != nil {
		return err
	}

	var terminateIDs []string
	for _, pi := range found {
		if byPool && !localIDs[pi.ID] {
			code := ec2info.StripStateCode(pi.StateCode)
			if code != ec2info.StateShuttingDown && code != ec2info.StateTerminated {
				// Consistency warning only; the instance is tagged for
				// the pool, so draining it is still correct.
				log.Error(nil, "terminating instance tagged for pool but unknown locally",
					"region", region, "providerID", pi.ID, "state", ec2info.StateName(code))
			}
		}
		terminateIDs = append(terminateIDs, pi.ID)
	}
	if len(terminateIDs) == 0 {
		return nil
	}

	log.Info("terminating instances", "region", region, "count", len(terminateIDs))
	if err := rc.Terminate(ctx, terminateIDs); err != nil {
		return err
	}
	r.metrics.InstancesTerminated.WithLabelValues(pool.Name).Add(float64(len(terminateIDs)))
	return nil
}
