//go:build e2e
// +build e2e

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

package e2e

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/spotmgr/spotmgr/pkg/aws"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
)

// scriptedProvider simulates the provider side of the spot lifecycle: a bid
// becomes an open request, fulfill() turns it into a pending instance, and
// subsequent ticks see it running until terminate() starts shutdown.
type scriptedProvider struct {
	mu      sync.Mutex
	regions map[string]*scriptedRegion
}

func newScriptedProvider(regions ...string) *scriptedProvider {
	p := &scriptedProvider{regions: make(map[string]*scriptedRegion)}
	for _, name := range regions {
		p.regions[name] = &scriptedRegion{
			name:      name,
			images:    map[string]string{"pool-base": "ami-" + name},
			requests:  make(map[string]*openRequest),
			instances: make(map[string]*aws.Instance),
		}
	}
	return p
}

func (p *scriptedProvider) Region(_ context.Context, region string) (aws.RegionClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.regions[region]
	if !ok {
		return nil, fmt.Errorf("no scripted region %s", region)
	}
	return r, nil
}

func (p *scriptedProvider) region(name string) *scriptedRegion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regions[name]
}

type openRequest struct {
	id           string
	zone         string
	instanceType string
	cancelled    bool
}

type scriptedRegion struct {
	mu        sync.Mutex
	name      string
	images    map[string]string
	requests  map[string]*openRequest
	requestN  int
	instanceN int
	instances map[string]*aws.Instance
}

var _ aws.RegionClient = (*scriptedRegion)(nil)

func (r *scriptedRegion) ResolveImage(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	imageID, ok := r.images[name]
	if !ok {
		return "", fmt.Errorf("image %s not found", name)
	}
	return imageID, nil
}

func (r *scriptedRegion) RequestSpot(_ context.Context, _ float64, spec aws.LaunchSpec, count int, _ time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, count)
	for i := range ids {
		r.requestN++
		id := fmt.Sprintf("sir-%s-%d", r.name, r.requestN)
		r.requests[id] = &openRequest{id: id, zone: spec.Zone, instanceType: spec.InstanceType}
		ids[i] = id
	}
	return ids, nil
}

func (r *scriptedRegion) CheckSpotRequests(_ context.Context, requestIDs []string, tags map[string]string) ([]aws.SpotRequestOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcomes := make([]aws.SpotRequestOutcome, 0, len(requestIDs))
	for _, id := range requestIDs {
		req, ok := r.requests[id]
		switch {
		case !ok:
			outcomes = append(outcomes, aws.SpotRequestOutcome{RequestID: id, Kind: aws.OutcomePending})
		case req.cancelled:
			outcomes = append(outcomes, aws.SpotRequestOutcome{
				RequestID: id, Kind: aws.OutcomeTerminal,
				State: "cancelled", InstanceType: req.instanceType,
			})
			delete(r.requests, id)
		default:
			r.instanceN++
			instanceID := fmt.Sprintf("i-%s-%d", r.name, r.instanceN)
			instance := &aws.Instance{
				ID:        instanceID,
				StateCode: ec2info.StatePending,
				Hostname:  instanceID + ".example",
				Zone:      req.zone,
				Tags:      make(map[string]string),
			}
			for k, v := range tags {
				instance.Tags[k] = v
			}
			r.instances[instanceID] = instance
			delete(r.requests, id)
			outcomes = append(outcomes, aws.SpotRequestOutcome{
				RequestID: id, Kind: aws.OutcomeFulfilled,
				InstanceID: instanceID, Hostname: instance.Hostname,
				StateCode: instance.StateCode, InstanceType: req.instanceType,
			})
		}
	}
	return outcomes, nil
}

func (r *scriptedRegion) Find(_ context.Context, filter aws.Filter) ([]aws.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []aws.Instance
	for _, instance := range r.instances {
		if len(filter.InstanceIDs) > 0 {
			if slices.Contains(filter.InstanceIDs, instance.ID) {
				found = append(found, *instance)
			}
			continue
		}
		match := true
		for k, v := range filter.Tags {
			if instance.Tags[k] != v {
				match = false
				break
			}
		}
		if match {
			found = append(found, *instance)
		}
	}
	return found, nil
}

func (r *scriptedRegion) CreateTags(_ context.Context, instanceID string, tags map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}
	for k, v := range tags {
		instance.Tags[k] = v
	}
	return nil
}

func (r *scriptedRegion) Terminate(_ context.Context, instanceIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range instanceIDs {
		if instance, ok := r.instances[id]; ok {
			instance.StateCode = ec2info.StateShuttingDown
		}
	}
	return nil
}

// boot moves every pending instance to running, like the provider does
// between ticks.
func (r *scriptedRegion) boot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, instance := range r.instances {
		if instance.StateCode == ec2info.StatePending {
			instance.StateCode = ec2info.StateRunning
		}
	}
}

// reap removes instances that finished shutting down.
func (r *scriptedRegion) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, instance := range r.instances {
		if instance.StateCode == ec2info.StateShuttingDown {
			delete(r.instances, id)
		}
	}
}

// cancelOpenRequests scripts the provider cancelling every open bid.
func (r *scriptedRegion) cancelOpenRequests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		req.cancelled = true
	}
}

func (r *scriptedRegion) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, instance := range r.instances {
		if instance.StateCode == ec2info.StateRunning {
			n++
		}
	}
	return n
}
