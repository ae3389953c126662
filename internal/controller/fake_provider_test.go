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
	"slices"
	"time"

	"github.com/spotmgr/spotmgr/pkg/aws"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
)

// fakeProvider is an in-memory provider: regions hold instances and scripted
// spot request outcomes, and record every mutation for assertions.
type fakeProvider struct {
	regions   map[string]*fakeRegion
	regionErr error
}

func newFakeProvider(regions ...string) *fakeProvider {
	p := &fakeProvider{regions: make(map[string]*fakeRegion)}
	for _, name := range regions {
		p.regions[name] = &fakeRegion{
			name:      name,
			images:    make(map[string]string),
			outcomes:  make(map[string]aws.SpotRequestOutcome),
			instances: make(map[string]*aws.Instance),
		}
	}
	return p
}

func (p *fakeProvider) Region(_ context.Context, region string) (aws.RegionClient, error) {
	if p.regionErr != nil {
		return nil, p.regionErr
	}
	r, ok := p.regions[region]
	if !ok {
		return nil, fmt.Errorf("no fake region %s", region)
	}
	return r, nil
}

type spotRequestRecord struct {
	bidTotal float64
	spec     aws.LaunchSpec
	count    int
	timeout  time.Duration
}

type fakeRegion struct {
	name         string
	images       map[string]string
	resolveCalls int

	outcomes   map[string]aws.SpotRequestOutcome
	requests   []spotRequestRecord
	requestSeq int
	spotErr    error

	instances  map[string]*aws.Instance
	terminated []string
	findErr    error
}

var _ aws.RegionClient = (*fakeRegion)(nil)

func (r *fakeRegion) ResolveImage(_ context.Context, name string) (string, error) {
	r.resolveCalls++
	imageID, ok := r.images[name]
	if !ok {
		return "", fmt.Errorf("image %s not found in %s", name, r.name)
	}
	return imageID, nil
}

func (r *fakeRegion) RequestSpot(_ context.Context, bidTotal float64, spec aws.LaunchSpec, count int, timeout time.Duration) ([]string, error) {
	if r.spotErr != nil {
		return nil, r.spotErr
	}
	r.requests = append(r.requests, spotRequestRecord{bidTotal: bidTotal, spec: spec, count: count, timeout: timeout})
	ids := make([]string, count)
	for i := range ids {
		r.requestSeq++
		ids[i] = fmt.Sprintf("sir-%s-%d", r.name, r.requestSeq)
	}
	return ids, nil
}

func (r *fakeRegion) CheckSpotRequests(_ context.Context, requestIDs []string, tags map[string]string) ([]aws.SpotRequestOutcome, error) {
	outcomes := make([]aws.SpotRequestOutcome, 0, len(requestIDs))
	for _, id := range requestIDs {
		outcome, ok := r.outcomes[id]
		if !ok {
			outcome = aws.SpotRequestOutcome{RequestID: id, Kind: aws.OutcomePending}
		}
		outcome.RequestID = id
		if outcome.Kind == aws.OutcomeFulfilled {
			// The real adapter tags the new instance as a side effect.
			instance := r.instances[outcome.InstanceID]
			if instance == nil {
				instance = &aws.Instance{
					ID:        outcome.InstanceID,
					StateCode: outcome.StateCode,
					Hostname:  outcome.Hostname,
					Tags:      make(map[string]string),
				}
				r.instances[outcome.InstanceID] = instance
			}
			for k, v := range tags {
				instance.Tags[k] = v
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (r *fakeRegion) Find(_ context.Context, filter aws.Filter) ([]aws.Instance, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
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

func (r *fakeRegion) CreateTags(_ context.Context, instanceID string, tags map[string]string) error {
	instance, ok := r.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s not found in %s", instanceID, r.name)
	}
	if instance.Tags == nil {
		instance.Tags = make(map[string]string)
	}
	for k, v := range tags {
		instance.Tags[k] = v
	}
	return nil
}

func (r *fakeRegion) Terminate(_ context.Context, instanceIDs []string) error {
	for _, id := range instanceIDs {
		r.terminated = append(r.terminated, id)
		if instance, ok := r.instances[id]; ok {
			instance.StateCode = ec2info.StateShuttingDown
		}
	}
	return nil
}

func fulfilledOutcome(instanceID, hostname string, stateCode int) aws.SpotRequestOutcome {
	return aws.SpotRequestOutcome{
		Kind:       aws.OutcomeFulfilled,
		InstanceID: instanceID,
		Hostname:   hostname,
		StateCode:  stateCode,
	}
}

func terminalOutcome(state, instanceType string) aws.SpotRequestOutcome {
	return aws.SpotRequestOutcome{
		Kind:         aws.OutcomeTerminal,
		State:        state,
		InstanceType: instanceType,
	}
}

// addInstance seeds a committed (updatable) pool instance into the region.
func (r *fakeRegion) addInstance(id string, poolID int64, stateCode int, hostname string) {
	r.instances[id] = &aws.Instance{
		ID:        id,
		StateCode: stateCode,
		Hostname:  hostname,
		Zone:      r.name + "a",
		Tags: map[string]string{
			TagPoolID:    fmt.Sprintf("%d", poolID),
			TagUpdatable: "1",
		},
	}
}
