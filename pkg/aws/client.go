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

// Package aws is a thin facade over the AWS SDK exposing the operations the
// pool reconciler needs: connecting to a region, resolving image names,
// issuing spot bids, checking bid outcomes, enumerating tagged instances,
// tagging, and terminating.
//
// All operations fail with an error classified as transient, quota-exceeded,
// or unclassified (see errors.go). Callers use errors.Is against the
// exported sentinels to map failures to pool status entries.
package aws

import (
	"context"
	"time"
)

// Client is the entry point of the provider adapter. Implementations hold
// credentials; Region binds them to one region.
type Client interface {
	// Region returns a RegionClient for the given region. Network or TLS
	// failures are classified transient, anything else unclassified.
	Region(ctx context.Context, region string) (RegionClient, error)
}

// RegionClient exposes the per-region provider operations.
type RegionClient interface {
	// ResolveImage resolves an image (AMI) name to its id. Marketplace
	// lookups can be slow; callers are expected to cache the result.
	ResolveImage(ctx context.Context, name string) (string, error)

	// RequestSpot submits count one-time spot requests at bidTotal dollars
	// per instance-hour with the given fulfillment timeout, and returns the
	// provider request ids. Callers must persist the returned ids before
	// doing anything that can fail, so a crash cannot lose an issued bid.
	RequestSpot(ctx context.Context, bidTotal float64, spec LaunchSpec, count int, timeout time.Duration) ([]string, error)

	// CheckSpotRequests returns one outcome per request id, in input order.
	// Fulfilled outcomes have the given tags applied to the new instance as
	// a side effect.
	CheckSpotRequests(ctx context.Context, requestIDs []string, tags map[string]string) ([]SpotRequestOutcome, error)

	// Find returns the instances matching the filter together with their
	// raw 16-bit state codes and tags.
	Find(ctx context.Context, filter Filter) ([]Instance, error)

	// CreateTags applies tags to an existing instance.
	CreateTags(ctx context.Context, instanceID string, tags map[string]string) error

	// Terminate best-effort terminates the given instances.
	Terminate(ctx context.Context, instanceIDs []string) error
}

// LaunchSpec describes the boot image for a spot bid. It is assembled from
// the flattened pool configuration plus the merged raw config.
type LaunchSpec struct {
	ImageID        string
	InstanceType   string
	Zone           string
	KeyName        string
	SecurityGroups []string
	UserData       []byte

	// RawConfig carries free-form boot parameters merged from the pool
	// configuration. Recognized keys: "subnet_id", "instance_profile_arn",
	// "monitoring". Unrecognized keys are ignored.
	RawConfig map[string]string
}

// Filter selects provider instances for Find. Exactly one of Tags or
// InstanceIDs should be set.
type Filter struct {
	// Tags filters by tag equality, e.g. {"SpotManager-PoolId": "42"}.
	Tags map[string]string

	// InstanceIDs filters by explicit instance ids.
	InstanceIDs []string
}

// Instance is the provider's view of an instance.
type Instance struct {
	ID        string
	StateCode int // raw 16-bit code; strip the high byte before comparing
	Hostname  string
	Zone      string
	Tags      map[string]string
}

// OutcomeKind discriminates SpotRequestOutcome.
type OutcomeKind int

const (
	// OutcomePending means the request is still open with no instance yet.
	OutcomePending OutcomeKind = iota

	// OutcomeFulfilled means the provider assigned an instance.
	OutcomeFulfilled

	// OutcomeTerminal means the request ended without an instance
	// (state cancelled, closed or failed).
	OutcomeTerminal

	// OutcomeTransient means the request reported open/active status
	// synchronously; leave the record alone and re-check next tick.
	OutcomeTransient
)

// SpotRequestOutcome is the observed state of one spot request.
type SpotRequestOutcome struct {
	RequestID string
	Kind      OutcomeKind

	// Fulfilled fields.
	InstanceID string
	Hostname   string
	StateCode  int // raw code from the provider

	// Terminal / transient fields.
	State      string // cancelled, closed, failed, open, active
	StatusCode string // provider status code string, for diagnostics

	// InstanceType is taken from the request's launch specification and is
	// used to blacklist the (zone, type) pair on cancellation.
	InstanceType string
}
