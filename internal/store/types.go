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

package store

import (
	"fmt"
	"time"

	"github.com/spotmgr/spotmgr/pkg/ec2info"
)

// Pool is a declarative fleet specification plus its observed instances.
// Pools are created and deleted by an external interface; the reconciler
// only flips LastCycled and drains disabled pools.
type Pool struct {
	ID      int64
	Name    string
	Enabled bool

	// LastCycled is nil until the pool is cycled for the first time. Nil
	// or older than the cycle interval triggers a full recycle.
	LastCycled *time.Time

	// Config is the already-flattened pool configuration. Flattening and
	// inheritance are handled by an external collaborator.
	Config PoolConfig
}

// PoolConfig is a flattened pool configuration.
type PoolConfig struct {
	// Size is the target core count.
	Size int `json:"size"`

	// CycleInterval is the recycle period in seconds.
	CycleInterval int64 `json:"cycle_interval"`

	// AllowedRegions restricts where instances may run.
	AllowedRegions []string `json:"ec2_allowed_regions"`

	// InstanceTypes is an ordered preference list; every entry must appear
	// in ec2info.CoresPerInstance.
	InstanceTypes []string `json:"ec2_instance_types"`

	// MaxPrice is the bid ceiling in dollars per core per hour.
	MaxPrice float64 `json:"ec2_max_price"`

	KeyName        string            `json:"ec2_key_name"`
	ImageName      string            `json:"ec2_image_name"`
	SecurityGroups []string          `json:"ec2_security_groups"`
	Tags           map[string]string `json:"ec2_tags"`
	UserData       []byte            `json:"ec2_userdata"`
	UserDataMacros map[string]string `json:"ec2_userdata_macros"`

	// RawConfig is merged into the boot image descriptor as-is.
	RawConfig map[string]string `json:"ec2_raw_config"`

	// Cyclic is set by the external flattener when the configuration
	// inheritance chain contains a loop. A cyclic configuration freezes
	// the pool with a config-error entry.
	Cyclic bool `json:"cyclic"`
}

// MissingParameters returns the list of configuration problems that must be
// fixed before the pool can be reconciled. Empty means the configuration is
// complete.
func (c *PoolConfig) MissingParameters() []string {
	var missing []string
	if c.Size <= 0 {
		missing = append(missing, "size")
	}
	if c.CycleInterval <= 0 {
		missing = append(missing, "cycle_interval")
	}
	if len(c.AllowedRegions) == 0 {
		missing = append(missing, "ec2_allowed_regions")
	}
	for _, region := range c.AllowedRegions {
		if !ec2info.SupportedRegion(region) {
			missing = append(missing, fmt.Sprintf("ec2_allowed_regions: unsupported region %q", region))
		}
	}
	if len(c.InstanceTypes) == 0 {
		missing = append(missing, "ec2_instance_types")
	}
	for _, typ := range c.InstanceTypes {
		if _, ok := ec2info.CoresPerInstance[typ]; !ok {
			missing = append(missing, fmt.Sprintf("ec2_instance_types: unknown type %q", typ))
		}
	}
	if c.MaxPrice <= 0 {
		missing = append(missing, "ec2_max_price")
	}
	if c.ImageName == "" {
		missing = append(missing, "ec2_image_name")
	}
	return missing
}

// Instance is a local record of one spot request or instance.
type Instance struct {
	ID     int64
	PoolID int64

	// ProviderID holds the spot request id while StatusCode is
	// StateRequested, and the instance id afterwards.
	ProviderID string

	Region   string
	Zone     string
	Hostname string

	// Size is the instance's core count, fixed at creation from
	// ec2info.CoresPerInstance.
	Size int

	// StatusCode is a stripped state code, or the synthetic
	// ec2info.StateRequested.
	StatusCode int

	Created time.Time
}

// StatusType enumerates pool status entry kinds.
type StatusType string

const (
	StatusPriceTooLow      StatusType = "price-too-low"
	StatusConfigError      StatusType = "config-error"
	StatusUnclassified     StatusType = "unclassified"
	StatusMaxSpotExceeded  StatusType = "max-spot-instance-count-exceeded"
	StatusTemporaryFailure StatusType = "temporary-failure"
)

// PoolStatusEntry describes an out-of-band condition on a pool. A pool with
// any critical entry is frozen until the entry is cleared by an operator.
type PoolStatusEntry struct {
	ID       int64
	PoolID   int64
	Type     StatusType
	Critical bool
	Msg      string
	Created  time.Time
}

// PoolUptimeDetailedEntry is one statistics sample: target vs observed
// capacity within a sampling window.
type PoolUptimeDetailedEntry struct {
	ID      int64
	PoolID  int64
	Target  int
	Actual  int
	Created time.Time
}

// PoolUptimeAccumulatedEntry is a per-day aggregate of detailed entries.
type PoolUptimeAccumulatedEntry struct {
	ID               int64
	PoolID           int64
	UptimePercentage float64
	AccumulatedCount int
	Created          time.Time
}
