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

// Package ec2info holds compile-time EC2 facts the pool manager needs:
// the vCPU count per instance type (for per-core price math), the set of
// supported regions, and the instance state code table.
package ec2info

// Instance state codes as reported by EC2. The provider sends 16-bit codes
// where the high byte is an opaque internal value; use StripStateCode before
// comparing against these.
//
// StateRequested is synthetic: it marks a local record that still holds a
// spot request id rather than an instance id. EC2 never returns it, so it is
// unambiguous with the stripped set.
const (
	StatePending      = 0
	StateRunning      = 16
	StateShuttingDown = 32
	StateTerminated   = 48
	StateStopping     = 64
	StateStopped      = 80
	StateRequested    = 256
)

// StripStateCode masks a provider-reported state code down to its low byte.
func StripStateCode(code int) int {
	return code & 0xFF
}

// KnownStateCode reports whether code is one of the documented stripped
// state codes (StateRequested excluded; it never comes from the provider).
func KnownStateCode(code int) bool {
	switch code {
	case StatePending, StateRunning, StateShuttingDown, StateTerminated, StateStopping, StateStopped:
		return true
	}
	return false
}

// StateName returns a human-readable name for a stripped state code, or
// "unknown" for codes outside the documented table.
func StateName(code int) string {
	switch code {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateRequested:
		return "requested"
	}
	return "unknown"
}

// Regions is the closed set of regions the pool manager supports. Pool
// configurations referencing regions outside this set are rejected at
// configuration time.
var Regions = []string{
	"ap-northeast-1",
	"ap-northeast-2",
	"ap-south-1",
	"ap-southeast-1",
	"ap-southeast-2",
	"ca-central-1",
	"eu-central-1",
	"eu-west-1",
	"eu-west-2",
	"eu-west-3",
	"sa-east-1",
	"us-east-1",
	"us-east-2",
	"us-west-1",
	"us-west-2",
}

// SupportedRegion reports whether region is in the supported set.
func SupportedRegion(region string) bool {
	for _, r := range Regions {
		if r == region {
			return true
		}
	}
	return false
}

// CoresPerInstance maps an instance type API name to its vCPU count.
// Data exported from https://ec2instances.info/ - values are embedded in the
// binary and do not change at runtime.
var CoresPerInstance = map[string]int{
	"c1.medium":    2,
	"c1.xlarge":    8,
	"c3.2xlarge":   8,
	"c3.4xlarge":   16,
	"c3.8xlarge":   32,
	"c3.large":     2,
	"c3.xlarge":    4,
	"c4.2xlarge":   8,
	"c4.4xlarge":   16,
	"c4.8xlarge":   36,
	"c4.large":     2,
	"c4.xlarge":    4,
	"c5.18xlarge":  72,
	"c5.2xlarge":   8,
	"c5.4xlarge":   16,
	"c5.9xlarge":   36,
	"c5.large":     2,
	"c5.xlarge":    4,
	"c5d.18xlarge": 72,
	"c5d.2xlarge":  8,
	"c5d.4xlarge":  16,
	"c5d.9xlarge":  36,
	"c5d.large":    2,
	"c5d.xlarge":   4,
	"cc2.8xlarge":  32,
	"cr1.8xlarge":  32,
	"d2.2xlarge":   8,
	"d2.4xlarge":   16,
	"d2.8xlarge":   36,
	"d2.xlarge":    4,
	"f1.16xlarge":  64,
	"f1.2xlarge":   8,
	"g2.2xlarge":   8,
	"g2.8xlarge":   32,
	"g3.16xlarge":  64,
	"g3.4xlarge":   16,
	"g3.8xlarge":   32,
	"h1.16xlarge":  64,
	"h1.2xlarge":   8,
	"h1.4xlarge":   16,
	"h1.8xlarge":   32,
	"hs1.8xlarge":  16,
	"i2.2xlarge":   8,
	"i2.4xlarge":   16,
	"i2.8xlarge":   32,
	"i2.xlarge":    4,
	"i3.16xlarge":  64,
	"i3.2xlarge":   8,
	"i3.4xlarge":   16,
	"i3.8xlarge":   32,
	"i3.large":     2,
	"i3.metal":     72,
	"i3.xlarge":    4,
	"m1.large":     2,
	"m1.medium":    1,
	"m1.small":     1,
	"m1.xlarge":    4,
	"m2.2xlarge":   4,
	"m2.4xlarge":   8,
	"m2.xlarge":    2,
	"m3.2xlarge":   8,
	"m3.large":     2,
	"m3.medium":    1,
	"m3.xlarge":    4,
	"m4.10xlarge":  40,
	"m4.16xlarge":  64,
	"m4.2xlarge":   8,
	"m4.4xlarge":   16,
	"m4.large":     2,
	"m4.xlarge":    4,
	"m5.12xlarge":  48,
	"m5.24xlarge":  96,
	"m5.2xlarge":   8,
	"m5.4xlarge":   16,
	"m5.large":     2,
	"m5.xlarge":    4,
	"m5d.12xlarge": 48,
	"m5d.24xlarge": 96,
	"m5d.2xlarge":  8,
	"m5d.4xlarge":  16,
	"m5d.large":    2,
	"m5d.xlarge":   4,
	"p2.16xlarge":  64,
	"p2.8xlarge":   32,
	"p2.xlarge":    4,
	"p3.16xlarge":  64,
	"p3.2xlarge":   8,
	"p3.8xlarge":   32,
	"r3.2xlarge":   8,
	"r3.4xlarge":   16,
	"r3.8xlarge":   32,
	"r3.large":     2,
	"r3.xlarge":    4,
	"r4.16xlarge":  64,
	"r4.2xlarge":   8,
	"r4.4xlarge":   16,
	"r4.8xlarge":   32,
	"r4.large":     2,
	"r4.xlarge":    4,
	"r5.12xlarge":  48,
	"r5.24xlarge":  96,
	"r5.2xlarge":   8,
	"r5.4xlarge":   16,
	"r5.large":     2,
	"r5.xlarge":    4,
	"r5d.12xlarge": 48,
	"r5d.24xlarge": 96,
	"r5d.2xlarge":  8,
	"r5d.4xlarge":  16,
	"r5d.large":    2,
	"r5d.xlarge":   4,
	"t1.micro":     1,
	"t2.2xlarge":   8,
	"t2.large":     2,
	"t2.medium":    2,
	"t2.micro":     1,
	"t2.nano":      1,
	"t2.small":     1,
	"t2.xlarge":    4,
	"x1.16xlarge":  64,
	"x1.32xlarge":  128,
	"x1e.16xlarge": 64,
	"x1e.2xlarge":  8,
	"x1e.32xlarge": 128,
	"x1e.4xlarge":  16,
	"x1e.8xlarge":  32,
	"x1e.xlarge":   4,
	"z1d.12xlarge": 48,
	"z1d.2xlarge":  8,
	"z1d.3xlarge":  12,
	"z1d.6xlarge":  24,
	"z1d.large":    2,
	"z1d.xlarge":   4,
}
