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

package ec2info

import "testing"

// TestStripStateCode verifies the high byte of a provider state code is
// discarded before comparison.
func TestStripStateCode(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 0},
		{16, 16},
		{0x110, 0x10},  // high byte set -> running
		{0x130, 0x30},  // high byte set -> shutting-down
		{256, 0},       // synthetic requested value maps to pending once stripped
		{0xFF30, 0x30}, // multiple opaque high bits
	}

	for _, c := range cases {
		if got := StripStateCode(c.in); got != c.want {
			t.Errorf("StripStateCode(%#x) = %#x, want %#x", c.in, got, c.want)
		}
	}
}

func TestKnownStateCode(t *testing.T) {
	for _, code := range []int{0, 16, 32, 48, 64, 80} {
		if !KnownStateCode(code) {
			t.Errorf("expected state code %d to be known", code)
		}
	}

	// Requested is synthetic and must never be accepted as a provider code.
	if KnownStateCode(StateRequested) {
		t.Error("requested (256) must not be a known provider code")
	}

	for _, code := range []int{1, 17, 255, 96} {
		if KnownStateCode(code) {
			t.Errorf("expected state code %d to be unknown", code)
		}
	}
}

func TestStateName(t *testing.T) {
	if got := StateName(StateRunning); got != "running" {
		t.Errorf("StateName(16) = %q, want running", got)
	}
	if got := StateName(StateRequested); got != "requested" {
		t.Errorf("StateName(256) = %q, want requested", got)
	}
	if got := StateName(97); got != "unknown" {
		t.Errorf("StateName(97) = %q, want unknown", got)
	}
}

// TestCoresPerInstanceSanity spot-checks the embedded table and verifies
// every value is a positive core count.
func TestCoresPerInstanceSanity(t *testing.T) {
	spot := map[string]int{
		"c4.large":    2,
		"c4.xlarge":   4,
		"m1.small":    1,
		"x1.32xlarge": 128,
		"z1d.3xlarge": 12,
	}
	for typ, want := range spot {
		if got := CoresPerInstance[typ]; got != want {
			t.Errorf("CoresPerInstance[%q] = %d, want %d", typ, got, want)
		}
	}

	for typ, cores := range CoresPerInstance {
		if cores <= 0 {
			t.Errorf("CoresPerInstance[%q] = %d, want > 0", typ, cores)
		}
	}
}

func TestSupportedRegion(t *testing.T) {
	if !SupportedRegion("us-east-1") {
		t.Error("us-east-1 should be supported")
	}
	if SupportedRegion("mars-north-1") {
		t.Error("mars-north-1 should not be supported")
	}
}
