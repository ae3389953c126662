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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spotmgr/spotmgr/internal/cache"
	"github.com/spotmgr/spotmgr/internal/controller"
	"github.com/spotmgr/spotmgr/internal/store"
	"github.com/spotmgr/spotmgr/pkg/ec2info"
	"github.com/spotmgr/spotmgr/pkg/metrics"
)

var _ = Describe("pool lifecycle", func() {
	var (
		ctx        context.Context
		db         *store.SQLiteStore
		priceCache *cache.MemoryClient
		provider   *scriptedProvider
		reconciler *controller.PoolReconciler
		pool       *store.Pool
	)

	tick := func() {
		GinkgoHelper()
		Expect(reconciler.Reconcile(ctx, pool.ID)).To(Succeed())
	}

	liveCores := func() int {
		GinkgoHelper()
		instances, err := db.Instances(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		cores := 0
		for _, instance := range instances {
			switch instance.StatusCode {
			case ec2info.StateRequested, ec2info.StatePending, ec2info.StateRunning:
				cores += instance.Size
			}
		}
		return cores
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		db, err = store.OpenSQLite(":memory:")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = db.Close() })

		priceCache = cache.NewMemoryClient()
		priceCache.SetPriceData("c4.xlarge", cache.PriceData{
			"us-east-1": {"us-east-1a": {0.05, 0.06, 0.05}},
		})
		provider = newScriptedProvider("us-east-1")

		m := metrics.NewMetrics(prometheus.NewRegistry())
		log := logr.Discard()
		status := controller.NewStatusReporter(log, db, m)
		reconciler = controller.NewPoolReconciler(log, db, priceCache, provider,
			status, controller.NewLockDir(GinkgoT().TempDir()), m)

		now := time.Now()
		pool = &store.Pool{
			Name:       "fuzzing",
			Enabled:    true,
			LastCycled: &now,
			Config: store.PoolConfig{
				Size:           8,
				CycleInterval:  86400,
				AllowedRegions: []string{"us-east-1"},
				InstanceTypes:  []string{"c4.xlarge"},
				MaxPrice:       0.10,
				ImageName:      "pool-base",
			},
		}
		Expect(db.CreatePool(ctx, pool)).To(Succeed())
	})

	It("walks bids from requested through running to cycled and back", func() {
		By("issuing bids on the first tick")
		tick()
		instances, err := db.Instances(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(instances).To(HaveLen(2))
		for _, instance := range instances {
			Expect(instance.StatusCode).To(Equal(ec2info.StateRequested))
		}

		By("absorbing fulfillment on the second tick")
		tick()
		instances, err = db.Instances(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(instances).To(HaveLen(2))
		for _, instance := range instances {
			Expect(instance.StatusCode).To(Equal(ec2info.StatePending))
			Expect(instance.ProviderID).To(HavePrefix("i-"))
			Expect(instance.Hostname).NotTo(BeEmpty())
		}

		By("observing the boot to running")
		provider.region("us-east-1").boot()
		tick()
		Expect(liveCores()).To(Equal(8))
		Expect(provider.region("us-east-1").runningCount()).To(Equal(2))

		By("staying idempotent in steady state")
		tick()
		Expect(liveCores()).To(Equal(8))

		By("terminating everything when the cycle interval lapses")
		stale := time.Now().Add(-87000 * time.Second)
		refreshed, err := db.Pool(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		refreshed.LastCycled = &stale
		Expect(db.SavePool(ctx, refreshed)).To(Succeed())
		tick()
		Expect(provider.region("us-east-1").runningCount()).To(BeZero())

		By("reaping the cycled instances and rebidding on the next tick")
		tick()
		instances, err = db.Instances(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(instances).To(HaveLen(2))
		for _, instance := range instances {
			Expect(instance.StatusCode).To(Equal(ec2info.StateRequested))
		}
	})

	It("blacklists the zone when the provider cancels the bids", func() {
		tick()
		provider.region("us-east-1").cancelOpenRequests()
		tick()

		listed, err := priceCache.IsBlacklisted(ctx, "us-east-1a", "c4.xlarge")
		Expect(err).NotTo(HaveOccurred())
		Expect(listed).To(BeTrue())

		instances, err := db.Instances(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(instances).To(BeEmpty())

		By("recording price-too-low since the only zone is now excluded")
		entries, err := db.StatusEntries(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Type).To(Equal(store.StatusPriceTooLow))
	})

	It("drains a disabled pool and refills it when re-enabled", func() {
		tick()
		tick()
		provider.region("us-east-1").boot()
		tick()
		Expect(liveCores()).To(Equal(8))

		By("draining after disable")
		refreshed, err := db.Pool(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		refreshed.Enabled = false
		Expect(db.SavePool(ctx, refreshed)).To(Succeed())
		tick()
		Expect(provider.region("us-east-1").runningCount()).To(BeZero())
		tick()
		instances, err := db.Instances(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(instances).To(BeEmpty())

		By("scaling back up after re-enable")
		provider.region("us-east-1").reap()
		refreshed, err = db.Pool(ctx, pool.ID)
		Expect(err).NotTo(HaveOccurred())
		refreshed.Enabled = true
		Expect(db.SavePool(ctx, refreshed)).To(Succeed())
		tick()
		tick()
		provider.region("us-east-1").boot()
		tick()
		Expect(liveCores()).To(Equal(8))
	})
})
