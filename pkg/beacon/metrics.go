// Copyright (c) The MeshBeacon Authors.
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

package beacon

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	passesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbeacon_sync_passes_total",
		Help: "Number of reconciliation passes, by result.",
	}, []string{"result"})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "meshbeacon_sync_pass_duration_seconds",
		Help: "Duration of reconciliation passes.",
		// Passes block on waypoint readiness, so the range is wide.
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	policiesDesired = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshbeacon_policies_desired",
		Help: "Number of enforcement objects compiled on the last pass.",
	})

	policiesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshbeacon_policies_rejected_total",
		Help: "Number of policy records rejected at compile time.",
	})
)

func init() {
	metrics.Registry.MustRegister(passesTotal, passDuration, policiesDesired, policiesRejected)
}

func observePass(err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	passesTotal.WithLabelValues(result).Inc()
	passDuration.Observe(elapsed.Seconds())
}

func observeCompile(compiled []client.Object) {
	desired := 0
	for _, object := range compiled {
		if object != nil {
			desired++
		}
	}
	policiesDesired.Set(float64(desired))
	policiesRejected.Add(float64(len(compiled) - desired))
}
