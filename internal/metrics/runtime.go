// Copyright 2025 Tom Barlow
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

// Package metrics exposes Prometheus collectors for scheduler and
// persistence activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerTurns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_scheduler_turns_total",
			Help: "Total scheduler turns (work items executed)",
		},
	)

	workItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_work_items_total",
			Help: "Total work items executed by kind",
		},
		[]string{"kind"},
	)

	bookmarkResumptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_bookmark_resumptions_total",
			Help: "Total bookmark resumption attempts by result",
		},
		[]string{"result"},
	)

	liveInstances = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "baton_live_activity_instances",
			Help: "Number of live activity instances across all hosts",
		},
	)

	persistenceOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_persistence_operations_total",
			Help: "Total store commands by command and outcome",
		},
		[]string{"command", "outcome"},
	)
)

// RecordTurn increments the scheduler turn counter.
func RecordTurn() {
	schedulerTurns.Inc()
}

// RecordWorkItem increments the work-item counter for the given kind.
func RecordWorkItem(kind string) {
	workItems.WithLabelValues(kind).Inc()
}

// RecordBookmarkResumption increments the bookmark resumption counter.
// result should be one of: success, not_found, not_ready.
func RecordBookmarkResumption(result string) {
	bookmarkResumptions.WithLabelValues(result).Inc()
}

// InstanceCreated increments the live instance gauge.
func InstanceCreated() {
	liveInstances.Inc()
}

// InstanceCompleted decrements the live instance gauge.
func InstanceCompleted() {
	liveInstances.Dec()
}

// RecordPersistenceOp increments the store command counter.
// outcome should be "ok" or "error".
func RecordPersistenceOp(command, outcome string) {
	persistenceOps.WithLabelValues(command, outcome).Inc()
}
