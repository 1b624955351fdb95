// Copyright 2021 FerretDB Inc.
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

// Package opmetrics provides collection operation and driver command metrics.
package opmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.mongodb.org/mongo-driver/event"

	"github.com/alexcorvi/mongots/internal/util/must"
)

const (
	namespace = "mongots"
	subsystem = ""
)

// Metrics represents collection operation metrics.
type Metrics struct {
	Operations *prometheus.CounterVec
	Durations  *prometheus.HistogramVec
	Commands   *prometheus.CounterVec
}

// OperationMetrics represents results of a single operation kind.
type OperationMetrics struct {
	Failures map[string]int // count by result; no "ok" there
	Total    int            // both ok and failures
}

// NewMetrics creates operation metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operations_total",
				Help:      "Total number of collection operations.",
			},
			[]string{"collection", "operation", "result"},
		),
		Durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Collection operation durations.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"collection", "operation"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "driver",
				Name:      "commands_total",
				Help:      "Total number of commands sent by the driver.",
			},
			[]string{"command", "result"},
		),
	}
}

// Observe records a finished operation.
func (m *Metrics) Observe(collection, operation string, d time.Duration, result string) {
	m.Operations.WithLabelValues(collection, operation, result).Inc()
	m.Durations.WithLabelValues(collection, operation).Observe(d.Seconds())
}

// CommandMonitor returns a driver command monitor that counts commands
// and then calls next's callbacks, if next is not nil.
func (m *Metrics) CommandMonitor(next *event.CommandMonitor) *event.CommandMonitor {
	return &event.CommandMonitor{
		Started: func(ctx context.Context, e *event.CommandStartedEvent) {
			if next != nil && next.Started != nil {
				next.Started(ctx, e)
			}
		},
		Succeeded: func(ctx context.Context, e *event.CommandSucceededEvent) {
			m.Commands.WithLabelValues(e.CommandName, "ok").Inc()

			if next != nil && next.Succeeded != nil {
				next.Succeeded(ctx, e)
			}
		},
		Failed: func(ctx context.Context, e *event.CommandFailedEvent) {
			m.Commands.WithLabelValues(e.CommandName, "failed").Inc()

			if next != nil && next.Failed != nil {
				next.Failed(ctx, e)
			}
		},
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Operations.Describe(ch)
	m.Durations.Describe(ch)
	m.Commands.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Operations.Collect(ch)
	m.Durations.Collect(ch)
	m.Commands.Collect(ch)
}

// GetOperations returns a map with all operation metrics:
//
// collection (e.g. "users") ->
// operation (e.g. "read", "updateMany") ->
// results.
func (m *Metrics) GetOperations() map[string]map[string]OperationMetrics {
	metrics := make(chan prometheus.Metric)
	go func() {
		m.Operations.Collect(metrics)
		close(metrics)
	}()

	res := map[string]map[string]OperationMetrics{}

	for pm := range metrics {
		var content dto.Metric
		must.NoError(pm.Write(&content))

		var collection, operation, result string
		for _, label := range content.GetLabel() {
			switch label.GetName() {
			case "collection":
				collection = label.GetValue()
			case "operation":
				operation = label.GetValue()
			case "result":
				result = label.GetValue()
			default:
				panic(fmt.Sprintf("%s is not a valid label. Allowed: [collection, operation, result]", label.GetName()))
			}
		}

		if _, ok := res[collection]; !ok {
			res[collection] = map[string]OperationMetrics{}
		}

		om := res[collection][operation]

		v := int(content.GetCounter().GetValue())
		om.Total += v

		if result != "ok" {
			if om.Failures == nil {
				om.Failures = map[string]int{}
			}
			om.Failures[result] += v
		}

		res[collection][operation] = om
	}

	return res
}

// check interfaces
var (
	_ prometheus.Collector = (*Metrics)(nil)
)
