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

package opmetrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/event"
)

func TestObserve(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	m.Observe("users", "read", time.Millisecond, "ok")
	m.Observe("users", "read", time.Millisecond, "ok")
	m.Observe("users", "createOne", time.Millisecond, "duplicate_key")
	m.Observe("posts", "count", time.Millisecond, "ok")

	expected := map[string]map[string]OperationMetrics{
		"users": {
			"read":      {Total: 2},
			"createOne": {Total: 1, Failures: map[string]int{"duplicate_key": 1}},
		},
		"posts": {
			"count": {Total: 1},
		},
	}
	assert.Equal(t, expected, m.GetOperations())

	assert.Equal(t, 3, testutil.CollectAndCount(m.Durations))
}

func TestRegister(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.Observe("users", "read", time.Millisecond, "ok")

	r := prometheus.NewPedanticRegistry()
	require.NoError(t, r.Register(m))

	expected := `
		# HELP mongots_operations_total Total number of collection operations.
		# TYPE mongots_operations_total counter
		mongots_operations_total{collection="users",operation="read",result="ok"} 1
	`
	err := testutil.GatherAndCompare(r, strings.NewReader(expected), "mongots_operations_total")
	require.NoError(t, err)
}

func TestCommandMonitor(t *testing.T) {
	t.Parallel()

	m := NewMetrics()

	var started, succeeded, failed int

	next := &event.CommandMonitor{
		Started:   func(context.Context, *event.CommandStartedEvent) { started++ },
		Succeeded: func(context.Context, *event.CommandSucceededEvent) { succeeded++ },
		Failed:    func(context.Context, *event.CommandFailedEvent) { failed++ },
	}

	cm := m.CommandMonitor(next)
	ctx := context.Background()

	cm.Started(ctx, &event.CommandStartedEvent{CommandName: "find"})
	cm.Succeeded(ctx, &event.CommandSucceededEvent{CommandFinishedEvent: event.CommandFinishedEvent{CommandName: "find"}})
	cm.Failed(ctx, &event.CommandFailedEvent{CommandFinishedEvent: event.CommandFinishedEvent{CommandName: "insert"}})

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Commands.WithLabelValues("find", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Commands.WithLabelValues("insert", "failed")))

	// nil next is allowed
	cm = m.CommandMonitor(nil)
	cm.Started(ctx, &event.CommandStartedEvent{CommandName: "ping"})
	cm.Succeeded(ctx, &event.CommandSucceededEvent{CommandFinishedEvent: event.CommandFinishedEvent{CommandName: "ping"}})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Commands.WithLabelValues("ping", "ok")))
}
