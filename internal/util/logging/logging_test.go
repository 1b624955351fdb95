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

package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	for _, f := range Formats {
		l, err := NewLogger(zap.InfoLevel, f)
		require.NoError(t, err, f)
		assert.True(t, l.Core().Enabled(zap.InfoLevel))
		assert.False(t, l.Core().Enabled(zap.DebugLevel))
	}

	_, err := NewLogger(zap.InfoLevel, "xml")
	assert.Error(t, err)
}

func TestDriverSink(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewDriverSink(zap.New(core))

	sink.Info(0, "Command started", "commandName", "find", "databaseName", "test")
	sink.Info(1, "Server heartbeat started", "serverHost", "localhost")
	sink.Error(errors.New("boom"), "Command failed", "commandName", "insert")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "Command started", entries[0].Message)
	assert.Equal(t, map[string]any{"commandName": "find", "databaseName": "test"}, entries[0].ContextMap())

	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, map[string]any{"commandName": "insert", "error": "boom"}, entries[2].ContextMap())
}
