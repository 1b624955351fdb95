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
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// driverSink sends MongoDB driver log messages to zap.
type driverSink struct {
	l *zap.SugaredLogger
}

// NewDriverSink returns a driver log sink that writes to the given logger.
//
// Driver info messages are logged at info level, more verbose ones at debug level.
func NewDriverSink(l *zap.Logger) options.LogSink {
	return &driverSink{
		l: l.WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
}

// Info implements options.LogSink.
func (s *driverSink) Info(level int, msg string, keysAndValues ...any) {
	if level <= 0 {
		s.l.Infow(msg, keysAndValues...)
		return
	}

	s.l.Debugw(msg, keysAndValues...)
}

// Error implements options.LogSink.
func (s *driverSink) Error(err error, msg string, keysAndValues ...any) {
	s.l.Errorw(msg, append(keysAndValues, zap.Error(err))...)
}

// check interfaces
var (
	_ options.LogSink = (*driverSink)(nil)
)
