// Copyright 2025 The gVisor Authors.
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

package log

import (
	"time"

	"golang.org/x/time/rate"
)

// limited drops messages beyond the rate its limiter allows. All levels
// share one budget.
type limited struct {
	next  Logger
	limit *rate.Limiter
}

func (l *limited) Debugf(format string, v ...any) {
	if l.next.IsLogging(Debug) && l.limit.Allow() {
		l.next.Debugf(format, v...)
	}
}

func (l *limited) Infof(format string, v ...any) {
	if l.next.IsLogging(Info) && l.limit.Allow() {
		l.next.Infof(format, v...)
	}
}

func (l *limited) Warningf(format string, v ...any) {
	if l.limit.Allow() {
		l.next.Warningf(format, v...)
	}
}

func (l *limited) IsLogging(level Level) bool {
	return l.next.IsLogging(level)
}

// global resolves the global logger on every call, so that loggers built
// during package initialization follow SetTarget.
type global struct{}

func (global) Debugf(format string, v ...any)   { Log().DebugfAtDepth(2, format, v...) }
func (global) Infof(format string, v ...any)    { Log().InfofAtDepth(2, format, v...) }
func (global) Warningf(format string, v ...any) { Log().WarningfAtDepth(2, format, v...) }
func (global) IsLogging(level Level) bool       { return Log().IsLogging(level) }

// BasicRateLimitedLogger returns a Logger writing to the global logger at
// most once every interval.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(global{}, every)
}

// RateLimitedLogger returns a Logger writing to next at most once every
// interval.
func RateLimitedLogger(next Logger, every time.Duration) Logger {
	return &limited{
		next:  next,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}
