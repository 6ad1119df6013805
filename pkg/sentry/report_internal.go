// Copyright 2025 UMH Systems GmbH
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

package sentry

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const debounceWindow = 2 * time.Hour

// debouncer lets one event per window through.
type debouncer struct {
	mu       sync.Mutex
	lastSent time.Time
}

func (d *debouncer) allow() bool {
	if !shouldDebounceErrors {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Since(d.lastSent) < debounceWindow {
		return false
	}

	d.lastSent = time.Now()

	return true
}

var (
	errorDebouncer   = &debouncer{}
	warningDebouncer = &debouncer{}
)

func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("The broker has encountered a fatal error and will now terminate.")
	log.Errorf("Error: %s", err)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	sendSentryEvent(createSentryEventWithContext(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)

	log.Panic("Fatal error")
}

func reportError(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error(err)

	if !errorDebouncer.allow() {
		return
	}

	sendSentryEvent(createSentryEventWithContext(sentry.LevelError, err, context))
}

func reportWarning(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Warn(err)

	if !warningDebouncer.allow() {
		return
	}

	sendSentryEvent(createSentryEventWithContext(sentry.LevelWarning, err, context))
}
