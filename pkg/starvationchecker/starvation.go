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

package starvationchecker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/constants"
	"github.com/united-manufacturing-hub/smartspace/pkg/logger"
	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/sentry"
)

// Backlog exposes how long the scheduler has owed a cycle.
type Backlog interface {
	// PendingSince returns when the oldest unanswered wake was raised, or
	// the zero time when the scheduler is caught up.
	PendingSince() time.Time
	// Parked returns the number of operations waiting in the query queue.
	Parked() int
}

// StarvationChecker detects periods in which the scheduler owes a cycle but
// does not run one.
//
// The scheduler is event-driven, so a long gap between cycles alone is not
// starvation. Only a wake that stays unanswered past the threshold is
// reported: the time is added to the starvation metric and a warning goes
// to sentry.
type StarvationChecker struct {
	lastCycleTime       time.Time
	backlog             Backlog
	ctx                 context.Context //nolint:containedctx // background service lifecycle
	logger              *zap.SugaredLogger
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	starvationThreshold time.Duration
	interval            time.Duration
	mutex               sync.RWMutex
}

// NewStarvationChecker starts a background goroutine that inspects backlog
// every constants.StarvationCheckInterval. It must be stopped with Stop.
func NewStarvationChecker(threshold time.Duration, backlog Backlog) *StarvationChecker {
	return newStarvationChecker(threshold, constants.StarvationCheckInterval, backlog)
}

func newStarvationChecker(threshold, interval time.Duration, backlog Backlog) *StarvationChecker {
	ctx, cancel := context.WithCancel(context.Background())
	checker := &StarvationChecker{
		starvationThreshold: threshold,
		interval:            interval,
		backlog:             backlog,
		lastCycleTime:       time.Now(),
		logger:              logger.For(logger.ComponentStarvationChecker),
		ctx:                 ctx,
		cancel:              cancel,
	}

	checker.wg.Add(1)

	go checker.checkStarvationLoop()

	checker.logger.Infof("Starvation checker created with threshold %s", threshold)

	return checker
}

func (s *StarvationChecker) checkStarvationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

// check reports starvation once per tick and returns the starved duration,
// or zero when the scheduler is healthy.
func (s *StarvationChecker) check() time.Duration {
	since := s.backlog.PendingSince()
	if since.IsZero() {
		s.logger.Debugf("Scheduler is idle, last cycle was %.2f seconds ago", time.Since(s.GetLastCycleTime()).Seconds())

		return 0
	}

	waiting := time.Since(since)
	if waiting <= s.starvationThreshold {
		return 0
	}

	metrics.AddStarvationTime(waiting.Seconds())
	sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger,
		"[StarvationChecker.check] Scheduler starvation detected: wake pending for %.2f seconds, %d queries parked, last cycle %.2f seconds ago",
		waiting.Seconds(), s.backlog.Parked(), time.Since(s.GetLastCycleTime()).Seconds())

	return waiting
}

// Stop terminates the background checker.
func (s *StarvationChecker) Stop() {
	s.logger.Info("Stopping starvation checker")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Starvation checker stopped")
}

// UpdateLastCycleTime records the end of a scheduler cycle. It matches the
// broker's cycle hook.
func (s *StarvationChecker) UpdateLastCycleTime(t time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastCycleTime = t
}

// GetLastCycleTime returns the end of the most recent scheduler cycle.
func (s *StarvationChecker) GetLastCycleTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastCycleTime
}
