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

package broker

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
)

// runScheduler is the single scheduler goroutine. It returns when ctx is
// cancelled. Operations run detached from ctx so that a cycle in progress
// is never cut short.
func (s *SchedulerState) runScheduler(ctx context.Context) {
	s.log.Info("Scheduler started")
	defer s.log.Info("Scheduler stopped")

	execCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Wake.C():
			s.Wake.consumed()
			s.cycle(execCtx)
		}
	}
}

// cycle drains both queues and runs every mutation before any query.
func (s *SchedulerState) cycle(ctx context.Context) {
	start := time.Now()

	mutations := s.Mutations.PopAll()
	queries := s.Queries.PopAll()

	metrics.ObserveBatchSize(metrics.QueueMutations, len(mutations))
	metrics.ObserveBatchSize(metrics.QueueQueries, len(queries))

	for _, op := range mutations {
		s.Protection.Apply(op)
	}

	for _, op := range mutations {
		s.executeMutation(ctx, op)
	}

	if len(mutations) > 0 {
		s.Registry.markAllPending()
	}

	for _, op := range queries {
		s.executeQuery(ctx, op)
	}

	now := time.Now()
	metrics.ObserveCycle(now.Sub(start))

	if s.onCycle != nil {
		s.onCycle(now)
	}

	if len(mutations)+len(queries) > 0 {
		s.log.Debugf("Cycle ran %d mutations and %d queries in %s", len(mutations), len(queries), now.Sub(start))
	}
}
