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


package fsm

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Subscription states.
const (
	// SubscriptionStateOngoing means the last evaluation reflects the store.
	SubscriptionStateOngoing = "ongoing"
	// SubscriptionStatePending means a mutation batch ran since the last evaluation.
	SubscriptionStatePending = "pending"
	// SubscriptionStateStopped is terminal.
	SubscriptionStateStopped = "stopped"
)

// Subscription events.
const (
	SubscriptionEventMarkPending = "mark_pending"
	SubscriptionEventMarkOngoing = "mark_ongoing"
	SubscriptionEventStop        = "stop"
)

// SubscriptionFSM tracks the ONGOING / PENDING / STOPPED status of one
// subscription. Once stopped no event moves it again.
type SubscriptionFSM struct {
	*BaseFSMInstance
}

func NewSubscriptionFSM(id string, logger *zap.SugaredLogger) *SubscriptionFSM {
	base := NewBaseFSMInstance(BaseFSMInstanceConfig{
		ID:           id,
		InitialState: SubscriptionStateOngoing,
		Transitions: []fsm.EventDesc{
			{Name: SubscriptionEventMarkPending, Src: []string{SubscriptionStateOngoing, SubscriptionStatePending}, Dst: SubscriptionStatePending},
			{Name: SubscriptionEventMarkOngoing, Src: []string{SubscriptionStatePending, SubscriptionStateOngoing}, Dst: SubscriptionStateOngoing},
			{Name: SubscriptionEventStop, Src: []string{SubscriptionStateOngoing, SubscriptionStatePending}, Dst: SubscriptionStateStopped},
		},
	}, logger)

	base.OnEnter(SubscriptionStateStopped, func(_ context.Context, e *fsm.Event) {
		base.logger.Infof("Subscription %s stopped while %s", id, e.Src)
	})

	return &SubscriptionFSM{BaseFSMInstance: base}
}

func (s *SubscriptionFSM) MarkPending() error {
	return s.send(SubscriptionEventMarkPending)
}

func (s *SubscriptionFSM) MarkOngoing() error {
	return s.send(SubscriptionEventMarkOngoing)
}

func (s *SubscriptionFSM) Stop() error {
	return s.send(SubscriptionEventStop)
}

func (s *SubscriptionFSM) IsStopped() bool {
	return s.GetCurrentFSMState() == SubscriptionStateStopped
}

func (s *SubscriptionFSM) IsPending() bool {
	return s.GetCurrentFSMState() == SubscriptionStatePending
}

func (s *SubscriptionFSM) send(event string) error {
	err := s.SendEvent(context.Background(), event)
	if IsIgnorableTransitionError(err) {
		return nil
	}

	return fmt.Errorf("failed to send %s to subscription %s: %w", event, s.GetID(), err)
}
