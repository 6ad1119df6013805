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
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// BaseFSMInstance wraps a looplab FSM with per-state enter callbacks. Every
// transition is logged at debug level.
type BaseFSMInstance struct {
	fsm    *fsm.FSM
	logger *zap.SugaredLogger
	// enter maps a destination state to its callback.
	enter map[string]fsm.Callback
	id    string
	mu    sync.RWMutex
}

// BaseFSMInstanceConfig holds parameters for setting up the base FSM.
type BaseFSMInstanceConfig struct {
	ID           string
	InitialState string
	Transitions  []fsm.EventDesc
}

func NewBaseFSMInstance(cfg BaseFSMInstanceConfig, logger *zap.SugaredLogger) *BaseFSMInstance {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &BaseFSMInstance{
		id:     cfg.ID,
		enter:  make(map[string]fsm.Callback),
		logger: logger,
	}

	s.fsm = fsm.NewFSM(
		cfg.InitialState,
		fsm.Events(cfg.Transitions),
		fsm.Callbacks{
			"enter_state": s.onEnter,
		},
	)

	return s
}

func (s *BaseFSMInstance) onEnter(ctx context.Context, e *fsm.Event) {
	s.logger.Debugf("%s: %s -> %s (%s)", s.id, e.Src, e.Dst, e.Event)

	s.mu.RLock()
	cb, ok := s.enter[e.Dst]
	s.mu.RUnlock()

	if ok {
		cb(ctx, e)
	}
}

// OnEnter registers cb to run whenever state is entered.
func (s *BaseFSMInstance) OnEnter(state string, cb fsm.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enter[state] = cb
}

// GetCurrentFSMState returns the current state of the FSM
func (s *BaseFSMInstance) GetCurrentFSMState() string {
	return s.fsm.Current()
}

// SendEvent sends an event to the FSM. A cancelled context is rejected
// before the transition starts.
func (s *BaseFSMInstance) SendEvent(ctx context.Context, eventName string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return s.fsm.Event(ctx, eventName, args...)
}

func (s *BaseFSMInstance) GetID() string {
	return s.id
}

// IsIgnorableTransitionError reports errors that mean "nothing to do":
// the FSM is already in the target state, or the event does not apply to
// the current state.
func IsIgnorableTransitionError(err error) bool {
	if err == nil {
		return true
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return true
	}

	var invalidEvent fsm.InvalidEventError

	return errors.As(err, &invalidEvent)
}
