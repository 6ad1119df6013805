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
	"sync/atomic"
	"time"
)

// WakeSignal is an edge-triggered flag. Any number of Signal calls between
// two receives collapse into one wake.
type WakeSignal struct {
	ch chan struct{}
	// since is the unix nano time of the oldest unconsumed signal, 0 if none.
	since atomic.Int64
}

func NewWakeSignal() *WakeSignal {
	return &WakeSignal{ch: make(chan struct{}, 1)}
}

func (w *WakeSignal) Signal() {
	w.since.CompareAndSwap(0, time.Now().UnixNano())

	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C fires once per collapsed group of signals. The receive clears the flag.
func (w *WakeSignal) C() <-chan struct{} {
	return w.ch
}

// consumed is called by the scheduler right after receiving from C.
func (w *WakeSignal) consumed() {
	w.since.Store(0)
}

// PendingSince returns when the oldest unconsumed signal was raised, or
// the zero time.
func (w *WakeSignal) PendingSince() time.Time {
	ns := w.since.Load()
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}
