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

import "sync"

// Queue is an unbounded multi-producer, single-consumer operation queue.
// PopAll currently yields submission order; callers must not rely on it.
type Queue struct {
	items []*Operation
	mu    sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push never blocks.
func (q *Queue) Push(op *Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, op)
}

// PopAll takes the whole backlog.
func (q *Queue) PopAll() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
