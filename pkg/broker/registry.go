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
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
	"github.com/united-manufacturing-hub/smartspace/pkg/query"
)

// Registry maps subscription ids to subscriptions. Every status change
// happens under its lock.
type Registry struct {
	subs   map[string]*Subscription
	log    *zap.SugaredLogger
	mu     sync.Mutex
	closed bool
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		subs: make(map[string]*Subscription),
		log:  log,
	}
}

// register adds an ONGOING subscription. Its id is "<owner>_<txID>", with
// txID incremented until the id is unused.
func (r *Registry) register(owner string, txID int, q query.Query, log *zap.SugaredLogger) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	id := subscriptionID(owner, txID)
	for {
		if _, taken := r.subs[id]; !taken {
			break
		}

		txID++
		id = subscriptionID(owner, txID)
	}

	sub := newSubscription(id, owner, txID, q, log.With("subscription", id))
	r.subs[id] = sub

	metrics.SetActiveSubscriptions(len(r.subs))

	return sub, nil
}

func subscriptionID(owner string, txID int) string {
	return fmt.Sprintf("%s_%d", owner, txID)
}

// stop marks the subscription STOPPED. The entry stays until its worker
// tears it down.
func (r *Registry) stop(id string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}

	r.stopLocked(sub)

	return sub, nil
}

func (r *Registry) stopLocked(sub *Subscription) {
	if err := sub.fsm.Stop(); err != nil {
		r.log.Errorf("Failed to stop subscription %s: %s", sub.id, err)
	}

	sub.stopOnce.Do(func() { close(sub.stopped) })
}

// closeAll stops every subscription and refuses new ones. It returns the
// stopped subscriptions so the caller can wait for their teardown.
func (r *Registry) closeAll() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		r.stopLocked(sub)
		subs = append(subs, sub)
	}

	return subs
}

// teardown removes the entry, drops its snapshot and acknowledges the
// unsubscribe. Only the owning worker, or Subscribe for a failed baseline,
// calls it.
func (r *Registry) teardown(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.subs[sub.id]; ok && current == sub {
		delete(r.subs, sub.id)
	}

	sub.triples = nil
	sub.nodes = nil

	sub.ackOnce.Do(func() { close(sub.ack) })

	metrics.SetActiveSubscriptions(len(r.subs))
}

// status copies out the current state of sub.
func (r *Registry) status(sub *Subscription) (stopped, pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return sub.fsm.IsStopped(), sub.fsm.IsPending()
}

// markAllPending is run after every non-empty mutation batch.
func (r *Registry) markAllPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		if err := sub.fsm.MarkPending(); err != nil {
			r.log.Errorf("Failed to mark subscription %s pending: %s", sub.id, err)
		}
	}
}

// markOngoing is run after a successful continuation. STOPPED stays.
func (r *Registry) markOngoing(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := sub.fsm.MarkOngoing(); err != nil {
		r.log.Errorf("Failed to mark subscription %s ongoing: %s", sub.id, err)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs)
}

// SubscriptionInfo describes a live subscription.
type SubscriptionInfo struct {
	CreatedAt   time.Time `json:"createdAt"`
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Status      string    `json:"status"`
	Shape       string    `json:"shape"`
	Digest      string    `json:"digest"`
	Seq         int64     `json:"seq"`
	Indications int64     `json:"indications"`
}

// Infos lists live subscriptions ordered by id.
func (r *Registry) Infos() []SubscriptionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SubscriptionInfo, 0, len(r.subs))
	for _, sub := range r.subs {
		infos = append(infos, SubscriptionInfo{
			ID:          sub.id,
			Owner:       sub.owner,
			Status:      sub.fsm.GetCurrentFSMState(),
			Shape:       sub.shape.String(),
			Digest:      fmt.Sprintf("%016x", sub.digest.Load()),
			Seq:         sub.seq.Load(),
			Indications: sub.indications.Load(),
			CreatedAt:   sub.createdAt,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}
