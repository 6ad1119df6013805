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

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/metrics"
)

type member struct {
	joinedAt time.Time
	subs     map[string]struct{}
	protocol string
}

// Membership tracks joined KPs and the subscriptions they own.
type Membership struct {
	kps         map[string]*member
	constraint  *semver.Constraints
	log         *zap.SugaredLogger
	mu          sync.Mutex
	requireJoin bool
}

// NewMembership parses the supported protocol constraint. An empty
// constraint accepts every version.
func NewMembership(supportedProtocols string, requireJoin bool, log *zap.SugaredLogger) (*Membership, error) {
	m := &Membership{
		kps:         make(map[string]*member),
		requireJoin: requireJoin,
		log:         log,
	}

	if supportedProtocols != "" {
		c, err := semver.NewConstraint(supportedProtocols)
		if err != nil {
			return nil, fmt.Errorf("failed to parse supported protocols %q: %w", supportedProtocols, err)
		}

		m.constraint = c
	}

	return m, nil
}

// Join admits kp. An empty protocol version skips the version check.
func (m *Membership) Join(kp, protocol string) error {
	if protocol != "" && m.constraint != nil {
		v, err := semver.NewVersion(protocol)
		if err != nil {
			return fmt.Errorf("%w: %q: %s", ErrIncompatibleVersion, protocol, err)
		}

		if !m.constraint.Check(v) {
			return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleVersion, v, m.constraint)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.kps[kp]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, kp)
	}

	m.kps[kp] = &member{joinedAt: time.Now(), subs: make(map[string]struct{}), protocol: protocol}
	metrics.SetJoinedKPs(len(m.kps))

	m.log.Infof("KP %s joined (protocol %q)", kp, protocol)

	return nil
}

// Leave removes kp and returns the ids of the subscriptions it still owns.
func (m *Membership) Leave(kp string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.kps[kp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotJoined, kp)
	}

	delete(m.kps, kp)
	metrics.SetJoinedKPs(len(m.kps))

	ids := make([]string, 0, len(mem.subs))
	for id := range mem.subs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	m.log.Infof("KP %s left with %d subscriptions", kp, len(ids))

	return ids, nil
}

// Check fails for KPs that have not joined when joining is required.
func (m *Membership) Check(kp string) error {
	if !m.requireJoin {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.kps[kp]; !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, kp)
	}

	return nil
}

func (m *Membership) addSubscription(kp, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mem, ok := m.kps[kp]; ok {
		mem.subs[id] = struct{}{}
	}
}

func (m *Membership) removeSubscription(kp, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mem, ok := m.kps[kp]; ok {
		delete(mem.subs, id)
	}
}

// MemberInfo describes a joined KP.
type MemberInfo struct {
	JoinedAt      time.Time `json:"joinedAt"`
	KP            string    `json:"kp"`
	Protocol      string    `json:"protocol,omitempty"`
	Subscriptions int       `json:"subscriptions"`
}

// Members lists joined KPs ordered by id.
func (m *Membership) Members() []MemberInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MemberInfo, 0, len(m.kps))
	for kp, mem := range m.kps {
		out = append(out, MemberInfo{KP: kp, Protocol: mem.protocol, JoinedAt: mem.joinedAt, Subscriptions: len(mem.subs)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].KP < out[j].KP })

	return out
}
