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

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/smartspace/pkg/config"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
)

type protectedPair struct {
	subject   string
	predicate string
}

// ProtectionPolicy reserves (subject, predicate) pairs for one KP. Other
// KPs may neither insert nor remove triples on a reserved pair.
type ProtectionPolicy struct {
	owners map[protectedPair]string
	ns     *rdf.Namespaces
	log    *zap.SugaredLogger
}

func NewProtectionPolicy(rules []config.ProtectionRule, ns *rdf.Namespaces, log *zap.SugaredLogger) *ProtectionPolicy {
	p := &ProtectionPolicy{
		owners: make(map[protectedPair]string, len(rules)),
		ns:     ns,
		log:    log,
	}

	for _, rule := range rules {
		p.owners[protectedPair{subject: ns.Expand(rule.Subject), predicate: ns.Expand(rule.Predicate)}] = rule.Owner
	}

	return p
}

// Check returns ErrProtectionFault if m touches a pair reserved for a KP
// other than owner. Triples must already be namespace-expanded. Wildcards
// in removals count as touching every pair they can match.
func (p *ProtectionPolicy) Check(owner string, m Mutation) error {
	if p == nil || len(p.owners) == 0 {
		return nil
	}

	for _, t := range m.Insert {
		if err := p.check(owner, t); err != nil {
			return err
		}
	}

	for _, t := range m.Remove {
		if err := p.check(owner, t); err != nil {
			return err
		}
	}

	return nil
}

func (p *ProtectionPolicy) check(owner string, t rdf.Triple) error {
	for pair, reservedFor := range p.owners {
		if reservedFor == owner {
			continue
		}

		if (t.Subject.IsWildcard() || t.Subject.Value == pair.subject) &&
			(t.Predicate.IsWildcard() || t.Predicate.Value == pair.predicate) {
			return fmt.Errorf("%w: <%s> <%s> is reserved for %s", ErrProtectionFault, pair.subject, pair.predicate, reservedFor)
		}
	}

	return nil
}

// Apply turns a denied mutation into a ProtectionFault operation.
func (p *ProtectionPolicy) Apply(op *Operation) {
	if p == nil || len(p.owners) == 0 || op.Kind == KindProtectionFault {
		return
	}

	expanded := Mutation{
		Insert: p.expand(op.Mutation.Insert),
		Remove: p.expand(op.Mutation.Remove),
	}

	if err := p.Check(op.Owner, expanded); err != nil {
		p.log.Infof("Denied %s of %s (tx %d): %s", op.Kind, op.Owner, op.TxID, err)
		op.Kind = KindProtectionFault
		op.fault = err
	}
}

func (p *ProtectionPolicy) expand(triples []rdf.Triple) []rdf.Triple {
	out := make([]rdf.Triple, len(triples))
	for i, t := range triples {
		out[i] = p.ns.ExpandTriple(t)
	}

	return out
}
