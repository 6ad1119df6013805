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
	"sync"
	"time"

	"github.com/united-manufacturing-hub/smartspace/pkg/query"
	"github.com/united-manufacturing-hub/smartspace/pkg/rdf"
	"github.com/united-manufacturing-hub/smartspace/pkg/store"
)

// Kind selects the executor and behavior of an Operation.
type Kind int

const (
	KindInsert Kind = iota
	KindRemove
	KindUpdate
	KindQuery
	KindSubscribeContinuation
	// KindProtectionFault marks a mutation denied by the protection policy.
	KindProtectionFault
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindRemove:
		return "remove"
	case KindUpdate:
		return "update"
	case KindQuery:
		return "query"
	case KindSubscribeContinuation:
		return "subscribe_continuation"
	case KindProtectionFault:
		return "protection_fault"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsMutation reports whether operations of this kind go to the mutation queue.
func (k Kind) IsMutation() bool {
	switch k {
	case KindInsert, KindRemove, KindUpdate, KindProtectionFault:
		return true
	default:
		return false
	}
}

// Mutation is the graph an insert, remove or update works on. Update
// removes first and inserts second.
type Mutation struct {
	Insert []rdf.Triple `json:"insert,omitempty"`
	Remove []rdf.Triple `json:"remove,omitempty"`
}

// Result is a query result in external form.
type Result struct {
	Shape   query.Shape  `json:"-"`
	Triples []rdf.Triple `json:"triples,omitempty"`
	Nodes   []rdf.Node   `json:"nodes,omitempty"`
	Bool    bool         `json:"bool,omitempty"`
}

// Response is filled by the executor before the operation completes.
type Response struct {
	Err     error
	Triples []store.IDTriple
	Nodes   []store.NodeID
	// BNodes maps blank node labels of an insert to the URIs minted for them.
	BNodes map[string]string
	// Result is the projected result of plain queries and subscribe baselines.
	Result *Result
	Status Status
	Bool   bool
}

// Error returns nil for StatusOK and an *OperationError otherwise.
func (r Response) Error() error {
	if r.Status == StatusOK {
		return nil
	}

	return newOperationError(r.Status, r.Err)
}

// Operation is one unit of scheduled work. It completes exactly once.
type Operation struct {
	submitted time.Time
	// sub is set for continuations.
	sub *Subscription
	// fault is the reason a mutation was denied by the protection policy.
	fault    error
	done     chan struct{}
	Owner    string
	Query    query.Query
	Mutation Mutation
	resp     Response
	once     sync.Once
	TxID     int
	Kind     Kind
	// project asks the query executor to render the result externally.
	project bool
}

// NewMutation builds an insert, remove or update operation.
func NewMutation(kind Kind, owner string, txID int, m Mutation) *Operation {
	return &Operation{
		Kind:     kind,
		Owner:    owner,
		TxID:     txID,
		Mutation: m,
		done:     make(chan struct{}),
	}
}

// NewQuery builds a read operation whose result is returned in external form.
func NewQuery(owner string, txID int, q query.Query) *Operation {
	return &Operation{
		Kind:    KindQuery,
		Owner:   owner,
		TxID:    txID,
		Query:   q,
		project: true,
		done:    make(chan struct{}),
	}
}

func newContinuation(sub *Subscription, baseline bool) *Operation {
	return &Operation{
		Kind:    KindSubscribeContinuation,
		Owner:   sub.owner,
		TxID:    sub.txID,
		Query:   sub.query,
		sub:     sub,
		project: baseline,
		done:    make(chan struct{}),
	}
}

// Done is closed once the response is available.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Response must only be read after Done is closed.
func (op *Operation) Response() Response {
	return op.resp
}

func (op *Operation) complete(resp Response) {
	op.once.Do(func() {
		op.resp = resp
		close(op.done)
	})
}

func (op *Operation) fail(status Status, err error) {
	op.complete(Response{Status: status, Err: err})
}

func (op *Operation) await() Response {
	<-op.done

	return op.resp
}
