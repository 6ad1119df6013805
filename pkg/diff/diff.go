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


// Package diff computes the add/remove delta between two successive
// subscription results.
package diff

import "github.com/united-manufacturing-hub/smartspace/pkg/rdf"

// Snapshot is a retained result keyed by item identity.
type Snapshot[T any] map[string]T

// NewSnapshot indexes items by key. Later duplicates win.
func NewSnapshot[T any](items []T, key func(T) string) Snapshot[T] {
	s := make(Snapshot[T], len(items))
	for _, item := range items {
		s[key(item)] = item
	}

	return s
}

// Diff is the change from one result to the next.
type Diff[T any] struct {
	Added   []T
	Removed []T
	// Next is the snapshot of the newer result.
	Next Snapshot[T]
}

// IsEmpty returns true if nothing was added or removed.
// Returns true if the receiver is nil (nil Diff is considered empty).
func (d *Diff[T]) IsEmpty() bool {
	if d == nil {
		return true
	}

	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Compute diffs next against previous in one pass over each.
// previous is consumed: on return it holds exactly the removed items.
// Duplicate keys in next are reported at most once.
func Compute[T any](previous Snapshot[T], next []T, key func(T) string) *Diff[T] {
	d := &Diff[T]{Next: make(Snapshot[T], len(next))}

	for _, item := range next {
		k := key(item)
		if _, seen := d.Next[k]; seen {
			continue
		}

		d.Next[k] = item

		if _, ok := previous[k]; ok {
			delete(previous, k)

			continue
		}

		d.Added = append(d.Added, item)
	}

	for _, item := range previous {
		d.Removed = append(d.Removed, item)
	}

	return d
}

// BoolDiff is the change of a boolean subscription result.
type BoolDiff struct {
	Changed bool
	// Added and Removed are the "TRUE" / "FALSE" literals of the new and old value.
	Added   string
	Removed string
}

// Bool reports a change only when next differs from previous.
func Bool(previous, next bool) BoolDiff {
	if previous == next {
		return BoolDiff{}
	}

	return BoolDiff{Changed: true, Added: BoolLiteral(next), Removed: BoolLiteral(previous)}
}

// BoolLiteral renders b as the literal used in boolean results.
func BoolLiteral(b bool) string {
	if b {
		return rdf.LiteralTrue
	}

	return rdf.LiteralFalse
}
