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


package query

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Op is a path expression operator.
type Op string

const (
	// OpPredicate follows one predicate from subject to object.
	OpPredicate Op = "predicate"
	OpSeq       Op = "seq"
	OpOr        Op = "or"
	OpRepStar   Op = "rep*"
	OpRepPlus   Op = "rep+"
	OpInv       Op = "inv"
	OpValue     Op = "value"
	OpNoRewrite Op = "norewrite"
	// OpSelf maps every node to itself.
	OpSelf Op = "self"
	// OpAny follows every predicate.
	OpAny Op = "any"
	// OpPredicatesOfSubject maps a node to the predicates it is the subject of.
	OpPredicatesOfSubject Op = "p-of-s"
	// OpPredicatesOfObject maps a node to the predicates it is the object of.
	OpPredicatesOfObject Op = "p-of-o"
)

// Operators recognised in path lists but not evaluated.
var unsupportedOps = map[string]bool{
	"filter":  true,
	"members": true,
	"seq+":    true,
}

// Expr is a parsed path expression. Name is set for OpPredicate and
// OpValue, Args for the compound operators.
type Expr struct {
	Op   Op
	Name string
	Args []*Expr
}

func (e *Expr) String() string {
	switch e.Op {
	case OpPredicate:
		return "'" + e.Name + "'"
	case OpSelf, OpAny, OpPredicatesOfSubject, OpPredicatesOfObject:
		return "'" + string(e.Op) + "'"
	case OpValue:
		return "['value', '" + e.Name + "']"
	}

	parts := make([]string, 0, len(e.Args)+1)
	parts = append(parts, "'"+string(e.Op)+"'")

	for _, a := range e.Args {
		parts = append(parts, a.String())
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

// ParsePath parses a path list such as
//
//	['seq', 'rdf:type', ['rep*', 'rdfs:subClassOf']]
//
// Both JSON and single-quoted lists are accepted. A bare name is a single
// predicate, and a list that does not start with an operator is a sequence.
func ParsePath(text string) (*Expr, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: path is empty", ErrInvalidPattern)
	}

	var raw interface{}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		if err := json.Unmarshal([]byte(strings.ReplaceAll(text, "'", `"`)), &raw); err != nil {
			if strings.ContainsAny(text, "[]'\"") {
				return nil, fmt.Errorf("%w: cannot parse path %q: %s", ErrInvalidPattern, text, err)
			}

			raw = text
		}
	}

	return buildExpr(raw)
}

func buildExpr(raw interface{}) (*Expr, error) {
	switch v := raw.(type) {
	case string:
		return buildLeaf(v)
	case []interface{}:
		return buildList(v)
	default:
		return nil, fmt.Errorf("%w: unexpected path element %v", ErrInvalidPattern, raw)
	}
}

func buildLeaf(name string) (*Expr, error) {
	switch Op(name) {
	case OpSelf, OpAny, OpPredicatesOfSubject, OpPredicatesOfObject:
		return &Expr{Op: Op(name)}, nil
	case OpSeq, OpOr, OpRepStar, OpRepPlus, OpInv, OpValue, OpNoRewrite:
		return nil, fmt.Errorf("%w: operator %q needs arguments", ErrInvalidPattern, name)
	}

	if unsupportedOps[name] {
		return nil, fmt.Errorf("path operator %q: %w", name, ErrNotImplemented)
	}

	if name == "" {
		return nil, fmt.Errorf("%w: empty predicate in path", ErrInvalidPattern)
	}

	return &Expr{Op: OpPredicate, Name: name}, nil
}

func buildList(items []interface{}) (*Expr, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty path list", ErrInvalidPattern)
	}

	head, _ := items[0].(string)

	if unsupportedOps[head] {
		return nil, fmt.Errorf("path operator %q: %w", head, ErrNotImplemented)
	}

	op := Op(head)

	switch op {
	case OpValue:
		if len(items) != 2 {
			return nil, fmt.Errorf("%w: 'value' takes exactly one node", ErrInvalidPattern)
		}

		name, ok := items[1].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: 'value' takes a node name", ErrInvalidPattern)
		}

		return &Expr{Op: OpValue, Name: name}, nil
	case OpRepStar, OpRepPlus, OpInv, OpNoRewrite:
		if len(items) != 2 {
			return nil, fmt.Errorf("%w: %q takes exactly one argument", ErrInvalidPattern, op)
		}

		return buildCompound(op, items[1:])
	case OpSeq, OpOr:
		if len(items) < 2 {
			return nil, fmt.Errorf("%w: %q needs at least one argument", ErrInvalidPattern, op)
		}

		return buildCompound(op, items[1:])
	}

	if len(items) == 1 {
		return buildExpr(items[0])
	}

	return buildCompound(OpSeq, items)
}

func buildCompound(op Op, rawArgs []interface{}) (*Expr, error) {
	e := &Expr{Op: op, Args: make([]*Expr, 0, len(rawArgs))}

	for _, raw := range rawArgs {
		arg, err := buildExpr(raw)
		if err != nil {
			return nil, err
		}

		e.Args = append(e.Args, arg)
	}

	return e, nil
}
