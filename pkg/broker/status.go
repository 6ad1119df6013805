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
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/smartspace/pkg/query"
)

// Status is the outcome of an operation as reported to the KP.
type Status int

const (
	StatusOK Status = iota
	StatusOperationFailed
	StatusNotImplemented
	StatusNotFound
	StatusKPErrorRequest
	StatusProtectionFault
	StatusInvalidParameter
	StatusMessageSyntax
)

var statusNames = map[Status]string{
	StatusOK:               "m3:Success",
	StatusOperationFailed:  "m3:SIB.Error",
	StatusNotImplemented:   "m3:SIB.Failure.NotImplemented",
	StatusNotFound:         "m3:SIB.Error.NotFound",
	StatusKPErrorRequest:   "m3:KP.Error.Request",
	StatusProtectionFault:  "m3:SIB.Error.ProtectionFault",
	StatusInvalidParameter: "m3:SIB.Error.InvalidParameter",
	StatusMessageSyntax:    "m3:KP.Error.Message.Syntax",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status

			return nil
		}
	}

	return fmt.Errorf("unknown status %q", text)
}

var (
	// ErrUnknownSubscription is returned by Unsubscribe for ids not in the registry.
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrAlreadyJoined is returned when a KP joins twice.
	ErrAlreadyJoined = errors.New("kp already joined")
	// ErrNotJoined is returned when a KP that has not joined leaves or,
	// with join required, submits an operation.
	ErrNotJoined = errors.New("kp not joined")
	// ErrProtectionFault is returned for mutations denied by a protection rule.
	ErrProtectionFault = errors.New("protection fault")
	// ErrClosed is returned for operations submitted to or left queued in a
	// closed broker.
	ErrClosed = errors.New("broker is closed")
	// ErrIncompatibleVersion is returned by Join for unsupported protocol versions.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
)

// OperationError carries the status an operation failed with.
type OperationError struct {
	Err    error
	Status Status
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}

	return fmt.Sprintf("%s: %s", e.Status, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func newOperationError(status Status, err error) *OperationError {
	return &OperationError{Status: status, Err: err}
}

// StatusOf maps err to the status a KP would see for it.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}

	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Status
	}

	switch {
	case errors.Is(err, ErrUnknownSubscription):
		return StatusNotFound
	case errors.Is(err, ErrAlreadyJoined), errors.Is(err, ErrNotJoined):
		return StatusKPErrorRequest
	case errors.Is(err, ErrProtectionFault):
		return StatusProtectionFault
	case errors.Is(err, ErrIncompatibleVersion):
		return StatusInvalidParameter
	case errors.Is(err, query.ErrNotImplemented):
		return StatusNotImplemented
	default:
		return StatusOperationFailed
	}
}
