/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package error_codes holds the failure taxonomy shared by every remote
// operation: a failure is either Transient (retry it) or Permanent (surface
// it), and the terminal errors produced by the retry and lifecycle layers
// carry enough context for a JOB_FAILED event.
package error_codes

import (
	"fmt"
	"strings"
)

// Kind is the retry classification of a remote failure.
type Kind int

const (
	// Permanent failures fail identically on retry (bad request, denied
	// access, missing resource).  It is the zero value so that an
	// unclassified failure is never retried by accident.
	Permanent Kind = iota
	// Transient failures are expected to succeed on retry (network blip,
	// timeout, 5xx-equivalent service fault).
	Transient
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type (
	// TransientRemoteError tags a failure as safe to retry.
	TransientRemoteError struct {
		Op  string
		Err error
	}

	// PermanentRemoteError tags a failure as terminal for the operation.
	PermanentRemoteError struct {
		Op  string
		Err error
	}

	// RetriesExhaustedError is returned once transient failures outlast the
	// attempt budget.
	RetriesExhaustedError struct {
		Operation string
		Attempts  int
		Last      error
	}

	// ConnectionError means the remote execution channel could not be
	// established.  The core never retries it.
	ConnectionError struct {
		Machine string
		Err     error
	}

	// LifecycleInconsistencyError is a usage error: an operation was invoked
	// out of the connect -> submit -> poll -> download order.
	LifecycleInconsistencyError struct {
		Operation string
		Reason    string
	}
)

func NewTransient(op string, err error) *TransientRemoteError {
	return &TransientRemoteError{Op: op, Err: err}
}

func NewPermanent(op string, err error) *PermanentRemoteError {
	return &PermanentRemoteError{Op: op, Err: err}
}

func (e *TransientRemoteError) Error() string {
	return formatOpError("transient remote failure", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error {
	return e.Err
}

func (e *TransientRemoteError) Is(target error) bool {
	_, ok := target.(*TransientRemoteError)
	return ok
}

func (e *PermanentRemoteError) Error() string {
	return formatOpError("permanent remote failure", e.Op, e.Err)
}

func (e *PermanentRemoteError) Unwrap() error {
	return e.Err
}

func (e *PermanentRemoteError) Is(target error) bool {
	_, ok := target.(*PermanentRemoteError)
	return ok
}

func (e *RetriesExhaustedError) Error() string {
	msg := fmt.Sprintf("retried %s too many times (%d attempts)", e.Operation, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

func (e *RetriesExhaustedError) Is(target error) bool {
	_, ok := target.(*RetriesExhaustedError)
	return ok
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection to remote machine failed"
	}
	if e.Machine != "" {
		return "failed to connect to " + e.Machine + ": " + e.Err.Error()
	}
	return "failed to connect: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	_, ok := target.(*ConnectionError)
	return ok
}

func (e *LifecycleInconsistencyError) Error() string {
	return fmt.Sprintf("%s called out of order: %s", e.Operation, e.Reason)
}

func (e *LifecycleInconsistencyError) Is(target error) bool {
	_, ok := target.(*LifecycleInconsistencyError)
	return ok
}

func formatOpError(prefix, op string, err error) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	if op != "" {
		sb.WriteString(" in ")
		sb.WriteString(op)
	}
	if err != nil {
		sb.WriteString(": ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}
