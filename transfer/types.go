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

package transfer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	// StatusCancelled is never reported by the service; a poll loop
	// returns it when its caller abandons the wait.
	StatusCancelled Status = "CANCELLED"
)

const DefaultSyncLevel = "checksum"

type (
	// Task describes one transfer between two endpoints.  It is immutable
	// once submitted.
	Task struct {
		SourceEndpoint      string
		DestinationEndpoint string
		SourcePath          string
		DestinationPath     string
		Label               string
		// SyncLevel is one of exists, size, mtime or checksum.
		SyncLevel string
		Recursive bool
		// SubmissionID makes repeated submits of the same task idempotent
		// on the service side.  Filled in by the coordinator when the
		// service can issue one.
		SubmissionID string
	}

	// Handle identifies a submitted task.
	Handle struct {
		TaskID string
		Label  string
	}

	// TaskInfo is one observation of a task.
	TaskInfo struct {
		TaskID string
		Status Status
		// RawStatus is the status string exactly as the service sent it.
		RawStatus        string
		NiceStatus       string
		Label            string
		BytesTransferred int64
		Files            int64
		FilesTransferred int64
		Faults           int64
	}

	// Result is the outcome of waiting for a task.
	Result struct {
		TaskID string
		Label  string
		Status Status
		Polls  int
		Info   TaskInfo
	}

	// Service is the transfer service the coordinator drives.  Returned
	// errors must be classifiable by error_codes.Classify.
	Service interface {
		SubmitTransfer(ctx context.Context, task Task) (taskID string, err error)
		GetTask(ctx context.Context, taskID string) (TaskInfo, error)
	}

	// SubmissionIDIssuer is implemented by services that hand out
	// idempotency keys for submits.
	SubmissionIDIssuer interface {
		NewSubmissionID(ctx context.Context) (string, error)
	}

	// Canceller is implemented by services that can abort a task.
	Canceller interface {
		CancelTask(ctx context.Context, taskID string) error
	}
)

// ParseStatus maps a service status string onto a Status.  Unrecognized
// values are treated as still in progress.
func ParseStatus(raw string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusSucceeded:
		return StatusSucceeded
	case StatusFailed:
		return StatusFailed
	case StatusInactive:
		return StatusInactive
	case StatusCancelled:
		return StatusCancelled
	default:
		return StatusActive
	}
}

func (s Status) String() string {
	return string(s)
}

// Terminal reports whether the service will never change the status again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Validate checks that the task names both ends of the transfer.
func (t Task) Validate() error {
	switch {
	case t.SourceEndpoint == "":
		return errors.New("transfer task has no source endpoint")
	case t.DestinationEndpoint == "":
		return errors.New("transfer task has no destination endpoint")
	case t.SourcePath == "":
		return errors.New("transfer task has no source path")
	case t.DestinationPath == "":
		return errors.New("transfer task has no destination path")
	}
	switch t.SyncLevel {
	case "", "exists", "size", "mtime", "checksum":
	default:
		return errors.Errorf("unknown sync level %q", t.SyncLevel)
	}
	return nil
}
