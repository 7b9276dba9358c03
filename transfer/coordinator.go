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

// Package transfer submits managed transfer tasks and waits for them to
// reach a terminal status.
//
// Submitting is retried under the retry policy and fails fast on a rejected
// request.  Waiting is the opposite: a failed status query is logged and
// tried again, since a multi-hour transfer is expected to see the odd flaky
// response.
package transfer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/metrics"
	"github.com/cybergis/hpcsup/param"
	"github.com/cybergis/hpcsup/retry"
)

const DefaultPollInterval = time.Second

type (
	Config struct {
		Retry           retry.Policy
		PollInterval    time.Duration
		MaxPollFailures int
		// OnStatus, if set, sees every successful status query of
		// AwaitTerminal.
		OnStatus func(Handle, TaskInfo)
	}

	Coordinator struct {
		service Service
		config  Config
	}
)

// ConfigFromParams reads the Retry.* and Transfer.* parameters.
func ConfigFromParams() Config {
	return Config{
		Retry:           retry.PolicyFromConfig(),
		PollInterval:    param.Transfer_PollInterval.GetDuration(),
		MaxPollFailures: param.Transfer_MaxPollFailures.GetInt(),
	}
}

func NewCoordinator(service Service, config Config) *Coordinator {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	return &Coordinator{service: service, config: config}
}

// Submit hands task to the service.  Transient failures are retried with the
// same submission id, so a retry after a lost response never starts a second
// transfer.
func (c *Coordinator) Submit(ctx context.Context, task Task) (Handle, error) {
	if err := task.Validate(); err != nil {
		return Handle{}, error_codes.NewPermanent("submit_transfer", err)
	}
	if task.SyncLevel == "" {
		task.SyncLevel = DefaultSyncLevel
	}

	if issuer, ok := c.service.(SubmissionIDIssuer); ok && task.SubmissionID == "" {
		id, err := retry.Execute(ctx, c.config.Retry, retry.Operation[string]{
			Name: "get_submission_id",
			Call: issuer.NewSubmissionID,
		})
		if err != nil {
			return Handle{}, err
		}
		task.SubmissionID = id
	}

	taskID, err := retry.Execute(ctx, c.config.Retry, retry.Operation[string]{
		Name: "submit_transfer",
		Call: func(ctx context.Context) (string, error) {
			return c.service.SubmitTransfer(ctx, task)
		},
	})
	if err != nil {
		metrics.SetComponentHealthStatus(metrics.TransferService, metrics.StatusCritical, err.Error())
		return Handle{}, err
	}
	if taskID == "" {
		return Handle{}, error_codes.NewPermanent("submit_transfer", errors.New("service returned an empty task id"))
	}
	metrics.SetComponentHealthStatus(metrics.TransferService, metrics.StatusOK, "")
	log.Infof("Submitted transfer %s (%s:%s -> %s:%s) as task %s", task.Label,
		task.SourceEndpoint, task.SourcePath, task.DestinationEndpoint, task.DestinationPath, taskID)
	return Handle{TaskID: taskID, Label: task.Label}, nil
}

func checkHandle(op string, handle Handle) error {
	if handle.TaskID == "" {
		return &error_codes.LifecycleInconsistencyError{Operation: op, Reason: "no task id; the transfer was never submitted"}
	}
	return nil
}

// Poll queries the task once.  Errors are returned as-is.
func (c *Coordinator) Poll(ctx context.Context, handle Handle) (TaskInfo, error) {
	if err := checkHandle("poll", handle); err != nil {
		return TaskInfo{}, err
	}
	info, err := c.service.GetTask(ctx, handle.TaskID)
	if err != nil {
		return TaskInfo{}, errors.Wrapf(err, "failed to query transfer task %s", handle.TaskID)
	}
	if info.TaskID == "" {
		info.TaskID = handle.TaskID
	}
	return info, nil
}

// AwaitTerminal polls the task every PollInterval until it succeeds or
// fails.  Query errors are passed to onPollError (which may be nil) and
// polling continues.  If ctx is cancelled first, the result has
// StatusCancelled and the error is nil.
func (c *Coordinator) AwaitTerminal(ctx context.Context, handle Handle, onPollError func(error)) (Result, error) {
	if err := checkHandle("await", handle); err != nil {
		return Result{}, err
	}

	failures := 0
	onError := func(err error) {
		failures++
		if failures > 1 {
			metrics.SetComponentHealthStatus(metrics.TransferService, metrics.StatusWarning, err.Error())
		}
		if onPollError != nil {
			onPollError(err)
		}
	}
	query := func(ctx context.Context) (TaskInfo, error) {
		info, err := c.Poll(ctx, handle)
		if err != nil {
			return info, err
		}
		failures = 0
		log.Debugf("Transfer task %s is %s", handle.TaskID, info.RawStatus)
		if c.config.OnStatus != nil {
			c.config.OnStatus(handle, info)
		}
		return info, nil
	}

	info, polls, err := retry.Poll(ctx, retry.PollConfig{
		Name:                   handle.TaskID,
		Loop:                   metrics.LoopTransfer,
		Interval:               c.config.PollInterval,
		MaxConsecutiveFailures: c.config.MaxPollFailures,
	}, query, func(info TaskInfo) bool { return info.Status.Terminal() }, onError)

	result := Result{TaskID: handle.TaskID, Label: handle.Label, Status: info.Status, Polls: polls, Info: info}
	switch {
	case err == nil:
		metrics.SetComponentHealthStatus(metrics.TransferService, metrics.StatusOK, "")
		log.Infof("Transfer task %s finished with status %s after %d polls", handle.TaskID, result.Status, polls)
		return result, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.Infof("Stopped waiting for transfer task %s: %v", handle.TaskID, err)
		result.Status = StatusCancelled
		return result, nil
	default:
		metrics.SetComponentHealthStatus(metrics.TransferService, metrics.StatusCritical, err.Error())
		if result.Status == "" {
			result.Status = StatusActive
		}
		return result, err
	}
}

// Cancel asks the service to abort the task, if it supports that.
func (c *Coordinator) Cancel(ctx context.Context, handle Handle) error {
	if err := checkHandle("cancel", handle); err != nil {
		return err
	}
	canceller, ok := c.service.(Canceller)
	if !ok {
		return errors.New("transfer service does not support cancelling tasks")
	}
	_, err := retry.Execute(ctx, c.config.Retry, retry.Operation[struct{}]{
		Name: "cancel_transfer",
		Call: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, canceller.CancelTask(ctx, handle.TaskID)
		},
	})
	return err
}
