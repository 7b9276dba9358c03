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

package supervisor

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/lifecycle"
)

// InitJob connects to the machine, submits job and reports each step.  On
// success the last event is JOB_INITIALIZED carrying the submission
// outputs; on failure it is JOB_FAILED and the error is returned as well.
func (s *Supervisor) InitJob(ctx context.Context, rep *lifecycle.Reporter, job RemoteJob) (RemoteJob, error) {
	model := job.Model.String()

	ch, err := s.Connect(ctx)
	if err != nil {
		rep.Emit(lifecycle.NewEvent(lifecycle.JobFailed, fmt.Sprintf("cannot connect to %s: %v", job.Machine, err)))
		return job, err
	}
	defer closeChannel(ch)
	rep.Emit(lifecycle.NewEvent(lifecycle.CustomTag(model, "HPC_CONNECTED"), "connected to HPC"))

	submitted, result, err := s.Submit(ctx, ch, job)
	if err != nil {
		rep.Emit(lifecycle.NewEvent(lifecycle.JobFailed, fmt.Sprintf("cannot submit %s job to %s: %v", model, job.Machine, err)))
		return job, err
	}
	rep.Emit(lifecycle.NewEvent(lifecycle.CustomTag(model, "HPC_SUBMITTED"), fmt.Sprintf("submitted %s job to HPC", model)))
	rep.Emit(lifecycle.NewEvent(lifecycle.JobInitialized,
		fmt.Sprintf("initialized %s job in HPC job queue with remote_id %s", model, submitted.RemoteID),
		result.Outputs()...))
	return submitted, nil
}

// MaintainJob connects, runs one Maintain and reports its outcome.  A job
// without a remote id is rejected before connecting and nothing is
// reported.
func (s *Supervisor) MaintainJob(ctx context.Context, rep *lifecycle.Reporter, job RemoteJob, localPath string) (Outcome, error) {
	return s.runReported(ctx, rep, job, "maintain", func(ch Channel) (Outcome, error) {
		return s.Maintain(ctx, ch, job, localPath)
	})
}

// WatchJob is MaintainJob with Watch in place of Maintain.
func (s *Supervisor) WatchJob(ctx context.Context, rep *lifecycle.Reporter, job RemoteJob, localPath string) (Outcome, error) {
	return s.runReported(ctx, rep, job, "watch", func(ch Channel) (Outcome, error) {
		return s.Watch(ctx, ch, job, localPath)
	})
}

// CancelJob removes the job from the queue and reports JOB_FAILED, since a
// cancelled job never produces results.
func (s *Supervisor) CancelJob(ctx context.Context, rep *lifecycle.Reporter, job RemoteJob) error {
	if err := requireRemoteID("cancel", job); err != nil {
		return err
	}
	ch, err := s.Connect(ctx)
	if err != nil {
		rep.Emit(lifecycle.NewEvent(lifecycle.JobStatus, fmt.Sprintf("cannot connect to %s to cancel job %s: %v", job.Machine, job.RemoteID, err)))
		return err
	}
	defer closeChannel(ch)

	if err := s.Cancel(ctx, ch, job); err != nil {
		rep.Emit(lifecycle.NewEvent(lifecycle.JobStatus, fmt.Sprintf("cannot cancel %s job with remote_id %s: %v", job.Model, job.RemoteID, err)))
		return err
	}
	rep.Emit(lifecycle.NewEvent(lifecycle.JobFailed, fmt.Sprintf("%s job with remote_id %s was cancelled", job.Model, job.RemoteID)))
	return nil
}

func (s *Supervisor) runReported(ctx context.Context, rep *lifecycle.Reporter, job RemoteJob, op string, run func(Channel) (Outcome, error)) (Outcome, error) {
	if err := requireRemoteID(op, job); err != nil {
		return Outcome{}, err
	}
	ch, err := s.Connect(ctx)
	if err != nil {
		// The job itself may be fine; the orchestrator tries again later.
		rep.Emit(lifecycle.NewEvent(lifecycle.JobStatus, fmt.Sprintf("cannot connect to %s: %v", job.Machine, err)))
		return Outcome{Status: StatusUnknown}, err
	}
	defer closeChannel(ch)

	outcome, err := run(ch)
	if outcome.Event.Tag == "" {
		outcome.Event = lifecycle.NewEvent(lifecycle.JobStatus, fmt.Sprintf("%s of %s job with remote_id %s did not finish: %v", op, job.Model, job.RemoteID, err))
	}
	if outcome.DownloadedPath != "" {
		rep.Key("custom_downloaded_path", outcome.DownloadedPath)
	}
	rep.Emit(outcome.Event)
	return outcome, err
}

func closeChannel(ch Channel) {
	if err := ch.Close(); err != nil {
		log.Debugf("Failed to close channel: %v", err)
	}
}
