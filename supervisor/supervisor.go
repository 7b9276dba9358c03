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

// Package supervisor drives a model run on an HPC machine through
// connect, submit, status and download.
//
// The remote side is reached through a Channel; what to run and what to
// bring back is decided per model by a Packager.  Remote calls that change
// or fetch state go through the retry policy.  Status queries do not: they
// are single shots, and a caller that wants to wait re-polls with Watch.
package supervisor

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/lifecycle"
	"github.com/cybergis/hpcsup/metrics"
	"github.com/cybergis/hpcsup/param"
	"github.com/cybergis/hpcsup/retry"
)

const DefaultStatusPollInterval = time.Minute

type (
	// Channel is an open connection to the machine's batch scheduler.
	Channel interface {
		Stage(ctx context.Context, localPath, remotePath string) error
		Submit(ctx context.Context, spec JobSpec) (remoteID string, err error)
		QueryStatus(ctx context.Context, remoteID string) (code string, err error)
		Fetch(ctx context.Context, remotePath, localPath string) error
		Close() error
	}

	// Canceller is implemented by channels that can remove a job from the
	// scheduler.
	Canceller interface {
		CancelJob(ctx context.Context, remoteID string) error
	}

	Dialer interface {
		Connect(ctx context.Context) (Channel, error)
	}

	Config struct {
		Retry retry.Policy
		// RemoteRoot is the directory on the machine under which every job
		// gets its own folder.
		RemoteRoot string
		// UnknownIsComplete treats a job the scheduler no longer reports as
		// finished and downloads its results.  This is a guess: a job that
		// vanished for another reason produces a failed or partial download.
		UnknownIsComplete  bool
		StatusPollInterval time.Duration
		// MaxStatusFailures ends Watch after that many failed status
		// queries in a row.  Zero never gives up.
		MaxStatusFailures int
		// Packagers overrides DefaultPackagers.
		Packagers map[Model]Packager
	}

	Supervisor struct {
		dialer Dialer
		config Config
	}

	// Outcome is the result of one status check: the observed status and the
	// single event that reports it.
	Outcome struct {
		Status         JobStatus
		Code           string
		DownloadedPath string
		Event          lifecycle.Event
	}
)

var jobNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ConfigFromParams reads the Retry.* and Job.* parameters for machine.
func ConfigFromParams(machine config.Machine) Config {
	return Config{
		Retry:              retry.PolicyFromConfig(),
		RemoteRoot:         machine.RootPath,
		UnknownIsComplete:  param.Job_UnknownIsComplete.GetBool(),
		StatusPollInterval: param.Job_StatusPollInterval.GetDuration(),
		MaxStatusFailures:  param.Job_MaxStatusFailures.GetInt(),
	}
}

func New(dialer Dialer, config Config) *Supervisor {
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if config.StatusPollInterval <= 0 {
		config.StatusPollInterval = DefaultStatusPollInterval
	}
	if config.Packagers == nil {
		config.Packagers = DefaultPackagers()
	}
	return &Supervisor{dialer: dialer, config: config}
}

// NewJobName returns a job name unique enough to be used as a folder name on
// a shared machine.
func NewJobName(model Model) string {
	return strings.ToLower(model.String()) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (o Outcome) Terminal() bool {
	return o.Event.Tag.Terminal()
}

func (s *Supervisor) packager(model Model) (Packager, error) {
	packager, ok := s.config.Packagers[model]
	if !ok {
		return nil, errors.Errorf("no packager for model %s", model)
	}
	return packager, nil
}

// Connect opens a channel to the machine.  Failures are returned as
// *error_codes.ConnectionError and are not retried.
func (s *Supervisor) Connect(ctx context.Context) (Channel, error) {
	ch, err := s.dialer.Connect(ctx)
	if err != nil {
		var connErr *error_codes.ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &error_codes.ConnectionError{Err: err}
	}
	return ch, nil
}

func requireRemoteID(op string, job RemoteJob) error {
	if job.RemoteID == "" {
		return &error_codes.LifecycleInconsistencyError{Operation: op, Reason: "job has no remote id; it was never submitted"}
	}
	return nil
}

// Every model's results live under the job's remote folder.
func requireRemoteFolder(op string, job RemoteJob) error {
	if job.RemoteFolderPath == "" || !path.IsAbs(job.RemoteFolderPath) {
		return &error_codes.LifecycleInconsistencyError{Operation: op, Reason: fmt.Sprintf("job %s has no absolute remote folder path", job.RemoteID)}
	}
	return nil
}

// Submit stages the job's source on the machine and enqueues it.  The
// returned job has its Remote* fields set.  Staging and submitting are
// each retried on transient failures.
func (s *Supervisor) Submit(ctx context.Context, ch Channel, job RemoteJob) (RemoteJob, SubmissionResult, error) {
	if job.RemoteID != "" {
		return job, SubmissionResult{}, &error_codes.LifecycleInconsistencyError{
			Operation: "submit",
			Reason:    "job was already submitted as " + job.RemoteID,
		}
	}
	if err := job.Validate(); err != nil {
		return job, SubmissionResult{}, error_codes.NewPermanent("submit_job", err)
	}
	packager, err := s.packager(job.Model)
	if err != nil {
		return job, SubmissionResult{}, error_codes.NewPermanent("submit_job", err)
	}
	if s.config.RemoteRoot == "" {
		return job, SubmissionResult{}, error_codes.NewPermanent("submit_job", errors.Errorf("machine %s has no root path for jobs", job.Machine))
	}
	if job.JobName == "" {
		job.JobName = NewJobName(job.Model)
	} else if !jobNamePattern.MatchString(job.JobName) || job.JobName == "." || job.JobName == ".." {
		return job, SubmissionResult{}, error_codes.NewPermanent("submit_job", errors.Errorf("invalid job name %q", job.JobName))
	}

	job.RemoteFolderPath = path.Join(s.config.RemoteRoot, job.JobName)
	job.RemoteStdoutPath = path.Join(job.RemoteFolderPath, "slurm_log", "job.stdout")
	spec := JobSpec{
		Name:         job.JobName,
		RemoteFolder: job.RemoteFolderPath,
		WorkDir:      job.ModelFolderPath(),
		Command:      packager.Command(job),
		Nodes:        job.Nodes,
		Tasks:        job.Tasks,
		Walltime:     job.Walltime,
		Partition:    job.Partition,
		Memory:       job.Memory,
		StdoutPath:   job.RemoteStdoutPath,
		StderrPath:   path.Join(job.RemoteFolderPath, "slurm_log", "job.stderr"),
	}

	_, err = retry.Execute(ctx, s.config.Retry, retry.Operation[struct{}]{
		Name: "stage_job",
		Call: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, ch.Stage(ctx, job.SourcePath, spec.WorkDir)
		},
	})
	if err != nil {
		return job, SubmissionResult{}, errors.Wrapf(err, "failed to stage %s", job.SourcePath)
	}

	remoteID, err := retry.Execute(ctx, s.config.Retry, retry.Operation[string]{
		Name: "submit_job",
		Call: func(ctx context.Context) (string, error) {
			return ch.Submit(ctx, spec)
		},
	})
	if err != nil {
		metrics.SetComponentHealthStatus(metrics.JobScheduler, metrics.StatusCritical, err.Error())
		return job, SubmissionResult{}, err
	}
	if remoteID == "" {
		return job, SubmissionResult{}, error_codes.NewPermanent("submit_job", errors.New("scheduler returned an empty job id"))
	}
	metrics.SetComponentHealthStatus(metrics.JobScheduler, metrics.StatusOK, "")

	job.RemoteID = remoteID
	log.Infof("Submitted %s job %s on %s as %s", job.Model, job.JobName, job.Machine, remoteID)
	return job, SubmissionResult{
		RemoteID:         job.RemoteID,
		RemoteFolderPath: job.RemoteFolderPath,
		RemoteStdoutPath: job.RemoteStdoutPath,
	}, nil
}

// Status asks the scheduler once for the job's state and returns both the
// mapped status and the scheduler's own code.
func (s *Supervisor) Status(ctx context.Context, ch Channel, job RemoteJob) (JobStatus, string, error) {
	if err := requireRemoteID("status", job); err != nil {
		return StatusUnknown, "", err
	}
	code, err := ch.QueryStatus(ctx, job.RemoteID)
	if err != nil {
		metrics.SetComponentHealthStatus(metrics.JobScheduler, metrics.StatusWarning, err.Error())
		return StatusUnknown, "", errors.Wrapf(err, "failed to query status of job %s", job.RemoteID)
	}
	metrics.SetComponentHealthStatus(metrics.JobScheduler, metrics.StatusOK, "")
	return StatusFromCode(code), code, nil
}

// Download copies remotePath to localPath, replacing what is there, so it
// can be repeated after an interrupted attempt.
func (s *Supervisor) Download(ctx context.Context, ch Channel, remotePath, localPath string) error {
	if remotePath == "" {
		return &error_codes.LifecycleInconsistencyError{Operation: "download", Reason: "no remote path; the job was never submitted"}
	}
	if localPath == "" {
		return error_codes.NewPermanent("download", errors.New("no local path to download to"))
	}
	_, err := retry.Execute(ctx, s.config.Retry, retry.Operation[struct{}]{
		Name: "download",
		Call: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, ch.Fetch(ctx, remotePath, localPath)
		},
	})
	return err
}

// Cancel removes the job from the scheduler's queue.
func (s *Supervisor) Cancel(ctx context.Context, ch Channel, job RemoteJob) error {
	if err := requireRemoteID("cancel", job); err != nil {
		return err
	}
	canceller, ok := ch.(Canceller)
	if !ok {
		return errors.New("channel does not support cancelling jobs")
	}
	_, err := retry.Execute(ctx, s.config.Retry, retry.Operation[struct{}]{
		Name: "cancel_job",
		Call: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, canceller.CancelJob(ctx, job.RemoteID)
		},
	})
	return err
}

func localPathFor(job RemoteJob, localPath string) string {
	if localPath != "" {
		return localPath
	}
	if job.WorkspaceDir != "" && job.JobName != "" {
		return filepath.Join(job.WorkspaceDir, job.JobName)
	}
	return job.WorkspaceDir
}

// Maintain checks the job once.  A completed job is downloaded and reported
// with JOB_ENDED; a failed one is reported with JOB_FAILED and nothing is
// downloaded; anything else yields JOB_STATUS.
//
// A failed status query is not a job failure: the outcome is JOB_STATUS and
// the query error is returned alongside it.
func (s *Supervisor) Maintain(ctx context.Context, ch Channel, job RemoteJob, localPath string) (Outcome, error) {
	if err := requireRemoteID("maintain", job); err != nil {
		return Outcome{}, err
	}
	model := job.Model.String()

	status, code, err := s.Status(ctx, ch, job)
	if err != nil {
		return Outcome{
			Status: StatusUnknown,
			Event:  lifecycle.NewEvent(lifecycle.JobStatus, fmt.Sprintf("could not query %s job with remote_id %s: %v", model, job.RemoteID, err)),
		}, err
	}

	outcome := Outcome{Status: status, Code: code}
	if status == StatusNotFound && s.config.UnknownIsComplete {
		log.Warnf("Scheduler no longer knows job %s; assuming it completed and downloading its results", job.RemoteID)
		outcome.Status = StatusCompleted
	}

	switch outcome.Status {
	case StatusCompleted:
		if err := requireRemoteFolder("download", job); err != nil {
			return Outcome{}, err
		}
		local := localPathFor(job, localPath)
		if local == "" {
			return Outcome{}, error_codes.NewPermanent("download", errors.New("no local path to download to"))
		}
		packager, err := s.packager(job.Model)
		if err != nil {
			return Outcome{}, err
		}
		for _, d := range packager.Downloads(job, local) {
			if err := s.Download(ctx, ch, d.Remote, d.Local); err != nil {
				if ctx.Err() != nil {
					return outcome, ctx.Err()
				}
				outcome.Status = StatusError
				outcome.Event = lifecycle.NewEvent(lifecycle.JobFailed,
					fmt.Sprintf("%s job with remote_id %s completed but its results could not be downloaded: %v", model, job.RemoteID, err))
				return outcome, nil
			}
		}
		outcome.DownloadedPath = packager.DownloadedPath(job, local)
		outcome.Event = lifecycle.NewEvent(lifecycle.JobEnded, fmt.Sprintf("%s job with remote_id %s completed", model, job.RemoteID))
	case StatusError:
		outcome.Event = lifecycle.NewEvent(lifecycle.JobFailed, fmt.Sprintf("%s job with remote_id %s failed", model, job.RemoteID))
	default:
		outcome.Event = lifecycle.NewEvent(lifecycle.JobStatus, fmt.Sprintf("%s job with remote_id %s is %s (%s)", model, job.RemoteID, outcome.Status, code))
	}
	return outcome, nil
}

// Watch repeats Maintain every StatusPollInterval until the job reaches a
// terminal outcome.  Failed status queries are logged and retried.  If ctx
// is cancelled first, the outcome has StatusCancelled and the error is nil.
func (s *Supervisor) Watch(ctx context.Context, ch Channel, job RemoteJob, localPath string) (Outcome, error) {
	if err := requireRemoteID("watch", job); err != nil {
		return Outcome{}, err
	}
	if err := requireRemoteFolder("watch", job); err != nil {
		return Outcome{}, err
	}
	// Settle what would fail every poll identically before starting.
	if _, err := s.packager(job.Model); err != nil {
		return Outcome{}, err
	}
	if localPathFor(job, localPath) == "" {
		return Outcome{}, error_codes.NewPermanent("watch", errors.New("no local path to download to"))
	}
	tracker := NewTracker()
	query := func(ctx context.Context) (Outcome, error) {
		outcome, err := s.Maintain(ctx, ch, job, localPath)
		if err != nil {
			return outcome, err
		}
		if err := tracker.Observe(outcome.Status); err != nil {
			log.Warnf("Job %s: %v", job.RemoteID, err)
		} else {
			log.Debugf("Job %s is %s", job.RemoteID, tracker.Current())
		}
		return outcome, nil
	}

	last, polls, err := retry.Poll(ctx, retry.PollConfig{
		Name:                   job.RemoteID,
		Loop:                   metrics.LoopJob,
		Interval:               s.config.StatusPollInterval,
		MaxConsecutiveFailures: s.config.MaxStatusFailures,
	}, query, Outcome.Terminal, nil)

	switch {
	case err == nil:
		log.Infof("Job %s finished as %s after %d status checks", job.RemoteID, last.Status, polls)
		return last, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		log.Infof("Stopped watching job %s: %v", job.RemoteID, err)
		return Outcome{
			Status: StatusCancelled,
			Code:   last.Code,
			Event: lifecycle.NewEvent(lifecycle.JobStatus,
				fmt.Sprintf("stopped watching %s job with remote_id %s while it was %s", job.Model, job.RemoteID, tracker.Current())),
		}, nil
	default:
		return Outcome{
			Status: StatusUnknown,
			Event: lifecycle.NewEvent(lifecycle.JobFailed,
				fmt.Sprintf("gave up on %s job with remote_id %s: %v", job.Model, job.RemoteID, err)),
		}, err
	}
}
