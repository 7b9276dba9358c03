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
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/lifecycle"
)

type JobStatus string

const (
	StatusSubmitted JobStatus = "SUBMITTED"
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	// StatusUnknown is a state code this package has no mapping for.
	StatusUnknown JobStatus = "UNKNOWN"
	// StatusNotFound means the scheduler no longer reports the job at all.
	StatusNotFound  JobStatus = "NOT_FOUND"
	StatusCompleted JobStatus = "COMPLETED"
	StatusError     JobStatus = "ERROR"
	// StatusCancelled is reported when the caller stops watching a job; it
	// says nothing about the job itself.
	StatusCancelled JobStatus = "CANCELLED"
)

// NotFoundCode is the state code a Channel reports for a job the scheduler
// has forgotten.
const NotFoundCode = "NOT_FOUND"

// Slurm's squeue short codes, plus the few long names some sites print.
var schedulerCodes = map[string]JobStatus{
	"PD": StatusQueued,
	"CF": StatusQueued,
	"S":  StatusQueued,
	"RQ": StatusQueued,
	"RH": StatusQueued,
	"RF": StatusQueued,
	"RD": StatusQueued,
	"SE": StatusQueued,

	"R":  StatusRunning,
	"CG": StatusRunning,
	"SO": StatusRunning,
	"RS": StatusRunning,
	"SI": StatusRunning,
	"ST": StatusRunning,

	"C":  StatusCompleted,
	"CD": StatusCompleted,

	"ERROR":     StatusError,
	"F":         StatusError,
	"NF":        StatusError,
	"CA":        StatusError,
	"TO":        StatusError,
	"OOM":       StatusError,
	"BF":        StatusError,
	"DL":        StatusError,
	"PR":        StatusError,
	"RV":        StatusError,
	"NODE_FAIL": StatusError,
	"BOOT_FAIL": StatusError,
	"DEADLINE":  StatusError,
	"PREEMPTED": StatusError,

	NotFoundCode: StatusNotFound,
	"":           StatusNotFound,
}

// StatusFromCode maps a scheduler state code to a JobStatus.  Codes it does
// not know map to StatusUnknown, which is never terminal.
func StatusFromCode(code string) JobStatus {
	if status, ok := schedulerCodes[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return status
	}
	return StatusUnknown
}

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

type (
	// RemoteJob describes one job on an HPC machine.  The Remote* fields are
	// filled in by Submit; RemoteID is required by every later call.
	RemoteJob struct {
		Model        Model         `yaml:"model"`
		Machine      string        `yaml:"machine"`
		WorkspaceDir string        `yaml:"workspace_dir"`
		SourcePath   string        `yaml:"source_path"`
		Nodes        int           `yaml:"nodes"`
		Tasks        int           `yaml:"tasks"`
		Walltime     time.Duration `yaml:"walltime"`
		Partition    string        `yaml:"partition"`
		Memory       string        `yaml:"memory"`
		JobName      string        `yaml:"job_name"`
		// Command replaces the model's default entry point.
		Command string `yaml:"command"`

		RemoteID         string `yaml:"remote_id,omitempty"`
		RemoteFolderPath string `yaml:"remote_folder_path,omitempty"`
		RemoteStdoutPath string `yaml:"remote_slurm_out_file_path,omitempty"`
	}

	// JobSpec is what a Channel needs to enqueue a job.
	JobSpec struct {
		Name         string
		RemoteFolder string
		WorkDir      string
		Command      string
		Nodes        int
		Tasks        int
		Walltime     time.Duration
		Partition    string
		Memory       string
		StdoutPath   string
		StderrPath   string
	}

	SubmissionResult struct {
		RemoteID         string
		RemoteFolderPath string
		RemoteStdoutPath string
	}

	// Tracker follows one job through SUBMITTED, QUEUED/RUNNING and a
	// terminal status.
	Tracker struct {
		current JobStatus
		history []JobStatus
	}
)

// ModelFolderPath is where the job's source is staged and run.
func (j RemoteJob) ModelFolderPath() string {
	if j.RemoteFolderPath == "" {
		return ""
	}
	return path.Join(j.RemoteFolderPath, "model")
}

func (j RemoteJob) Validate() error {
	if _, ok := modelNames[j.Model]; !ok {
		return errors.New("job has no model")
	}
	if j.Machine == "" {
		return errors.New("job has no machine")
	}
	if j.SourcePath == "" {
		return errors.New("job has no source path")
	}
	if j.Nodes < 0 || j.Tasks < 0 {
		return errors.Errorf("invalid resource request: %d nodes, %d tasks", j.Nodes, j.Tasks)
	}
	if j.Walltime < 0 {
		return errors.Errorf("invalid walltime %s", j.Walltime)
	}
	return nil
}

// Outputs lists the values an orchestrator needs to resume the job, in the
// order they are reported.
func (r SubmissionResult) Outputs() []lifecycle.Output {
	return []lifecycle.Output{
		{Name: "remote_id", Value: r.RemoteID},
		{Name: "remote_folder_path", Value: r.RemoteFolderPath},
		{Name: "remote_slurm_out_file_path", Value: r.RemoteStdoutPath},
	}
}

// LoadJobSpec reads a RemoteJob from a YAML file.  Unknown keys are errors.
func LoadJobSpec(filename string) (RemoteJob, error) {
	f, err := os.Open(filename)
	if err != nil {
		return RemoteJob{}, errors.Wrap(err, "failed to open job file")
	}
	defer f.Close()
	job, err := DecodeJobSpec(f)
	if err != nil {
		return job, errors.Wrapf(err, "invalid job file %s", filename)
	}
	return job, nil
}

func DecodeJobSpec(r io.Reader) (RemoteJob, error) {
	var job RemoteJob
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&job); err != nil {
		return RemoteJob{}, err
	}
	return job, nil
}

func NewTracker() *Tracker {
	return &Tracker{current: StatusSubmitted, history: []JobStatus{StatusSubmitted}}
}

func (t *Tracker) Current() JobStatus {
	return t.current
}

func (t *Tracker) History() []JobStatus {
	return append([]JobStatus(nil), t.history...)
}

// Observe records a status reported for the job.  A job never leaves a
// terminal status and never goes back to SUBMITTED.
func (t *Tracker) Observe(status JobStatus) error {
	if status == t.current {
		return nil
	}
	if t.current.Terminal() {
		return &error_codes.LifecycleInconsistencyError{
			Operation: "status",
			Reason:    "job already finished as " + string(t.current) + " but was reported " + string(status),
		}
	}
	if status == StatusSubmitted || status == StatusCancelled {
		return &error_codes.LifecycleInconsistencyError{
			Operation: "status",
			Reason:    "cannot move from " + string(t.current) + " to " + string(status),
		}
	}
	t.current = status
	t.history = append(t.history, status)
	return nil
}
