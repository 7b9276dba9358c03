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
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/lifecycle"
	"github.com/cybergis/hpcsup/retry"
)

type fetchCall struct {
	remote string
	local  string
}

type fakeChannel struct {
	mu          sync.Mutex
	stageErrs   []error
	submitErrs  []error
	codes       []string
	statusErrs  map[int]error
	fetchErr    error
	stageCalls  atomic.Int32
	submitCalls atomic.Int32
	statusCalls atomic.Int32
	closed      atomic.Bool
	specs       []JobSpec
	fetches     []fetchCall
	cancelled   []string
}

func (f *fakeChannel) Stage(context.Context, string, string) error {
	call := int(f.stageCalls.Inc())
	if call <= len(f.stageErrs) {
		return f.stageErrs[call-1]
	}
	return nil
}

func (f *fakeChannel) Submit(_ context.Context, spec JobSpec) (string, error) {
	call := int(f.submitCalls.Inc())
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if call <= len(f.submitErrs) {
		return "", f.submitErrs[call-1]
	}
	return "4242", nil
}

func (f *fakeChannel) QueryStatus(context.Context, string) (string, error) {
	call := int(f.statusCalls.Inc())
	if err, ok := f.statusErrs[call]; ok {
		return "", err
	}
	if len(f.codes) == 0 {
		return "R", nil
	}
	if call-1 < len(f.codes) {
		return f.codes[call-1], nil
	}
	return f.codes[len(f.codes)-1], nil
}

func (f *fakeChannel) Fetch(_ context.Context, remote, local string) error {
	f.mu.Lock()
	f.fetches = append(f.fetches, fetchCall{remote: remote, local: local})
	f.mu.Unlock()
	return f.fetchErr
}

func (f *fakeChannel) CancelJob(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, remoteID)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeDialer struct {
	ch    *fakeChannel
	err   error
	calls atomic.Int32
}

func (d *fakeDialer) Connect(context.Context) (Channel, error) {
	d.calls.Inc()
	if d.err != nil {
		return nil, d.err
	}
	return d.ch, nil
}

func testConfig() Config {
	return Config{
		Retry:              retry.Policy{MaxAttempts: 3},
		RemoteRoot:         "/scratch/cigi",
		UnknownIsComplete:  true,
		StatusPollInterval: 10 * time.Millisecond,
	}
}

func newTestSupervisor(ch *fakeChannel) (*Supervisor, *fakeDialer) {
	dialer := &fakeDialer{ch: ch}
	return New(dialer, testConfig()), dialer
}

func testJob(model Model) RemoteJob {
	return RemoteJob{
		Model:        model,
		Machine:      "keeling",
		WorkspaceDir: "/data/workspace",
		SourcePath:   "/data/upload/model",
		Nodes:        2,
		Tasks:        4,
		Walltime:     time.Hour,
		JobName:      "job_1",
	}
}

func submittedJob(model Model) RemoteJob {
	job := testJob(model)
	job.RemoteID = "4242"
	job.RemoteFolderPath = "/scratch/cigi/job_1"
	job.RemoteStdoutPath = "/scratch/cigi/job_1/slurm_log/job.stdout"
	return job
}

func reportLines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
}

func TestParseModel(t *testing.T) {
	for name, want := range map[string]Model{
		"summa":      ModelSUMMA,
		"RHESSys":    ModelRHESSys,
		"wrfhydro":   ModelWRFHydro,
		"HELLOWORLD": ModelHelloWorld,
	} {
		got, err := ParseModel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseModel("spark")
	assert.Error(t, err)
	assert.Equal(t, "Unknown", ModelUnknown.String())
}

func TestStatusFromCode(t *testing.T) {
	tests := map[string]JobStatus{
		"PD":        StatusQueued,
		"CF":        StatusQueued,
		"R":         StatusRunning,
		"cg":        StatusRunning,
		"C":         StatusCompleted,
		" CD\n":     StatusCompleted,
		"ERROR":     StatusError,
		"F":         StatusError,
		"TO":        StatusError,
		"NODE_FAIL": StatusError,
		"BF":        StatusError,
		"DL":        StatusError,
		"PR":        StatusError,
		"BOOT_FAIL": StatusError,
		"DEADLINE":  StatusError,
		"PREEMPTED": StatusError,
		"RQ":        StatusQueued,
		"RH":        StatusQueued,
		"SO":        StatusRunning,
		"NOT_FOUND": StatusNotFound,
		"":          StatusNotFound,
		"UNKNOWN":   StatusUnknown,
		"RETRY":     StatusUnknown,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusFromCode(code), "code %q", code)
	}
}

func TestTracker(t *testing.T) {
	tracker := NewTracker()
	assert.Equal(t, StatusSubmitted, tracker.Current())
	require.NoError(t, tracker.Observe(StatusQueued))
	require.NoError(t, tracker.Observe(StatusQueued))
	require.NoError(t, tracker.Observe(StatusRunning))
	require.NoError(t, tracker.Observe(StatusCompleted))
	assert.Equal(t, []JobStatus{StatusSubmitted, StatusQueued, StatusRunning, StatusCompleted}, tracker.History())

	err := tracker.Observe(StatusRunning)
	assert.True(t, errors.Is(err, &error_codes.LifecycleInconsistencyError{}))
	assert.Equal(t, StatusCompleted, tracker.Current())

	tracker = NewTracker()
	require.NoError(t, tracker.Observe(StatusRunning))
	assert.Error(t, tracker.Observe(StatusSubmitted))
}

func TestDecodeJobSpec(t *testing.T) {
	job, err := DecodeJobSpec(strings.NewReader(`
model: rhessys
machine: keeling
workspace_dir: /data/RHESSys
source_path: /data/upload/abc
nodes: 4
walltime: 2h
partition: cpu
memory: 8GiB
job_name: rhessys_abc
`))
	require.NoError(t, err)
	assert.Equal(t, ModelRHESSys, job.Model)
	assert.Equal(t, 4, job.Nodes)
	assert.Equal(t, 2*time.Hour, job.Walltime)
	assert.Equal(t, "8GiB", job.Memory)
	require.NoError(t, job.Validate())

	_, err = DecodeJobSpec(strings.NewReader("model: spark\n"))
	assert.Error(t, err)
	_, err = DecodeJobSpec(strings.NewReader("model: summa\nnode: 3\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestLoadJobSpec(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(filename, []byte("model: HelloWorld\nmachine: keeling\nsource_path: /src\n"), 0644))
	job, err := LoadJobSpec(filename)
	require.NoError(t, err)
	assert.Equal(t, ModelHelloWorld, job.Model)

	_, err = LoadJobSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSubmitSetsRemoteFields(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newTestSupervisor(ch)

	job, result, err := s.Submit(context.Background(), ch, testJob(ModelSUMMA))
	require.NoError(t, err)
	assert.Equal(t, "4242", job.RemoteID)
	assert.Equal(t, "/scratch/cigi/job_1", job.RemoteFolderPath)
	assert.Equal(t, "/scratch/cigi/job_1/slurm_log/job.stdout", job.RemoteStdoutPath)
	assert.Equal(t, SubmissionResult{
		RemoteID:         "4242",
		RemoteFolderPath: "/scratch/cigi/job_1",
		RemoteStdoutPath: "/scratch/cigi/job_1/slurm_log/job.stdout",
	}, result)

	require.Len(t, ch.specs, 1)
	spec := ch.specs[0]
	assert.Equal(t, "/scratch/cigi/job_1/model", spec.WorkDir)
	assert.Equal(t, "/scratch/cigi/job_1/slurm_log/job.stderr", spec.StderrPath)
	assert.Equal(t, 2, spec.Nodes)
	assert.Contains(t, spec.Command, "installTestCases_local.sh")
}

func TestSubmitGeneratesJobName(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newTestSupervisor(ch)
	job := testJob(ModelWRFHydro)
	job.JobName = ""

	submitted, _, err := s.Submit(context.Background(), ch, job)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(submitted.JobName, "wrfhydro_"))
	assert.Equal(t, "/scratch/cigi/"+submitted.JobName, submitted.RemoteFolderPath)
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	ch := &fakeChannel{
		stageErrs:  []error{&net.OpError{Op: "read", Err: errors.New("connection reset")}},
		submitErrs: []error{error_codes.NewTransient("sbatch", errors.New("socket timed out"))},
	}
	s, _ := newTestSupervisor(ch)

	job, _, err := s.Submit(context.Background(), ch, testJob(ModelRHESSys))
	require.NoError(t, err)
	assert.Equal(t, "4242", job.RemoteID)
	assert.Equal(t, int32(2), ch.stageCalls.Load())
	assert.Equal(t, int32(2), ch.submitCalls.Load())
}

func TestSubmitAlreadySubmitted(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newTestSupervisor(ch)

	_, _, err := s.Submit(context.Background(), ch, submittedJob(ModelSUMMA))
	assert.True(t, errors.Is(err, &error_codes.LifecycleInconsistencyError{}))
	assert.Zero(t, ch.submitCalls.Load())
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newTestSupervisor(ch)

	job := testJob(ModelSUMMA)
	job.JobName = "../escape"
	_, _, err := s.Submit(context.Background(), ch, job)
	assert.True(t, errors.Is(err, &error_codes.PermanentRemoteError{}))

	job = testJob(ModelSUMMA)
	job.SourcePath = ""
	_, _, err = s.Submit(context.Background(), ch, job)
	assert.True(t, errors.Is(err, &error_codes.PermanentRemoteError{}))
	assert.Zero(t, ch.stageCalls.Load())
}

func TestStatusRequiresRemoteID(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newTestSupervisor(ch)

	_, _, err := s.Status(context.Background(), ch, testJob(ModelSUMMA))
	assert.True(t, errors.Is(err, &error_codes.LifecycleInconsistencyError{}))
	assert.Zero(t, ch.statusCalls.Load())

	err = s.Download(context.Background(), ch, "", "/tmp/out")
	assert.True(t, errors.Is(err, &error_codes.LifecycleInconsistencyError{}))
	assert.Empty(t, ch.fetches)
}

func TestStatusIsSingleShot(t *testing.T) {
	ch := &fakeChannel{statusErrs: map[int]error{1: &net.OpError{Op: "read", Err: errors.New("reset")}}}
	s, _ := newTestSupervisor(ch)

	status, _, err := s.Status(context.Background(), ch, submittedJob(ModelSUMMA))
	assert.Error(t, err)
	assert.Equal(t, StatusUnknown, status)
	assert.Equal(t, int32(1), ch.statusCalls.Load())
}

func TestMaintainCompletedDownloads(t *testing.T) {
	ch := &fakeChannel{codes: []string{"C"}}
	s, _ := newTestSupervisor(ch)

	outcome, err := s.Maintain(context.Background(), ch, submittedJob(ModelRHESSys), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobEnded, outcome.Event.Tag)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, filepath.Join("/data/local", "output"), outcome.DownloadedPath)
	require.Len(t, ch.fetches, 1)
	assert.Equal(t, fetchCall{remote: "/scratch/cigi/job_1/model/output", local: filepath.Join("/data/local", "output")}, ch.fetches[0])
}

func TestMaintainSUMMADownloadsFolderAndLog(t *testing.T) {
	ch := &fakeChannel{codes: []string{"C"}}
	s, _ := newTestSupervisor(ch)

	outcome, err := s.Maintain(context.Background(), ch, submittedJob(ModelSUMMA), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobEnded, outcome.Event.Tag)
	assert.Equal(t, []fetchCall{
		{remote: "/scratch/cigi/job_1", local: "/data/local"},
		{remote: "/scratch/cigi/job_1/slurm_log/job.stdout", local: filepath.Join("/data/local", "job.stdout")},
	}, ch.fetches)
}

func TestMaintainErrorDoesNotDownload(t *testing.T) {
	ch := &fakeChannel{codes: []string{"ERROR"}}
	s, _ := newTestSupervisor(ch)
	var buf bytes.Buffer

	outcome, err := s.MaintainJob(context.Background(), lifecycle.NewReporter(&buf), submittedJob(ModelWRFHydro), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, StatusError, outcome.Status)
	assert.Empty(t, ch.fetches)
	assert.Equal(t, []string{"@event=[JOB_FAILED: WRFHydro job with remote_id 4242 failed]"}, reportLines(&buf))
	assert.True(t, ch.closed.Load())
}

func TestMaintainJobReportsDownloadedPath(t *testing.T) {
	ch := &fakeChannel{codes: []string{"C"}}
	s, _ := newTestSupervisor(ch)
	var buf bytes.Buffer

	_, err := s.MaintainJob(context.Background(), lifecycle.NewReporter(&buf), submittedJob(ModelHelloWorld), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"@custom_downloaded_path=[" + filepath.Join("/data/local", "output") + "]",
		"@event=[JOB_ENDED: HelloWorld job with remote_id 4242 completed]",
	}, reportLines(&buf))
}

func TestMaintainNotFoundHeuristic(t *testing.T) {
	ch := &fakeChannel{codes: []string{NotFoundCode}}
	s, _ := newTestSupervisor(ch)

	outcome, err := s.Maintain(context.Background(), ch, submittedJob(ModelWRFHydro), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobEnded, outcome.Event.Tag)
	assert.Equal(t, NotFoundCode, outcome.Code)
	assert.Len(t, ch.fetches, 1)

	ch = &fakeChannel{codes: []string{NotFoundCode}}
	cfg := testConfig()
	cfg.UnknownIsComplete = false
	s = New(&fakeDialer{ch: ch}, cfg)
	outcome, err = s.Maintain(context.Background(), ch, submittedJob(ModelWRFHydro), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobStatus, outcome.Event.Tag)
	assert.Equal(t, StatusNotFound, outcome.Status)
	assert.Empty(t, ch.fetches)
}

// Only a job the scheduler has forgotten counts as complete; codes that
// are merely unmapped stay non-terminal.
func TestMaintainUnmappedCodeIsNotComplete(t *testing.T) {
	for _, code := range []string{"UNKNOWN", "XX"} {
		ch := &fakeChannel{codes: []string{code}}
		s, _ := newTestSupervisor(ch)

		outcome, err := s.Maintain(context.Background(), ch, submittedJob(ModelRHESSys), "/data/local")
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, outcome.Status, "code %s", code)
		assert.Equal(t, lifecycle.JobStatus, outcome.Event.Tag, "code %s", code)
		assert.Empty(t, ch.fetches, "code %s", code)
	}
}

func TestMaintainSlurmStates(t *testing.T) {
	tests := map[string]lifecycle.Tag{
		"RH":        lifecycle.JobStatus,
		"RQ":        lifecycle.JobStatus,
		"SO":        lifecycle.JobStatus,
		"BF":        lifecycle.JobFailed,
		"DL":        lifecycle.JobFailed,
		"PR":        lifecycle.JobFailed,
		"DEADLINE":  lifecycle.JobFailed,
		"BOOT_FAIL": lifecycle.JobFailed,
		"PREEMPTED": lifecycle.JobFailed,
	}
	for code, want := range tests {
		ch := &fakeChannel{codes: []string{code}}
		s, _ := newTestSupervisor(ch)

		outcome, err := s.Maintain(context.Background(), ch, submittedJob(ModelRHESSys), "/data/local")
		require.NoError(t, err)
		assert.Equal(t, want, outcome.Event.Tag, "code %s", code)
		assert.Empty(t, ch.fetches, "code %s", code)
	}
}

func TestMaintainWithoutRemoteFolder(t *testing.T) {
	ch := &fakeChannel{codes: []string{"C"}}
	s, _ := newTestSupervisor(ch)
	job := submittedJob(ModelRHESSys)
	job.RemoteFolderPath = ""

	_, err := s.Maintain(context.Background(), ch, job, "/data/local")
	assert.True(t, errors.Is(err, &error_codes.LifecycleInconsistencyError{}))
	assert.Empty(t, ch.fetches)

	job.RemoteFolderPath = "job_1"
	_, err = s.Maintain(context.Background(), ch, job, "/data/local")
	assert.True(t, errors.Is(err, &error_codes.LifecycleInconsistencyError{}))
	assert.Empty(t, ch.fetches)
}

func TestMaintainRunning(t *testing.T) {
	ch := &fakeChannel{codes: []string{"R"}}
	s, _ := newTestSupervisor(ch)

	outcome, err := s.Maintain(context.Background(), ch, submittedJob(ModelSUMMA), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobStatus, outcome.Event.Tag)
	assert.False(t, outcome.Terminal())
	assert.Equal(t, "SUMMA job with remote_id 4242 is RUNNING (R)", outcome.Event.Message)
}

func TestMaintainDownloadFailure(t *testing.T) {
	ch := &fakeChannel{codes: []string{"CD"}, fetchErr: error_codes.NewPermanent("download", errors.New("remote path does not exist"))}
	s, _ := newTestSupervisor(ch)

	outcome, err := s.Maintain(context.Background(), ch, submittedJob(ModelWRFHydro), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobFailed, outcome.Event.Tag)
	assert.Contains(t, outcome.Event.Message, "does not exist")
	assert.Len(t, ch.fetches, 1, "permanent download failures are not retried")
}

func TestMaintainStatusQueryFailure(t *testing.T) {
	ch := &fakeChannel{statusErrs: map[int]error{1: errors.New("squeue: command not found")}}
	s, _ := newTestSupervisor(ch)

	outcome, err := s.Maintain(context.Background(), ch, submittedJob(ModelSUMMA), "/data/local")
	assert.Error(t, err)
	assert.Equal(t, lifecycle.JobStatus, outcome.Event.Tag)
}

func TestInitJobEmitsEvents(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newTestSupervisor(ch)
	var buf bytes.Buffer

	job, err := s.InitJob(context.Background(), lifecycle.NewReporter(&buf), testJob(ModelSUMMA))
	require.NoError(t, err)
	assert.Equal(t, "4242", job.RemoteID)
	assert.Equal(t, []string{
		"@event=[SUMMA_HPC_CONNECTED: connected to HPC]",
		"@event=[SUMMA_HPC_SUBMITTED: submitted SUMMA job to HPC]",
		"@var=[remote_id:4242]",
		"@var=[remote_folder_path:/scratch/cigi/job_1]",
		"@var=[remote_slurm_out_file_path:/scratch/cigi/job_1/slurm_log/job.stdout]",
		"@event=[JOB_INITIALIZED: initialized SUMMA job in HPC job queue with remote_id 4242]",
	}, reportLines(&buf))
}

func TestInitJobPermanentSubmitFailure(t *testing.T) {
	ch := &fakeChannel{submitErrs: []error{error_codes.NewPermanent("sbatch", errors.New("Invalid account or account/partition combination"))}}
	s, _ := newTestSupervisor(ch)
	var buf bytes.Buffer

	_, err := s.InitJob(context.Background(), lifecycle.NewReporter(&buf), testJob(ModelSUMMA))
	require.Error(t, err)
	assert.True(t, errors.Is(err, &error_codes.PermanentRemoteError{}))
	assert.Equal(t, int32(1), ch.submitCalls.Load())

	out := buf.String()
	assert.NotContains(t, out, string(lifecycle.JobInitialized))
	assert.Equal(t, 1, strings.Count(out, "JOB_FAILED"))
}

func TestInitJobConnectionFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("no route to host")}
	s := New(dialer, testConfig())
	var buf bytes.Buffer

	_, err := s.InitJob(context.Background(), lifecycle.NewReporter(&buf), testJob(ModelSUMMA))
	assert.True(t, errors.Is(err, &error_codes.ConnectionError{}))
	assert.Equal(t, int32(1), dialer.calls.Load())
	assert.Equal(t, 1, len(reportLines(&buf)))
	assert.Contains(t, buf.String(), "@event=[JOB_FAILED: cannot connect to keeling")
}

func TestMaintainJobWithoutRemoteID(t *testing.T) {
	ch := &fakeChannel{}
	s, dialer := newTestSupervisor(ch)
	var buf bytes.Buffer

	_, err := s.MaintainJob(context.Background(), lifecycle.NewReporter(&buf), testJob(ModelSUMMA), "/data/local")
	assert.True(t, errors.Is(err, &error_codes.LifecycleInconsistencyError{}))
	assert.Zero(t, dialer.calls.Load())
	assert.Empty(t, buf.String())
}

func TestWatchUntilCompleted(t *testing.T) {
	ch := &fakeChannel{
		codes:      []string{"PD", "R", "R", "C"},
		statusErrs: map[int]error{3: &net.OpError{Op: "read", Err: errors.New("reset")}},
	}
	s, _ := newTestSupervisor(ch)

	outcome, err := s.Watch(context.Background(), ch, submittedJob(ModelWRFHydro), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobEnded, outcome.Event.Tag)
	assert.Equal(t, int32(4), ch.statusCalls.Load())
	assert.Len(t, ch.fetches, 1)
}

func TestWatchMaxStatusFailures(t *testing.T) {
	boom := errors.New("squeue: command not found")
	ch := &fakeChannel{statusErrs: map[int]error{1: boom, 2: boom, 3: boom}}
	cfg := testConfig()
	cfg.MaxStatusFailures = 2
	s := New(&fakeDialer{ch: ch}, cfg)

	outcome, err := s.Watch(context.Background(), ch, submittedJob(ModelSUMMA), "/data/local")
	assert.True(t, errors.Is(err, &error_codes.RetriesExhaustedError{}))
	assert.Equal(t, lifecycle.JobFailed, outcome.Event.Tag)
	assert.Equal(t, int32(2), ch.statusCalls.Load())
}

func TestWatchCancellation(t *testing.T) {
	ch := &fakeChannel{codes: []string{"R"}}
	cfg := testConfig()
	cfg.StatusPollInterval = 50 * time.Millisecond
	s := New(&fakeDialer{ch: ch}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	start := time.Now()
	outcome, err := s.Watch(ctx, ch, submittedJob(ModelSUMMA), "/data/local")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, outcome.Status)
	assert.Equal(t, lifecycle.JobStatus, outcome.Event.Tag)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, ch.fetches)
}

func TestWatchWithoutLocalPath(t *testing.T) {
	ch := &fakeChannel{codes: []string{"C"}}
	s, _ := newTestSupervisor(ch)
	job := submittedJob(ModelSUMMA)
	job.WorkspaceDir = ""

	_, err := s.Watch(context.Background(), ch, job, "")
	assert.Equal(t, error_codes.Permanent, error_codes.Classify(err))
	assert.Equal(t, int32(0), ch.statusCalls.Load())
}

func TestWatchWithoutRemoteFolder(t *testing.T) {
	ch := &fakeChannel{codes: []string{"C"}}
	s, _ := newTestSupervisor(ch)
	job := submittedJob(ModelHelloWorld)
	job.RemoteFolderPath = ""

	_, err := s.Watch(context.Background(), ch, job, "/data/local")
	assert.True(t, errors.Is(err, &error_codes.LifecycleInconsistencyError{}))
	assert.Equal(t, int32(0), ch.statusCalls.Load())
	assert.Empty(t, ch.fetches)
}

func TestCancelJob(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := newTestSupervisor(ch)
	var buf bytes.Buffer

	require.NoError(t, s.CancelJob(context.Background(), lifecycle.NewReporter(&buf), submittedJob(ModelSUMMA)))
	assert.Equal(t, []string{"4242"}, ch.cancelled)
	assert.Contains(t, buf.String(), "@event=[JOB_FAILED: SUMMA job with remote_id 4242 was cancelled]")
}
