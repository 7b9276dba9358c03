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

package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/param"
	"github.com/cybergis/hpcsup/supervisor"
	"github.com/cybergis/hpcsup/transfer"
)

func TestHandleCLIVersionFlag(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	t.Cleanup(func() { os.Stdout = oldStdout })

	err = handleCLI([]string{"hpcsup", "job", "init", "--version"})
	require.NoError(t, w.Close())
	os.Stdout = oldStdout
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "Version: dev\nBuild Date: unknown\nBuild Commit: none\nBuilt By: unknown\n", string(got))
}

func TestEventsParse(t *testing.T) {
	input := strings.Join([]string{
		"some program output",
		"@var=[remote_id:4242]",
		"@event=[JOB_INITIALIZED: initialized SUMMA job]",
		"@custom_downloaded_path=[/tmp/job/output]",
		"@var=[broken]",
	}, "\n")

	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader(input))
	out := &bytes.Buffer{}
	cmd.SetOut(out)

	require.NoError(t, eventsParseMain(cmd, nil))
	assert.Equal(t,
		`{"kind":"var","name":"remote_id","value":"4242"}`+"\n"+
			`{"kind":"event","tag":"JOB_INITIALIZED","message":"initialized SUMMA job"}`+"\n"+
			`{"kind":"key","name":"custom_downloaded_path","value":"/tmp/job/output"}`+"\n",
		out.String())
}

func TestMaintainEvent(t *testing.T) {
	handle := transfer.Handle{TaskID: "task-1", Label: "job7_hpc_alice_data_ab12"}
	testCases := []struct {
		status  transfer.Status
		tag     string
		message string
	}{
		{transfer.StatusSucceeded, "JOB_ENDED", "SUCCEEDED (job7 ; task-1 ; job7_hpc_alice_data_ab12)"},
		{transfer.StatusFailed, "JOB_FAILED", "FAILED (job7 ; task-1 ; job7_hpc_alice_data_ab12)"},
		{transfer.StatusActive, "JOB_STATUS", "ACTIVE (job7 ; task-1 ; job7_hpc_alice_data_ab12)"},
		{transfer.StatusInactive, "JOB_STATUS", "INACTIVE (job7 ; task-1 ; job7_hpc_alice_data_ab12)"},
	}
	for _, tc := range testCases {
		t.Run(string(tc.status), func(t *testing.T) {
			event := maintainEvent("job7", handle, transfer.TaskInfo{Status: tc.status})
			assert.Equal(t, tc.tag, string(event.Tag))
			assert.Equal(t, tc.message, event.Message)
		})
	}
}

func TestBuildTransferTask(t *testing.T) {
	require.NoError(t, param.Reset())
	t.Cleanup(func() { require.NoError(t, param.Reset()) })
	require.NoError(t, param.MultiSet(map[string]interface{}{
		param.Transfer_SourceEndpoint.GetName():      "src-endpoint",
		param.Transfer_DestinationEndpoint.GetName(): "dst-endpoint",
		param.Transfer_SyncLevel.GetName():           "mtime",
	}))

	machine := config.Machine{
		Name:   "keeling",
		Globus: config.GlobusEndpoint{Endpoint: "hpc-endpoint", RootPath: "/scratch/cybergis"},
	}
	opts := transferInitOptions{Machine: "keeling", User: "alice", Folder: "job7", SourcePath: "/data/job7"}

	t.Run("upload", func(t *testing.T) {
		task, err := buildTransferTask("job7", opts, machine)
		require.NoError(t, err)
		assert.Equal(t, "src-endpoint", task.SourceEndpoint)
		assert.Equal(t, "/data/job7", task.SourcePath)
		assert.Equal(t, "hpc-endpoint", task.DestinationEndpoint)
		assert.Equal(t, "/scratch/cybergis/job7", task.DestinationPath)
		assert.Equal(t, "mtime", task.SyncLevel)
		assert.True(t, task.Recursive)
		assert.True(t, strings.HasPrefix(task.Label, "job7_keeling_alice_job7_"), task.Label)
		assert.NoError(t, task.Validate())
	})

	t.Run("download", func(t *testing.T) {
		down := opts
		down.Download = true
		down.SourcePath = ""
		down.DestinationPath = "/results/job7"
		task, err := buildTransferTask("job7", down, machine)
		require.NoError(t, err)
		assert.Equal(t, "hpc-endpoint", task.SourceEndpoint)
		assert.Equal(t, "/scratch/cybergis/job7", task.SourcePath)
		assert.Equal(t, "dst-endpoint", task.DestinationEndpoint)
		assert.Equal(t, "/results/job7", task.DestinationPath)
	})

	t.Run("no-endpoint", func(t *testing.T) {
		_, err := buildTransferTask("job7", opts, config.Machine{Name: "bare"})
		assert.ErrorContains(t, err, "no transfer endpoint")
	})
}

func TestJobFromFlags(t *testing.T) {
	specFile := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(specFile, []byte(`model: summa
machine: keeling
source_path: /data/summa
nodes: 2
walltime: 2h
memory: 4GB
`), 0644))

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().AddFlagSet(jobCmd.PersistentFlags())
	t.Cleanup(func() {
		jobSpec = ""
		jobOpts = supervisor.RemoteJob{}
		jobModel = supervisor.ModelUnknown
	})
	require.NoError(t, cmd.ParseFlags([]string{
		"--spec", specFile,
		"--model", "WRFHydro",
		"--nodes", "4",
		"--remote-id", "8812",
	}))

	job, err := jobFromFlags(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, supervisor.ModelWRFHydro, job.Model)
	assert.Equal(t, "keeling", job.Machine)
	assert.Equal(t, "/data/summa", job.SourcePath)
	assert.Equal(t, 4, job.Nodes)
	assert.Equal(t, 2*time.Hour, job.Walltime)
	assert.Equal(t, "4GB", job.Memory)
	assert.Equal(t, "8812", job.RemoteID)
}

func TestJobFromFlagsNeedsMachine(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	_, err := jobFromFlags(cmd.Flags())
	assert.ErrorContains(t, err, "no machine given")
}

func TestReportedErr(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetOut(io.Discard)
	rep, w := newReporter(cmd)
	failure := errors.New("boom")

	assert.ErrorIs(t, reportedErr(w, failure), failure)
	rep.Key("status", "FAILED")
	assert.NoError(t, reportedErr(w, failure))
	assert.NoError(t, reportedErr(w, nil))
}
