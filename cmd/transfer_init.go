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
	"fmt"
	"path"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/globus"
	"github.com/cybergis/hpcsup/lifecycle"
	"github.com/cybergis/hpcsup/param"
	"github.com/cybergis/hpcsup/transfer"
)

var (
	transferInitCmd = &cobra.Command{
		Use:   "init <job id>",
		Short: "Submit the transfer of a job's folder and report it as initialized",
		Long: `Submit the transfer of a job's folder between an HPC machine and the
destination endpoint.  The task label is built from the job id, machine,
user and folder so that it can be found again in the transfer service.
The task id and label are reported as the globus_task_id and
globus_task_label outputs of JOB_INITIALIZED.`,
		Args: cobra.ExactArgs(1),
		RunE: transferInitMain,
	}

	transferMaintainCmd = &cobra.Command{
		Use:   "maintain <job id> <task id> <label>",
		Short: "Check a transfer once and report JOB_ENDED, JOB_FAILED or JOB_STATUS",
		Args:  cobra.ExactArgs(3),
		RunE:  transferMaintainMain,
	}
)

type transferInitOptions struct {
	Machine         string
	User            string
	Folder          string
	SourcePath      string
	DestinationPath string
	Download        bool
}

var initOpts transferInitOptions

func init() {
	flags := transferInitCmd.Flags()
	flags.StringVar(&initOpts.Machine, "hpc", "", "Machine from the Machines catalog")
	flags.StringVar(&initOpts.User, "user", "", "User the job belongs to")
	flags.StringVar(&initOpts.Folder, "folder", "", "Job folder being transferred")
	flags.StringVar(&initOpts.SourcePath, "source-path", "", "Path on the source endpoint")
	flags.StringVar(&initOpts.DestinationPath, "destination-path", "", "Path on the destination endpoint")
	flags.BoolVar(&initOpts.Download, "download", false, "Transfer from the machine to the destination endpoint instead of to the machine")
	if err := transferInitCmd.MarkFlagRequired("hpc"); err != nil {
		panic(err)
	}
}

// buildTransferTask fills in the machine end of the transfer from the
// catalog.  Uploads go from Transfer.SourceEndpoint to the machine;
// downloads go from the machine to Transfer.DestinationEndpoint.
func buildTransferTask(jobID string, opts transferInitOptions, machine config.Machine) (transfer.Task, error) {
	if machine.Globus.Endpoint == "" {
		return transfer.Task{}, errors.Errorf("machine %s has no transfer endpoint configured", machine.Name)
	}
	label := globus.MakeLabel(jobID, opts.Machine, opts.User, opts.Folder)
	remotePath := path.Join(machine.Globus.RootPath, opts.Folder)

	task := transfer.Task{
		Label:     label,
		SyncLevel: param.Transfer_SyncLevel.GetString(),
		Recursive: true,
	}
	if opts.Download {
		task.SourceEndpoint = machine.Globus.Endpoint
		task.SourcePath = firstNonEmpty(opts.SourcePath, remotePath)
		task.DestinationEndpoint = param.Transfer_DestinationEndpoint.GetString()
		task.DestinationPath = opts.DestinationPath
	} else {
		task.SourceEndpoint = param.Transfer_SourceEndpoint.GetString()
		task.SourcePath = opts.SourcePath
		task.DestinationEndpoint = machine.Globus.Endpoint
		task.DestinationPath = firstNonEmpty(opts.DestinationPath, remotePath)
	}
	return task, nil
}

func transferInitMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID := args[0]
	rep, w := newReporter(cmd)

	fail := func(err error) error {
		log.Errorf("Failed to initialize transfer for job %s: %v", jobID, err)
		rep.Emit(lifecycle.NewEvent(lifecycle.JobFailed, fmt.Sprintf("%s: %v", jobID, err)))
		return reportedErr(w, err)
	}

	machine, err := config.GetMachine(initOpts.Machine)
	if err != nil {
		return err
	}
	task, err := buildTransferTask(jobID, initOpts, machine)
	if err != nil {
		return fail(err)
	}
	coord, err := newCoordinator(ctx, nil)
	if err != nil {
		return fail(err)
	}
	handle, err := coord.Submit(ctx, task)
	if err != nil {
		return fail(err)
	}
	rep.Emit(lifecycle.NewEvent(lifecycle.JobInitialized,
		fmt.Sprintf("%s (Globus task id %s; label %s)", jobID, handle.TaskID, handle.Label),
		lifecycle.Output{Name: "globus_task_id", Value: handle.TaskID},
		lifecycle.Output{Name: "globus_task_label", Value: handle.Label},
	))
	return nil
}

// maintainEvent maps one observation of a transfer onto the event that
// reports it.
func maintainEvent(jobID string, handle transfer.Handle, info transfer.TaskInfo) lifecycle.Event {
	msg := fmt.Sprintf("%s (%s ; %s ; %s)", info.Status, jobID, handle.TaskID, handle.Label)
	switch info.Status {
	case transfer.StatusSucceeded:
		return lifecycle.NewEvent(lifecycle.JobEnded, msg)
	case transfer.StatusFailed:
		return lifecycle.NewEvent(lifecycle.JobFailed, msg)
	default:
		return lifecycle.NewEvent(lifecycle.JobStatus, msg)
	}
}

func transferMaintainMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jobID := args[0]
	handle := transfer.Handle{TaskID: args[1], Label: args[2]}
	rep, w := newReporter(cmd)

	coord, err := newCoordinator(ctx, nil)
	if err != nil {
		return err
	}
	info, err := coord.Poll(ctx, handle)
	if err != nil {
		// A failed query says nothing about the task; check again later.
		log.Warningf("Failed to query transfer task %s: %v", handle.TaskID, err)
		rep.Emit(lifecycle.NewEvent(lifecycle.JobStatus,
			fmt.Sprintf("UNKNOWN (%s ; %s ; %s): %v", jobID, handle.TaskID, handle.Label, err)))
		return reportedErr(w, err)
	}
	rep.Emit(maintainEvent(jobID, handle, info))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
