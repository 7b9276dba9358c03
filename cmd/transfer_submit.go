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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cybergis/hpcsup/globus"
	"github.com/cybergis/hpcsup/lifecycle"
	"github.com/cybergis/hpcsup/param"
	"github.com/cybergis/hpcsup/transfer"
)

var (
	transferSubmitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit a transfer and print its task id",
		Long: `Submit a transfer between Transfer.SourceEndpoint and
Transfer.DestinationEndpoint and print the task id as @task_id=[...].`,
		Args: cobra.NoArgs,
		RunE: transferSubmitMain,
	}

	transferStatusCmd = &cobra.Command{
		Use:   "status <task id>",
		Short: "Print the current status of a transfer as @status=[...]",
		Args:  cobra.ExactArgs(1),
		RunE:  transferStatusMain,
	}

	transferCancelCmd = &cobra.Command{
		Use:   "cancel <task id>",
		Short: "Cancel a transfer",
		Args:  cobra.ExactArgs(1),
		RunE:  transferCancelMain,
	}

	submitTask transfer.Task
)

func init() {
	flags := transferSubmitCmd.Flags()
	flags.StringVar(&submitTask.SourcePath, "source-path", "", "Path on the source endpoint")
	flags.StringVar(&submitTask.DestinationPath, "destination-path", "", "Path on the destination endpoint")
	flags.StringVar(&submitTask.Label, "label", "", "Task label; generated when empty")
	flags.BoolVarP(&submitTask.Recursive, "recursive", "r", true, "Transfer a directory tree")
	flags.String("sync-level", "", "One of exists, size, mtime or checksum (default Transfer.SyncLevel)")
}

func transferSubmitMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rep, w := newReporter(cmd)

	task := submitTask
	task.SourceEndpoint = param.Transfer_SourceEndpoint.GetString()
	task.DestinationEndpoint = param.Transfer_DestinationEndpoint.GetString()
	task.SyncLevel = param.Transfer_SyncLevel.GetString()
	if level, _ := cmd.Flags().GetString("sync-level"); level != "" {
		task.SyncLevel = level
	}
	if task.Label == "" {
		task.Label = globusLabel(task)
	}

	coord, err := newCoordinator(ctx, nil)
	if err != nil {
		return err
	}
	handle, err := coord.Submit(ctx, task)
	if err != nil {
		log.Errorf("Failed to submit transfer %s: %v", task.Label, err)
		rep.Emit(lifecycle.NewEvent(lifecycle.JobFailed, fmt.Sprintf("transfer %s could not be submitted: %v", task.Label, err)))
		return reportedErr(w, err)
	}
	rep.Key("task_id", handle.TaskID)
	return nil
}

// globusLabel names an ad hoc transfer after the folder it moves.
func globusLabel(task transfer.Task) string {
	return globus.MakeLabel("hpcsup", path.Base(task.SourcePath))
}

func transferStatusMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rep, w := newReporter(cmd)

	coord, err := newCoordinator(ctx, nil)
	if err != nil {
		return err
	}
	info, err := coord.Poll(ctx, transfer.Handle{TaskID: args[0]})
	if err != nil {
		reportUnknownTransfer(rep, args[0], err)
		return reportedErr(w, err)
	}
	rep.Key("status", info.RawStatus)
	return nil
}

// reportUnknownTransfer answers a status request whose query failed.  The
// task itself may be fine, so the event is JOB_STATUS.
func reportUnknownTransfer(rep *lifecycle.Reporter, taskID string, err error) {
	log.Warningf("Failed to query transfer task %s: %v", taskID, err)
	rep.Key("status", "UNKNOWN")
	rep.Emit(lifecycle.NewEvent(lifecycle.JobStatus, fmt.Sprintf("UNKNOWN (%s): %v", taskID, err)))
}

func transferCancelMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	coord, err := newCoordinator(ctx, nil)
	if err != nil {
		return err
	}
	return coord.Cancel(ctx, transfer.Handle{TaskID: args[0]})
}
