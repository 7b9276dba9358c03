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
	"github.com/spf13/cobra"
)

var (
	jobCancelCmd = &cobra.Command{
		Use:   "cancel",
		Short: "Remove a submitted job from the scheduler queue",
		Long: `Cancel a queued or running job.  The job is reported with JOB_FAILED
since it will never produce results; if the scheduler cannot be reached
the report is JOB_STATUS and the cancel can be tried again.`,
		Args: cobra.NoArgs,
		RunE: jobCancelMain,
	}
)

func jobCancelMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	job, err := jobFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	sup, err := newSupervisor(job)
	if err != nil {
		return err
	}
	rep, w := newReporter(cmd)
	return reportedErr(w, sup.CancelJob(ctx, rep, job))
}
