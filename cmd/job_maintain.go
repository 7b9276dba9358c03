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
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cybergis/hpcsup/param"
	"github.com/cybergis/hpcsup/supervisor"
)

var (
	jobMaintainCmd = &cobra.Command{
		Use:   "maintain",
		Short: "Check a submitted job once and report its status",
		Long: `Query the scheduler for a submitted job.  A completed job is downloaded
and reported with JOB_ENDED, preceded by @custom_downloaded_path=[...]
when the model names one; a failed job is reported with JOB_FAILED; any
other state, including a status query that failed, with JOB_STATUS.`,
		Args: cobra.NoArgs,
		RunE: jobMaintainMain,
	}

	jobWatchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Wait for a submitted job to finish, then download its results",
		Long: `Poll the scheduler every --interval until the job completes or fails,
then report it the way "job maintain" does.  Failed status queries are
logged and polling continues, up to Job.MaxStatusFailures in a row when
that is set.`,
		Args: cobra.NoArgs,
		RunE: jobWatchMain,
	}
)

func init() {
	jobWatchCmd.Flags().Duration("interval", 0, "Time between status queries (default Job.StatusPollInterval)")
	if err := viper.BindPFlag(param.Job_StatusPollInterval.GetName(), jobWatchCmd.Flags().Lookup("interval")); err != nil {
		panic(err)
	}
}

func jobMaintainMain(cmd *cobra.Command, args []string) error {
	return runJobCheck(cmd, false)
}

func jobWatchMain(cmd *cobra.Command, args []string) error {
	return runJobCheck(cmd, true)
}

func runJobCheck(cmd *cobra.Command, watch bool) error {
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
	var outcome supervisor.Outcome
	if watch {
		outcome, err = sup.WatchJob(ctx, rep, job, jobLocal)
	} else {
		outcome, err = sup.MaintainJob(ctx, rep, job, jobLocal)
	}
	if err != nil {
		log.Warningf("Check of %s job %s did not complete: %v", job.Model, job.RemoteID, err)
		return reportedErr(w, err)
	}
	log.Debugf("Job %s is %s (%s)", job.RemoteID, outcome.Status, outcome.Code)
	return nil
}
