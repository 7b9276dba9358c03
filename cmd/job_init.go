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
)

var (
	jobInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Stage a job on the machine and submit it to the scheduler",
		Long: `Connect to the machine, upload the model inputs, write the batch
script and submit it.  Progress is reported as <MODEL>_HPC_CONNECTED and
<MODEL>_HPC_SUBMITTED events, followed by JOB_INITIALIZED carrying
remote_id, remote_folder_path and remote_slurm_out_file_path, or by
JOB_FAILED.`,
		Args: cobra.NoArgs,
		RunE: jobInitMain,
	}
)

func jobInitMain(cmd *cobra.Command, args []string) error {
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
	submitted, err := sup.InitJob(ctx, rep, job)
	if err != nil {
		log.Errorf("Failed to initialize %s job on %s: %v", job.Model, job.Machine, err)
		return reportedErr(w, err)
	}
	log.Infof("Job %s is %s on %s", submitted.JobName, submitted.RemoteID, submitted.Machine)
	return nil
}
