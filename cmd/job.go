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
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/slurm"
	"github.com/cybergis/hpcsup/supervisor"
)

var (
	jobCmd = &cobra.Command{
		Use:   "job",
		Short: "Run model jobs on an HPC batch scheduler",
		Long: `Submit, check and cancel model jobs on a machine from the Machines
catalog.  A job is described by a YAML spec file (--spec), by flags, or
both; flags override the file.  The remote_id, remote_folder_path and
remote_slurm_out_file_path reported by "job init" must be passed back to
the later commands.`,
	}

	jobOpts  supervisor.RemoteJob
	jobSpec  string
	jobLocal string
	jobModel supervisor.Model
)

func init() {
	jobCmd.AddCommand(jobInitCmd)
	jobCmd.AddCommand(jobMaintainCmd)
	jobCmd.AddCommand(jobWatchCmd)
	jobCmd.AddCommand(jobCancelCmd)

	flags := jobCmd.PersistentFlags()
	flags.StringVar(&jobSpec, "spec", "", "YAML file describing the job")
	flags.Var(&jobModel, "model", "Model to run: SUMMA, RHESSys, WRFHydro or HelloWorld")
	flags.StringVar(&jobOpts.Machine, "machine", "", "Machine from the Machines catalog")
	flags.StringVar(&jobOpts.SourcePath, "source", "", "Local folder holding the model inputs")
	flags.StringVar(&jobOpts.WorkspaceDir, "workspace", "", "Local workspace the job belongs to")
	flags.IntVar(&jobOpts.Nodes, "nodes", 0, "Nodes to request (default 1)")
	flags.IntVar(&jobOpts.Tasks, "tasks", 0, "Tasks to request (default 1)")
	flags.DurationVar(&jobOpts.Walltime, "walltime", 0, "Wall-clock limit (default 1h)")
	flags.StringVar(&jobOpts.Partition, "partition", "", "Scheduler partition (default the machine's)")
	flags.StringVar(&jobOpts.Memory, "memory", "", "Memory per node, e.g. 4GB or 4096 (megabytes)")
	flags.StringVar(&jobOpts.JobName, "job-name", "", "Job name; generated when empty")
	flags.StringVar(&jobOpts.Command, "command", "", "Command replacing the model's default entry point")
	flags.StringVar(&jobOpts.RemoteID, "remote-id", "", "Scheduler id reported by job init")
	flags.StringVar(&jobOpts.RemoteFolderPath, "remote-folder", "", "remote_folder_path reported by job init")
	flags.StringVar(&jobOpts.RemoteStdoutPath, "remote-stdout", "", "remote_slurm_out_file_path reported by job init")
	flags.StringVar(&jobLocal, "local-path", "", "Where results are downloaded (default <workspace>/<job name>)")
}

// jobFromFlags loads --spec, if given, and overlays every flag that was set
// explicitly on the command line.
func jobFromFlags(flags *pflag.FlagSet) (supervisor.RemoteJob, error) {
	job := supervisor.RemoteJob{}
	if jobSpec != "" {
		loaded, err := supervisor.LoadJobSpec(jobSpec)
		if err != nil {
			return job, err
		}
		job = loaded
	}

	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "model":
			job.Model = jobModel
		case "machine":
			job.Machine = jobOpts.Machine
		case "source":
			job.SourcePath = jobOpts.SourcePath
		case "workspace":
			job.WorkspaceDir = jobOpts.WorkspaceDir
		case "nodes":
			job.Nodes = jobOpts.Nodes
		case "tasks":
			job.Tasks = jobOpts.Tasks
		case "walltime":
			job.Walltime = jobOpts.Walltime
		case "partition":
			job.Partition = jobOpts.Partition
		case "memory":
			job.Memory = jobOpts.Memory
		case "job-name":
			job.JobName = jobOpts.JobName
		case "command":
			job.Command = jobOpts.Command
		case "remote-id":
			job.RemoteID = jobOpts.RemoteID
		case "remote-folder":
			job.RemoteFolderPath = jobOpts.RemoteFolderPath
		case "remote-stdout":
			job.RemoteStdoutPath = jobOpts.RemoteStdoutPath
		}
	})
	if job.Machine == "" {
		return job, errors.New("no machine given; use --machine or set machine in the job spec")
	}
	return job, nil
}

// newSupervisor looks the job's machine up in the catalog and builds a
// supervisor that reaches it over SSH and Slurm.
func newSupervisor(job supervisor.RemoteJob) (*supervisor.Supervisor, error) {
	machine, err := config.GetMachine(job.Machine)
	if err != nil {
		return nil, err
	}
	return supervisor.New(slurm.Dialer{Machine: machine}, supervisor.ConfigFromParams(machine)), nil
}
