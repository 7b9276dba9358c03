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

// Package slurm runs supervisor jobs through a Slurm batch scheduler
// reached over SSH.
package slurm

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/grafana/regexp"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/hpc_ssh"
	"github.com/cybergis/hpcsup/supervisor"
)

// Runner is the part of an SSH connection the scheduler needs.
type Runner interface {
	RunShell(ctx context.Context, cmd string) (string, error)
	RunCommandArgs(ctx context.Context, args ...string) (string, error)
	WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) (hpc_ssh.DownloadResult, error)
	Close() error
}

type (
	Channel struct {
		runner  Runner
		machine config.Machine
	}

	// Dialer opens an SSH connection to a machine from the catalog.
	Dialer struct {
		Machine config.Machine
	}
)

var (
	submittedPattern = regexp.MustCompile(`Submitted batch job (\d+)`)

	// Messages Slurm prints when the controller is busy or unreachable; the
	// same request can succeed a moment later.
	transientSbatchMessages = []string{
		"Socket timed out",
		"temporarily unable",
		"Unable to contact slurm controller",
		"Slurm is busy",
		"Resource temporarily unavailable",
	}

	sacctStates = map[string]string{
		"PENDING":       "PD",
		"CONFIGURING":   "CF",
		"SUSPENDED":     "S",
		"REQUEUED":      "RQ",
		"REQUEUE_HOLD":  "RH",
		"REQUEUE_FED":   "RF",
		"RESV_DEL_HOLD": "RD",
		"SPECIAL_EXIT":  "SE",
		"RUNNING":       "R",
		"COMPLETING":    "CG",
		"STAGE_OUT":     "SO",
		"RESIZING":      "RS",
		"SIGNALING":     "SI",
		"STOPPED":       "ST",
		"COMPLETED":     "CD",
		"FAILED":        "F",
		"CANCELLED":     "CA",
		"TIMEOUT":       "TO",
		"OUT_OF_MEMORY": "OOM",
		"NODE_FAIL":     "NF",
		"BOOT_FAIL":     "BF",
		"DEADLINE":      "DL",
		"PREEMPTED":     "PR",
		"REVOKED":       "RV",
	}
)

func NewChannel(runner Runner, machine config.Machine) *Channel {
	return &Channel{runner: runner, machine: machine}
}

func (d Dialer) Connect(ctx context.Context) (supervisor.Channel, error) {
	conn, err := hpc_ssh.Dial(ctx, hpc_ssh.ConfigForMachine(d.Machine))
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, d.Machine), nil
}

func commandFailed(err error) (*hpc_ssh.CommandError, bool) {
	var cmdErr *hpc_ssh.CommandError
	ok := errors.As(err, &cmdErr)
	return cmdErr, ok
}

// classifySbatchError separates a busy controller from a rejected job.
func classifySbatchError(err error) error {
	cmdErr, ok := commandFailed(err)
	if !ok {
		return err
	}
	for _, msg := range transientSbatchMessages {
		if strings.Contains(cmdErr.Stderr, msg) || strings.Contains(cmdErr.Stdout, msg) {
			return error_codes.NewTransient("sbatch", err)
		}
	}
	return error_codes.NewPermanent("sbatch", err)
}

// ParseSubmitOutput extracts the job id from sbatch's answer.  Output that
// mentions an error, or lacks the confirmation line, is a rejection.
func ParseSubmitOutput(out string) (string, error) {
	if strings.Contains(out, "ERROR") {
		return "", error_codes.NewPermanent("sbatch", errors.Errorf("scheduler rejected the job: %s", strings.TrimSpace(out)))
	}
	match := submittedPattern.FindStringSubmatch(out)
	if match == nil {
		return "", error_codes.NewPermanent("sbatch", errors.Errorf("unexpected sbatch output: %q", strings.TrimSpace(out)))
	}
	return match[1], nil
}

// ParseSqueue finds the state column of jobID in squeue's default output:
//
//	JOBID PARTITION NAME USER ST TIME NODES NODELIST(REASON)
//	3142135 node singular cigi-gis R 0:11 1 keeling-b08
//
// It returns "" when the job is not listed.
func ParseSqueue(out, jobID string) string {
	fields := strings.Fields(out)
	for i, field := range fields {
		if field == jobID && i+4 < len(fields) {
			return fields[i+4]
		}
	}
	return ""
}

// ParseSacct converts the first state reported by sacct to squeue's short
// code.  States sacct reports that squeue has no code for are passed
// through; an empty answer means the job is not found.
func ParseSacct(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		state := strings.TrimSuffix(fields[0], "+")
		if code, ok := sacctStates[state]; ok {
			return code
		}
		return state
	}
	return supervisor.NotFoundCode
}

// Stage copies the job's source to the machine.
func (c *Channel) Stage(ctx context.Context, localPath, remotePath string) error {
	return c.runner.Upload(ctx, localPath, remotePath)
}

// Submit writes job.sbatch into the job folder and hands it to sbatch.
func (c *Channel) Submit(ctx context.Context, spec supervisor.JobSpec) (string, error) {
	script, err := RenderScript(spec, c.machine)
	if err != nil {
		return "", error_codes.NewPermanent("sbatch", err)
	}
	if _, err := c.runner.RunCommandArgs(ctx, "mkdir", "-p", path.Dir(spec.StdoutPath), path.Dir(spec.StderrPath)); err != nil {
		return "", err
	}
	if err := c.runner.WriteFile(ctx, path.Join(spec.RemoteFolder, "job.sbatch"), script, 0644); err != nil {
		return "", err
	}

	out, err := c.runner.RunShell(ctx, "cd "+shellquote.Join(spec.RemoteFolder)+" && sbatch job.sbatch")
	if err != nil {
		return "", classifySbatchError(err)
	}
	return ParseSubmitOutput(out)
}

// QueryStatus asks squeue for the job's state and falls back to sacct once
// the job has left the queue.  A job neither knows is
// supervisor.NotFoundCode.
func (c *Channel) QueryStatus(ctx context.Context, remoteID string) (string, error) {
	out, err := c.runner.RunCommandArgs(ctx, "squeue", "--job", remoteID)
	if err == nil {
		if code := ParseSqueue(out, remoteID); code != "" {
			return code, nil
		}
	} else if _, ok := commandFailed(err); !ok {
		return "", err
	} else {
		// squeue exits non-zero for ids it has already purged.
		log.Debugf("squeue does not know job %s: %v", remoteID, err)
	}

	out, err = c.runner.RunCommandArgs(ctx, "sacct", "-j", remoteID, "-X", "--noheader", "--parsable2", "--format=State")
	if err != nil {
		if _, ok := commandFailed(err); ok {
			log.Debugf("sacct cannot report job %s: %v", remoteID, err)
			return supervisor.NotFoundCode, nil
		}
		return "", err
	}
	return ParseSacct(out), nil
}

func (c *Channel) Fetch(ctx context.Context, remotePath, localPath string) error {
	result, err := c.runner.Download(ctx, remotePath, localPath)
	if err != nil {
		return err
	}
	log.Infof("Downloaded %d files (%d bytes) from %s to %s", result.Files, result.Bytes, remotePath, localPath)
	return nil
}

func (c *Channel) CancelJob(ctx context.Context, remoteID string) error {
	_, err := c.runner.RunCommandArgs(ctx, "scancel", remoteID)
	return err
}

func (c *Channel) Close() error {
	return c.runner.Close()
}
