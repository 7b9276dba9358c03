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

package slurm

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/alecthomas/units"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/supervisor"
)

const defaultWalltime = time.Hour

var scriptTemplate = template.Must(template.New("job.sbatch").Parse(`#!/bin/bash
#SBATCH --job-name={{.Name}}
{{- range .InitOptions}}
{{.}}
{{- end}}
#SBATCH --nodes={{.Nodes}}
#SBATCH --ntasks={{.Tasks}}
#SBATCH --time={{.Time}}
{{- with .Partition}}
#SBATCH --partition={{.}}
{{- end}}
{{- with .Memory}}
#SBATCH --mem={{.}}
{{- end}}
#SBATCH --output={{.Stdout}}
#SBATCH --error={{.Stderr}}

module purge
{{- range .InitScript}}
{{.}}
{{- end}}
cd {{.WorkDir}}
{{.Command}}
`))

type scriptData struct {
	Name        string
	InitOptions []string
	Nodes       int
	Tasks       int
	Time        string
	Partition   string
	Memory      string
	Stdout      string
	Stderr      string
	InitScript  []string
	WorkDir     string
	Command     string
}

// FormatWalltime renders d as HH:MM:SS, rounding up to the next second.
// Zero or negative durations get the one hour default.
func FormatWalltime(d time.Duration) string {
	if d <= 0 {
		d = defaultWalltime
	}
	seconds := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// FormatMemory converts a size such as "8GiB" or "500MB" to whole
// megabytes for --mem.  A bare number is taken as megabytes already.
func FormatMemory(size string) (string, error) {
	size = strings.TrimSpace(size)
	if size == "" {
		return "", nil
	}
	if mb, err := strconv.ParseUint(size, 10, 64); err == nil {
		return fmt.Sprintf("%dM", mb), nil
	}
	n, err := units.ParseStrictBytes(size)
	if err != nil {
		return "", errors.Wrapf(err, "invalid memory request %q", size)
	}
	if n <= 0 {
		return "", errors.Errorf("invalid memory request %q", size)
	}
	mib := int64(units.MiB)
	return fmt.Sprintf("%dM", (n+mib-1)/mib), nil
}

func sbatchOption(option string) string {
	option = strings.TrimSpace(option)
	if strings.HasPrefix(option, "#SBATCH") {
		return option
	}
	return "#SBATCH " + option
}

// RenderScript writes the batch script for spec on machine.  The
// machine's own sbatch options and setup lines come first, and its default
// partition is used when spec names none.
func RenderScript(spec supervisor.JobSpec, machine config.Machine) ([]byte, error) {
	for field, value := range map[string]string{
		"job name":    spec.Name,
		"partition":   spec.Partition,
		"stdout path": spec.StdoutPath,
		"stderr path": spec.StderrPath,
		"work dir":    spec.WorkDir,
	} {
		if strings.ContainsAny(value, "\r\n") {
			return nil, errors.Errorf("%s %q spans several lines", field, value)
		}
	}
	if spec.Name == "" || spec.WorkDir == "" || spec.StdoutPath == "" || spec.StderrPath == "" {
		return nil, errors.New("job spec is missing its name, work dir or log paths")
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("job spec has no command")
	}

	memory, err := FormatMemory(spec.Memory)
	if err != nil {
		return nil, err
	}
	data := scriptData{
		Name:       spec.Name,
		Nodes:      spec.Nodes,
		Tasks:      spec.Tasks,
		Time:       FormatWalltime(spec.Walltime),
		Partition:  spec.Partition,
		Memory:     memory,
		Stdout:     spec.StdoutPath,
		Stderr:     spec.StderrPath,
		InitScript: machine.InitSbatchScript,
		WorkDir:    shellquote.Join(spec.WorkDir),
		Command:    spec.Command,
	}
	if data.Nodes <= 0 {
		data.Nodes = 1
	}
	if data.Tasks <= 0 {
		data.Tasks = 1
	}
	if data.Partition == "" {
		data.Partition = machine.Partition
	}
	for _, option := range machine.InitSbatchOptions {
		if option = sbatchOption(option); option != "#SBATCH " {
			data.InitOptions = append(data.InitOptions, option)
		}
	}

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return nil, errors.Wrap(err, "failed to render batch script")
	}
	return buf.Bytes(), nil
}
