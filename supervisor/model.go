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
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Model selects the adapter that packages and names a job's files.
type Model int

const (
	ModelUnknown Model = iota
	ModelSUMMA
	ModelRHESSys
	ModelWRFHydro
	ModelHelloWorld
)

var modelNames = map[Model]string{
	ModelSUMMA:      "SUMMA",
	ModelRHESSys:    "RHESSys",
	ModelWRFHydro:   "WRFHydro",
	ModelHelloWorld: "HelloWorld",
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return "Unknown"
}

// ParseModel matches name case-insensitively against the supported models.
func ParseModel(name string) (Model, error) {
	for model, modelName := range modelNames {
		if strings.EqualFold(name, modelName) {
			return model, nil
		}
	}
	return ModelUnknown, errors.Errorf("unknown model %q (supported: SUMMA, RHESSys, WRFHydro, HelloWorld)", name)
}

func (m *Model) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	return m.Set(name)
}

func (m Model) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// Set and Type let a Model be used directly as a command-line flag.
func (m *Model) Set(name string) error {
	parsed, err := ParseModel(name)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m *Model) Type() string {
	return "model"
}

// Download names one remote path to copy back after a job completes.
type Download struct {
	Remote string
	Local  string
}

// Packager holds the model-specific knowledge of a job: what to run, what to
// bring back, and which local path to announce afterwards.
type Packager interface {
	Command(job RemoteJob) string
	Downloads(job RemoteJob, localPath string) []Download
	DownloadedPath(job RemoteJob, localPath string) string
}

type (
	summaPackager      struct{}
	rhessysPackager    struct{}
	wrfHydroPackager   struct{}
	helloWorldPackager struct{}
)

// DefaultPackagers returns the packager of every supported model.
func DefaultPackagers() map[Model]Packager {
	return map[Model]Packager{
		ModelSUMMA:      summaPackager{},
		ModelRHESSys:    rhessysPackager{},
		ModelWRFHydro:   wrfHydroPackager{},
		ModelHelloWorld: helloWorldPackager{},
	}
}

func commandOr(job RemoteJob, fallback string) string {
	if job.Command != "" {
		return job.Command
	}
	return fallback
}

func (summaPackager) Command(job RemoteJob) string {
	return commandOr(job, "./installTestCases_local.sh && ./run_summa.sh")
}

// The scheduler log is fetched along with the job folder.
func (summaPackager) Downloads(job RemoteJob, localPath string) []Download {
	downloads := []Download{{Remote: job.RemoteFolderPath, Local: localPath}}
	if job.RemoteStdoutPath != "" {
		downloads = append(downloads, Download{
			Remote: job.RemoteStdoutPath,
			Local:  filepath.Join(localPath, path.Base(job.RemoteStdoutPath)),
		})
	}
	return downloads
}

func (summaPackager) DownloadedPath(_ RemoteJob, localPath string) string {
	return localPath
}

func (rhessysPackager) Command(job RemoteJob) string {
	return commandOr(job, "./installTestCases_local.sh && ./run_rhessys.sh")
}

func (rhessysPackager) Downloads(job RemoteJob, localPath string) []Download {
	return []Download{{Remote: path.Join(job.ModelFolderPath(), "output"), Local: filepath.Join(localPath, "output")}}
}

func (rhessysPackager) DownloadedPath(_ RemoteJob, localPath string) string {
	return filepath.Join(localPath, "output")
}

func (wrfHydroPackager) Command(job RemoteJob) string {
	return commandOr(job, "./run_wrfhydro.sh")
}

func (wrfHydroPackager) Downloads(job RemoteJob, localPath string) []Download {
	return []Download{{Remote: job.RemoteFolderPath, Local: localPath}}
}

func (wrfHydroPackager) DownloadedPath(_ RemoteJob, localPath string) string {
	return filepath.Join(localPath, "output")
}

func (helloWorldPackager) Command(job RemoteJob) string {
	return commandOr(job, "python3 main.py")
}

func (helloWorldPackager) Downloads(job RemoteJob, localPath string) []Download {
	return []Download{{Remote: path.Join(job.ModelFolderPath(), "output"), Local: filepath.Join(localPath, "output")}}
}

func (helloWorldPackager) DownloadedPath(_ RemoteJob, localPath string) string {
	return filepath.Join(localPath, "output")
}
