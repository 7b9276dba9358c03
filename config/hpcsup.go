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

package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/cybergis/hpcsup/param"
)

type (
	// GlobusEndpoint describes how a machine is reached through the
	// transfer service.
	GlobusEndpoint struct {
		Identity string `mapstructure:"identity"`
		Endpoint string `mapstructure:"endpoint"`
		RootPath string `mapstructure:"root_path"`
	}

	// Machine is one entry of the Machines catalog: an HPC login node and
	// the scheduler settings every job on it inherits.
	Machine struct {
		Name              string         `mapstructure:"-"`
		Host              string         `mapstructure:"host"`
		Port              int            `mapstructure:"port"`
		User              string         `mapstructure:"user"`
		KeyFile           string         `mapstructure:"key_file"`
		RootPath          string         `mapstructure:"root_path"`
		Partition         string         `mapstructure:"partition"`
		InitSbatchOptions []string       `mapstructure:"init_sbatch_options"`
		InitSbatchScript  []string       `mapstructure:"init_sbatch_script"`
		Globus            GlobusEndpoint `mapstructure:"globus"`
	}
)

var (
	//go:embed resources/defaults.yaml
	defaultsYaml []byte
)

// Address returns host:port for dialing the machine.
func (m Machine) Address() string {
	port := m.Port
	if port == 0 {
		port = param.SSH_Port.GetInt()
	}
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", m.Host, port)
}

// SetDefaults loads the built-in defaults into v.
func SetDefaults(v *viper.Viper) error {
	v.SetConfigType("yaml")
	if err := v.MergeConfig(bytes.NewReader(defaultsYaml)); err != nil {
		return errors.Wrap(err, "failed to load built-in defaults")
	}
	return nil
}

// defaultConfigDir is $HOME/.config/hpcsup, or empty if there is no home
// directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hpcsup")
}

// InitConfig loads the built-in defaults, then the configuration file, then
// HPCSUP_* environment overrides.  configFile may be empty, in which case
// hpcsup.yaml under ConfigDir is used if it exists.
func InitConfig(configFile string) error {
	if err := SetDefaults(viper.GetViper()); err != nil {
		return err
	}

	viper.SetEnvPrefix(param.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	param.BindAllParameters(viper.GetViper())

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", configFile)
		}
		log.Debugln("Loaded configuration from", configFile)
		return nil
	}

	configDir := param.ConfigDir.GetString()
	if configDir == "" {
		configDir = defaultConfigDir()
		viper.SetDefault(param.ConfigDir.GetName(), configDir)
	}
	if configDir == "" {
		return nil
	}
	viper.SetConfigName("hpcsup")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	if err := viper.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrap(err, "failed to read configuration")
		}
		// A missing config file is fine; defaults and env still apply.
		log.Debugln("No configuration file found in", configDir)
		return nil
	}
	log.Debugln("Loaded configuration from", viper.ConfigFileUsed())
	return nil
}

// GetMachines decodes the Machines catalog.
func GetMachines() (map[string]Machine, error) {
	machines := make(map[string]Machine)
	if err := param.Machines.Unmarshal(&machines); err != nil {
		return nil, errors.Wrap(err, "invalid Machines configuration")
	}
	for name, machine := range machines {
		machine.Name = name
		machines[name] = machine
	}
	return machines, nil
}

// GetMachine looks up one machine by name.  Viper lowercases map keys, so
// the lookup is case-insensitive.
func GetMachine(name string) (Machine, error) {
	machines, err := GetMachines()
	if err != nil {
		return Machine{}, err
	}
	if machine, ok := machines[strings.ToLower(name)]; ok {
		return machine, nil
	}
	if machine, ok := machines[name]; ok {
		return machine, nil
	}
	known := make([]string, 0, len(machines))
	for key := range machines {
		known = append(known, key)
	}
	sort.Strings(known)
	return Machine{}, errors.Errorf("unknown machine %q (configured: %s)", name, strings.Join(known, ", "))
}

// Validate reports the first missing field needed to reach the machine.
func (m Machine) Validate() error {
	if m.Host == "" {
		return errors.Errorf("machine %s has no host", m.Name)
	}
	if m.RootPath == "" {
		return errors.Errorf("machine %s has no root_path", m.Name)
	}
	return nil
}
