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

// Package hpc_ssh runs commands on an HPC login node over SSH and moves
// files to and from it.
package hpc_ssh

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/param"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultPort           = 22
)

// ConnectionState represents the current state of the SSH connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config contains the SSH connection configuration
type Config struct {
	// Name of the machine, for messages
	Machine string

	Host string
	// Port defaults to 22
	Port int
	User string

	// PrivateKeyFile is the path to the SSH private key.  When empty, the
	// SSH agent named by SSH_AUTH_SOCK is used.
	PrivateKeyFile string

	// PrivateKeyPassphraseFile is read when the key is encrypted
	PrivateKeyPassphraseFile string

	// KnownHostsFile defaults to ~/.ssh/known_hosts
	KnownHostsFile string

	// AutoAddHostKey accepts and records unknown host keys.  Keys that
	// changed are always rejected.
	AutoAddHostKey bool

	ConnectTimeout time.Duration
}

type stateHolder struct {
	state atomic.Int32
}

func (h *stateHolder) GetState() ConnectionState {
	return ConnectionState(h.state.Load())
}

func (h *stateHolder) setState(state ConnectionState) {
	h.state.Store(int32(state))
}

// Validate validates the SSH configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("SSH host is required")
	}
	if c.User == "" {
		return errors.New("SSH user is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid SSH port %d", c.Port)
	}
	return nil
}

// ConfigForMachine merges a catalog entry with the SSH.* parameters; the
// machine's own settings win.
func ConfigForMachine(machine config.Machine) Config {
	cfg := Config{
		Machine:        machine.Name,
		Host:           machine.Host,
		Port:           machine.Port,
		User:           machine.User,
		PrivateKeyFile: machine.KeyFile,
		KnownHostsFile: param.SSH_KnownHostsFile.GetString(),
		AutoAddHostKey: param.SSH_AutoAddHostKey.GetBool(),
		ConnectTimeout: param.SSH_ConnectTimeout.GetDuration(),
	}
	if cfg.Port == 0 {
		cfg.Port = param.SSH_Port.GetInt()
	}
	if cfg.User == "" {
		cfg.User = param.SSH_User.GetString()
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = param.SSH_PrivateKeyFile.GetString()
	}
	return cfg
}
