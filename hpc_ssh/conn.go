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

package hpc_ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/metrics"
)

// signalEscalationTimeout is the duration to wait after SIGTERM before sending SIGKILL
const signalEscalationTimeout = 3 * time.Second

type (
	// Conn is an established SSH connection to one machine.
	Conn struct {
		stateHolder
		mu        sync.Mutex
		config    Config
		client    *ssh.Client
		agentConn net.Conn
	}

	// CommandError is returned when a remote command ran and exited with a
	// non-zero status.
	CommandError struct {
		Command    string
		ExitStatus int
		Stdout     string
		Stderr     string
	}
)

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitStatus)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += " (stderr: " + stderr + ")"
	}
	return msg
}

// Dial connects to the machine described by cfg.  Every failure, including
// a bad configuration, is a *error_codes.ConnectionError; it is never
// retried here.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	c := &Conn{config: cfg}
	if err := c.Connect(ctx); err != nil {
		metrics.SetComponentHealthStatus(metrics.HPCConnection, metrics.StatusCritical, err.Error())
		return nil, &error_codes.ConnectionError{Machine: cfg.displayName(), Err: err}
	}
	metrics.SetComponentHealthStatus(metrics.HPCConnection, metrics.StatusOK, "")
	return c, nil
}

func (cfg Config) displayName() string {
	if cfg.Machine != "" {
		return cfg.Machine
	}
	return cfg.Host
}

func (cfg Config) address() string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

// Connect establishes the SSH connection
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.GetState() != StateDisconnected {
		return errors.New("connection already in progress or established")
	}
	if err := c.config.Validate(); err != nil {
		return err
	}
	c.setState(StateConnecting)

	authMethods, err := c.buildAuthMethods(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return errors.Wrap(err, "failed to build SSH auth methods")
	}
	hostKeyCallback, err := c.buildHostKeyCallback()
	if err != nil {
		c.setState(StateDisconnected)
		return errors.Wrap(err, "failed to build host key callback")
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.ConnectTimeout,
	}
	if sshConfig.Timeout == 0 {
		sshConfig.Timeout = DefaultConnectTimeout
	}

	addr := c.config.address()
	log.Debugf("Connecting to SSH server %s@%s", c.config.User, addr)
	client, err := sshDialContext(ctx, "tcp", addr, sshConfig)
	if err != nil {
		c.setState(StateDisconnected)
		return errors.Wrap(err, "failed to establish SSH connection")
	}

	c.client = client
	c.setState(StateConnected)
	log.Infof("SSH connection established to %s@%s", c.config.User, addr)
	return nil
}

// Close closes the SSH connection
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(StateClosed)
	if c.agentConn != nil {
		c.agentConn.Close()
		c.agentConn = nil
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// terminateSession sends SIGTERM to a session, and if it doesn't terminate within
// the timeout, escalates to SIGKILL.
func terminateSession(session *ssh.Session, done <-chan error) {
	if err := session.Signal(ssh.SIGTERM); err != nil {
		log.Debugf("Failed to send SIGTERM: %v", err)
	}

	select {
	case <-done:
		return
	case <-time.After(signalEscalationTimeout):
		log.Debugf("Process did not exit after SIGTERM, sending SIGKILL")
		if err := session.Signal(ssh.SIGKILL); err != nil {
			log.Debugf("Failed to send SIGKILL: %v", err)
		}
	}
}

func (c *Conn) newSession(op string) (*ssh.Session, error) {
	if c.GetState() != StateConnected || c.client == nil {
		return nil, &error_codes.LifecycleInconsistencyError{Operation: op, Reason: "SSH connection is not established"}
	}
	session, err := c.client.NewSession()
	if err != nil {
		return nil, error_codes.NewTransient(op, errors.Wrap(err, "failed to create SSH session"))
	}
	return session, nil
}

// wait waits for a started session, honoring ctx, and converts the outcome
// into a classified error.
func wait(ctx context.Context, op, cmd string, session *ssh.Session, waitFn func() error, stdout, stderr *bytes.Buffer) error {
	done := make(chan error, 1)
	go func() {
		done <- waitFn()
	}()

	select {
	case <-ctx.Done():
		terminateSession(session, done)
		return ctx.Err()
	case err := <-done:
		if err == nil {
			return nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			cmdErr := &CommandError{Command: cmd, ExitStatus: exitErr.ExitStatus(), Stderr: stderr.String()}
			if stdout != nil {
				cmdErr.Stdout = stdout.String()
			}
			return cmdErr
		}
		var perm *error_codes.PermanentRemoteError
		var trans *error_codes.TransientRemoteError
		if errors.As(err, &perm) || errors.As(err, &trans) {
			return err
		}
		// The channel went away without an exit status.
		return error_codes.NewTransient(op, errors.Wrapf(err, "remote command %q was interrupted (stderr: %s)", cmd, stderr.String()))
	}
}

// RunShell runs cmd through the remote login shell and returns its trimmed
// standard output.  The caller is responsible for quoting.
func (c *Conn) RunShell(ctx context.Context, cmd string) (string, error) {
	session, err := c.newSession("run")
	if err != nil {
		return "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	log.Debugf("Running remote command: %s", cmd)
	if err := session.Start(cmd); err != nil {
		return "", error_codes.NewTransient("run", errors.Wrapf(err, "failed to start %q", cmd))
	}
	if err := wait(ctx, "run", cmd, session, session.Wait, &stdout, &stderr); err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RunCommandArgs runs a command on the remote host with arguments passed as
// a slice; each argument is quoted with go-shellquote.
func (c *Conn) RunCommandArgs(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("no command provided")
	}
	return c.RunShell(ctx, shellquote.Join(args...))
}

// WriteFile creates or replaces remotePath with data over SCP, creating the
// parent directory first.
func (c *Conn) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if _, err := c.RunCommandArgs(ctx, "mkdir", "-p", path.Dir(remotePath)); err != nil {
		return err
	}
	return c.scpFile(ctx, bytes.NewReader(data), remotePath, int64(len(data)), mode)
}

// scpFile uses SCP protocol to transfer a file to the remote host
func (c *Conn) scpFile(ctx context.Context, src io.Reader, destPath string, size int64, mode os.FileMode) error {
	session, err := c.newSession("scp")
	if err != nil {
		return err
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to get stdin pipe")
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	destDir := path.Dir(destPath)
	destFile := path.Base(destPath)

	// The SCP header is "C<mode> <size> <filename>\n"
	if strings.ContainsAny(destFile, "\n\r\x00") {
		return errors.Errorf("invalid filename for SCP transfer: contains control characters")
	}

	cmd := "scp -t " + shellquote.Join(destDir)
	if err := session.Start(cmd); err != nil {
		return error_codes.NewTransient("scp", errors.Wrap(err, "failed to start SCP command"))
	}

	header := fmt.Sprintf("C%04o %d %s\n", mode.Perm(), size, destFile)
	if _, err := stdin.Write([]byte(header)); err != nil {
		return error_codes.NewTransient("scp", errors.Wrap(err, "failed to write SCP header"))
	}
	n, err := io.Copy(stdin, src)
	if err != nil {
		return error_codes.NewTransient("scp", errors.Wrap(err, "failed to copy file content"))
	}
	if n != size {
		return errors.Errorf("incomplete file transfer: sent %d of %d bytes", n, size)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return error_codes.NewTransient("scp", errors.Wrap(err, "failed to write SCP end marker"))
	}
	if err := stdin.Close(); err != nil {
		return errors.Wrap(err, "failed to close stdin pipe")
	}

	return wait(ctx, "scp", cmd, session, session.Wait, &stdout, &stderr)
}
