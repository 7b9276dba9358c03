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
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshDialContext dials addr and performs the SSH handshake, giving up as
// soon as ctx is done.
func sshDialContext(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{
		Timeout: config.Timeout,
	}

	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	// The handshake has no context support; run it aside and select.
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			done <- result{nil, err}
			return
		}
		done <- result{ssh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		return r.client, r.err
	}
}

// buildAuthMethods returns public key auth when a key file is configured,
// and agent auth otherwise.
func (c *Conn) buildAuthMethods(ctx context.Context) ([]ssh.AuthMethod, error) {
	if c.config.PrivateKeyFile != "" {
		method, err := c.buildPublicKeyAuth()
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{method}, nil
	}
	method, err := c.buildAgentAuth(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "no private key configured and the SSH agent is unavailable")
	}
	return []ssh.AuthMethod{method}, nil
}

func (c *Conn) buildPublicKeyAuth() (ssh.AuthMethod, error) {
	keyData, err := os.ReadFile(c.config.PrivateKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read private key file")
	}

	var signer ssh.Signer
	if c.config.PrivateKeyPassphraseFile != "" {
		passphrase, err := os.ReadFile(c.config.PrivateKeyPassphraseFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read passphrase file")
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, passphrase)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse private key with passphrase")
		}
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
		if err != nil {
			if _, ok := err.(*ssh.PassphraseMissingError); ok {
				return nil, errors.New("private key is encrypted but no passphrase file configured")
			}
			return nil, errors.Wrap(err, "failed to parse private key")
		}
	}

	return ssh.PublicKeys(signer), nil
}

func (c *Conn) buildAgentAuth(ctx context.Context) (ssh.AuthMethod, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK environment variable not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to SSH agent")
	}
	c.agentConn = conn
	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}

func (c *Conn) getKnownHostsPath() (string, error) {
	knownHostsPath := c.config.KnownHostsFile
	if knownHostsPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		knownHostsPath = filepath.Join(homeDir, ".ssh", "known_hosts")
	}
	return knownHostsPath, nil
}

// buildHostKeyCallback verifies the server against known_hosts.  A changed
// key is always rejected; an unknown key is accepted and recorded only with
// AutoAddHostKey.
func (c *Conn) buildHostKeyCallback() (ssh.HostKeyCallback, error) {
	knownHostsPath, err := c.getKnownHostsPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(knownHostsPath), 0700); err != nil {
			return nil, errors.Wrap(err, "failed to create known_hosts directory")
		}
		if err := os.WriteFile(knownHostsPath, []byte{}, 0600); err != nil {
			return nil, errors.Wrap(err, "failed to create known_hosts file")
		}
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse known_hosts file")
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			log.Errorf("SSH host key mismatch for %s: server offered %s %s", hostname, key.Type(), ssh.FingerprintSHA256(key))
			return errors.Wrapf(err, "SSH host key verification failed for %s: host key has changed", hostname)
		}
		if !c.config.AutoAddHostKey {
			log.Errorf("SSH host %s is not in %s. Key fingerprint: %s", hostname, knownHostsPath, ssh.FingerprintSHA256(key))
			return errors.Wrapf(err, "SSH host %s is not in known_hosts file", hostname)
		}
		log.Warnf("Adding unknown SSH host %s to %s (fingerprint %s)", hostname, knownHostsPath, ssh.FingerprintSHA256(key))
		if appendErr := appendToKnownHosts(knownHostsPath, hostname, key); appendErr != nil {
			return errors.Wrap(appendErr, "failed to add host key to known_hosts")
		}
		return nil
	}, nil
}

func appendToKnownHosts(knownHostsPath, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to open known_hosts file")
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return errors.Wrap(err, "failed to write to known_hosts file")
	}
	return nil
}
