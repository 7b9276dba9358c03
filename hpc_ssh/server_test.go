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
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is an in-process SSH server that runs exec requests with the
// local shell.  SCP sink requests are served in Go so the tests do not need
// an scp binary.
type testSSHServer struct {
	t          *testing.T
	listener   net.Listener
	hostSigner ssh.Signer
	keyFile    string
	knownHosts string

	mu       sync.Mutex
	commands []string
}

func writePrivateKeyPEM(t *testing.T, filename string, key ed25519.PrivateKey) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filename, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600))
}

func startTestSSHServer(t *testing.T) *testSSHServer {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar is not available")
	}

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	clientPub, clientKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authorized, err := ssh.NewPublicKey(clientPub)
	require.NoError(t, err)

	dir := t.TempDir()
	s := &testSSHServer{
		t:          t,
		hostSigner: hostSigner,
		keyFile:    filepath.Join(dir, "id_ed25519"),
		knownHosts: filepath.Join(dir, "known_hosts"),
	}
	writePrivateKeyPEM(t, s.keyFile, clientKey)

	serverConfig := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	serverConfig.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { s.listener.Close() })

	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn, serverConfig)
		}
	}()
	return s
}

func (s *testSSHServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testSSHServer) config() Config {
	return Config{
		Machine:        "testhpc",
		Host:           "127.0.0.1",
		Port:           s.port(),
		User:           "tester",
		PrivateKeyFile: s.keyFile,
		KnownHostsFile: s.knownHosts,
		AutoAddHostKey: true,
		ConnectTimeout: 5 * time.Second,
	}
}

func (s *testSSHServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testSSHServer) serveConn(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(channel, requests)
	}
}

func (s *testSSHServer) serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		var status int
		if strings.HasPrefix(payload.Command, "scp -t ") {
			status = s.scpSink(channel, strings.TrimPrefix(payload.Command, "scp -t "))
		} else {
			status = runShell(channel, payload.Command)
		}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
		return
	}
}

func runShell(channel ssh.Channel, command string) int {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = channel
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return 127
	}
	return 0
}

// scpSink implements the receiving side of "scp -t DIR" for a single file.
func (s *testSSHServer) scpSink(channel ssh.Channel, quotedDir string) int {
	words, err := shellquote.Split(quotedDir)
	if err != nil || len(words) != 1 {
		return 1
	}
	reader := bufio.NewReader(channel)
	header, err := reader.ReadString('\n')
	if err != nil {
		return 1
	}
	fields := strings.SplitN(strings.TrimSuffix(header, "\n"), " ", 3)
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "C") {
		return 1
	}
	mode, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "C"), 8, 32)
	if err != nil {
		return 1
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 1
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(reader, data); err != nil {
		return 1
	}
	if err := os.WriteFile(filepath.Join(words[0], fields[2]), data, os.FileMode(mode)); err != nil {
		_, _ = channel.Stderr().Write([]byte(err.Error()))
		return 1
	}
	return 0
}
