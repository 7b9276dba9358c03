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
	"archive/tar"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/error_codes"
)

type PathKind string

const (
	PathMissing   PathKind = "missing"
	PathFile      PathKind = "file"
	PathDirectory PathKind = "dir"
)

// tarFatalStatus is GNU tar's exit status for unrecoverable errors; status 1
// only means some files changed while being read.
const tarFatalStatus = 2

// DownloadResult summarizes a download.
type DownloadResult struct {
	LocalPath string
	Files     int
	Bytes     int64
}

// Stat reports whether remotePath is a directory, a file, or missing.
func (c *Conn) Stat(ctx context.Context, remotePath string) (PathKind, error) {
	quoted := shellquote.Join(remotePath)
	out, err := c.RunShell(ctx, "if [ -d "+quoted+" ]; then echo dir; elif [ -e "+quoted+" ]; then echo file; else echo missing; fi")
	if err != nil {
		return "", err
	}
	switch kind := PathKind(strings.TrimSpace(out)); kind {
	case PathMissing, PathFile, PathDirectory:
		return kind, nil
	default:
		return "", errors.Errorf("unexpected answer %q while inspecting %s", out, remotePath)
	}
}

// Download copies remotePath to localPath, replacing whatever is there.  A
// remote directory is mirrored into localPath as a directory; a remote file
// is written to localPath.  A missing remote path is a permanent failure; a
// stream cut short is transient, and repeating the download is safe.
func (c *Conn) Download(ctx context.Context, remotePath, localPath string) (DownloadResult, error) {
	result := DownloadResult{LocalPath: localPath}
	if remotePath == "" || localPath == "" {
		return result, error_codes.NewPermanent("download", errors.New("download needs both a remote and a local path"))
	}

	kind, err := c.Stat(ctx, remotePath)
	if err != nil {
		return result, err
	}
	var cmd string
	switch kind {
	case PathMissing:
		return result, error_codes.NewPermanent("download", errors.Errorf("remote path %s does not exist", remotePath))
	case PathDirectory:
		cmd = "tar -cf - -C " + shellquote.Join(remotePath) + " ."
		if err := os.MkdirAll(localPath, 0755); err != nil {
			return result, errors.Wrapf(err, "failed to create %s", localPath)
		}
	default:
		cmd = "tar -cf - -C " + shellquote.Join(path.Dir(remotePath), path.Base(remotePath))
		if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return result, errors.Wrapf(err, "failed to create %s", filepath.Dir(localPath))
		}
	}

	session, err := c.newSession("download")
	if err != nil {
		return result, err
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	stdout, err := session.StdoutPipe()
	if err != nil {
		return result, errors.Wrap(err, "failed to get stdout pipe")
	}
	if err := session.Start(cmd); err != nil {
		return result, error_codes.NewTransient("download", errors.Wrap(err, "failed to start remote tar"))
	}

	extractErr := make(chan error, 1)
	go func() {
		var err error
		if kind == PathDirectory {
			err = extractTree(stdout, localPath, &result)
		} else {
			err = extractSingle(stdout, localPath, &result)
		}
		if err == nil {
			// tar pads the archive past its end marker
			_, _ = io.Copy(io.Discard, stdout)
		}
		extractErr <- err
	}()

	waitErr := wait(ctx, "download", cmd, session, func() error {
		if err := <-extractErr; err != nil {
			_ = session.Close()
			return err
		}
		return session.Wait()
	}, nil, &stderr)
	if waitErr != nil {
		var cmdErr *CommandError
		if errors.As(waitErr, &cmdErr) && cmdErr.ExitStatus >= tarFatalStatus {
			return result, error_codes.NewPermanent("download", waitErr)
		}
		if cmdErr != nil {
			return result, error_codes.NewTransient("download", waitErr)
		}
		return result, waitErr
	}

	log.Infof("Downloaded %s to %s (%d files, %d bytes)", remotePath, localPath, result.Files, result.Bytes)
	return result, nil
}

// safeJoin joins a tar entry name under root, refusing names that escape it.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "./")))
	if cleaned == "." {
		return root, nil
	}
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("archive entry %q escapes the destination", name)
	}
	return filepath.Join(root, cleaned), nil
}

func writeEntry(tr *tar.Reader, hdr *tar.Header, target string, result *DownloadResult) error {
	if info, err := os.Lstat(target); err == nil && info.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return errors.Wrapf(err, "failed to replace %s", target)
		}
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode).Perm()|0600)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", target)
	}
	n, err := io.Copy(f, tr)
	closeErr := f.Close()
	if err != nil {
		return streamError(err)
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, "failed to write %s", target)
	}
	result.Files++
	result.Bytes += n
	return nil
}

// streamError classifies a failure while reading the archive stream: the
// connection dropped mid-transfer.
func streamError(err error) error {
	return error_codes.NewTransient("download", errors.Wrap(err, "download interrupted"))
}

func extractTree(r io.Reader, root string, result *DownloadResult) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return streamError(err)
		}
		target, err := safeJoin(root, hdr.Name)
		if err != nil {
			return error_codes.NewPermanent("download", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "failed to create %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrapf(err, "failed to create %s", filepath.Dir(target))
			}
			if err := writeEntry(tr, hdr, target, result); err != nil {
				return err
			}
		default:
			log.Debugf("Skipping %s: unsupported archive entry type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

func extractSingle(r io.Reader, target string, result *DownloadResult) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			if result.Files == 0 {
				return streamError(io.ErrUnexpectedEOF)
			}
			return nil
		}
		if err != nil {
			return streamError(err)
		}
		if hdr.Typeflag == tar.TypeReg && result.Files == 0 {
			if err := writeEntry(tr, hdr, target, result); err != nil {
				return err
			}
		}
	}
}

// Upload copies localPath to remotePath.  A directory is streamed as a tar
// archive and unpacked into remotePath; a single file is copied with SCP.
func (c *Conn) Upload(ctx context.Context, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return error_codes.NewPermanent("upload", errors.Wrapf(err, "cannot read %s", localPath))
	}
	if !info.IsDir() {
		f, err := os.Open(localPath)
		if err != nil {
			return error_codes.NewPermanent("upload", err)
		}
		defer f.Close()
		if _, err := c.RunCommandArgs(ctx, "mkdir", "-p", path.Dir(remotePath)); err != nil {
			return err
		}
		return c.scpFile(ctx, f, remotePath, info.Size(), info.Mode())
	}

	session, err := c.newSession("upload")
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

	quoted := shellquote.Join(remotePath)
	cmd := "mkdir -p " + quoted + " && tar -xf - -C " + quoted
	if err := session.Start(cmd); err != nil {
		return error_codes.NewTransient("upload", errors.Wrap(err, "failed to start remote tar"))
	}

	packErr := make(chan error, 1)
	go func() {
		err := packTree(stdin, localPath)
		closeErr := stdin.Close()
		if err == nil {
			err = closeErr
		}
		packErr <- err
	}()

	return wait(ctx, "upload", cmd, session, func() error {
		if err := <-packErr; err != nil {
			_ = session.Close()
			return err
		}
		return session.Wait()
	}, &stdout, &stderr)
}

func packTree(w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			log.Debugf("Skipping %s: not a regular file", p)
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return error_codes.NewTransient("upload", errors.Wrapf(err, "failed to stream %s", root))
	}
	return tw.Close()
}
