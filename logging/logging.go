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

// Package logging configures logrus for the command-line tools.
//
// Standard output belongs to the event protocol read by the orchestrating
// process, so log lines only ever go to stderr or to Logging.LogLocation.
// Entries logged before configuration is loaded are buffered and replayed
// once the destination is known.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log/term"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/param"
)

// BufferedLogHook buffers log entries until they are flushed
type BufferedLogHook struct {
	mu      sync.Mutex
	entries []*log.Entry
	flushed atomic.Bool
}

// RedactHook scrubs bearer and refresh tokens out of log messages before
// they are formatted.
type RedactHook struct {
	patterns []*regexp.Regexp
}

var (
	bufferedHook atomic.Pointer[BufferedLogHook]
	flushOnce    sync.Once
	logFHandle   *os.File

	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
		regexp.MustCompile(`(?i)((?:refresh|access)_token["']?\s*[:=]\s*["']?)[^"'&\s,}]+`),
	}
)

// ResetLogFlush is intended for unit tests to be able to reset log flush state.
func ResetLogFlush() {
	flushOnce = sync.Once{}
	bufferedHook.Store(nil)
}

func NewBufferedLogHook() *BufferedLogHook {
	return &BufferedLogHook{
		entries: make([]*log.Entry, 0),
	}
}

// Fire is called on every log entry
func (hook *BufferedLogHook) Fire(entry *log.Entry) error {
	if hook.flushed.Load() {
		return nil
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	hook.entries = append(hook.entries, entry)
	return nil
}

func (hook *BufferedLogHook) Levels() []log.Level {
	return log.AllLevels
}

func NewRedactHook() *RedactHook {
	return &RedactHook{patterns: secretPatterns}
}

func (hook *RedactHook) Levels() []log.Level {
	return log.AllLevels
}

func (hook *RedactHook) Fire(entry *log.Entry) error {
	entry.Message = hook.Redact(entry.Message)
	for key, value := range entry.Data {
		if str, ok := value.(string); ok {
			entry.Data[key] = hook.Redact(str)
		}
	}
	return nil
}

// Redact replaces every token-looking value in msg with "<redacted>".
func (hook *RedactHook) Redact(msg string) string {
	for _, re := range hook.patterns {
		msg = re.ReplaceAllString(msg, "${1}<redacted>")
	}
	return msg
}

// SetupLogBuffering discards direct output and starts buffering entries
// until FlushLogs is called.
func SetupLogBuffering() {
	log.SetOutput(io.Discard)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		DisableColors: true,
	})

	hook := NewBufferedLogHook()
	if bufferedHook.CompareAndSwap(nil, hook) {
		log.AddHook(hook)
	}
}

// ApplyLevel sets the logrus level from Logging.Level; Debug forces the
// debug level.
func ApplyLevel() error {
	if param.Debug.GetBool() {
		log.SetLevel(log.DebugLevel)
		return nil
	}
	levelName := param.Logging_Level.GetString()
	if levelName == "" {
		log.SetLevel(log.InfoLevel)
		return nil
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return errors.Wrapf(err, "invalid Logging.Level %q", levelName)
	}
	log.SetLevel(level)
	return nil
}

// FlushLogs points logrus at its final destination and replays the
// buffered entries.  With pushToFile set and Logging.LogLocation
// configured, logs go to that file; otherwise they go to stderr.
func FlushLogs(pushToFile bool) (err error) {
	flushOnce.Do(func() {
		hooks := make(log.LevelHooks)
		hooks.Add(NewRedactHook())

		logLocation := param.Logging_LogLocation.GetString()
		if pushToFile && logLocation != "" {
			if dir := filepath.Dir(logLocation); dir != "" {
				if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
					err = errors.Wrap(mkErr, "failed to access/create log directory")
					return
				}
			}
			f, openErr := os.OpenFile(logLocation, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
			if openErr != nil {
				err = errors.Wrap(openErr, "failed to access specified log file")
				return
			}
			logFHandle = f
			fmt.Fprintf(os.Stderr, "Logging.LogLocation is set to %s. All logs are redirected to the log file.\n", logLocation)
			log.SetOutput(f)
			log.SetFormatter(&log.TextFormatter{
				FullTimestamp:          true,
				DisableColors:          true,
				DisableLevelTruncation: true,
			})
		} else {
			log.SetOutput(os.Stderr)
			log.SetFormatter(&log.TextFormatter{
				FullTimestamp:          true,
				ForceColors:            term.IsTerminal(os.Stderr),
				DisableLevelTruncation: true,
			})
		}

		hook := bufferedHook.Load()
		if hook != nil && !hook.flushed.Swap(true) {
			hook.mu.Lock()
			entries := hook.entries
			hook.entries = nil
			hook.mu.Unlock()

			out := log.StandardLogger().Out
			redact := NewRedactHook()
			for _, entry := range entries {
				if !log.IsLevelEnabled(entry.Level) {
					continue
				}
				_ = redact.Fire(entry)
				if formatted, fmtErr := entry.String(); fmtErr == nil {
					_, _ = out.Write([]byte(formatted))
				}
			}
		}

		log.StandardLogger().ReplaceHooks(hooks)

		if out, ok := log.StandardLogger().Out.(*os.File); ok {
			_ = out.Sync()
		}
	})
	return
}

// CloseLogger closes the log file, if one was opened.  Used by unit tests so
// temporary directories can be removed.
func CloseLogger() {
	if logFHandle != nil {
		_ = logFHandle.Close()
		logFHandle = nil
	}
}
