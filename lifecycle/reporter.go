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

// Package lifecycle renders lifecycle events into the line protocol scraped
// by the orchestrating parent process:
//
//	@var=[name:value]     one line per output, in order
//	@event=[TAG: message] the event itself
//	@key=[value]          single-value convenience form
//
// Every directive fits on one line.
package lifecycle

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/grafana/regexp"
	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/metrics"
)

type Tag string

const (
	JobInitialized Tag = "JOB_INITIALIZED"
	JobEnded       Tag = "JOB_ENDED"
	JobFailed      Tag = "JOB_FAILED"
	JobStatus      Tag = "JOB_STATUS"
)

type (
	// Output is one named value attached to an event.
	Output struct {
		Name  string
		Value string
	}

	Event struct {
		Tag     Tag
		Message string
		Outputs []Output
	}

	// Reporter writes events to an output stream, normally stdout.
	Reporter struct {
		mu  sync.Mutex
		out io.Writer
	}
)

var (
	tagPattern  = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

	// Consumers split stdout on "@", so it cannot appear inside a payload.
	payloadReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "]", ")", "@", "(at)")
)

// CustomTag builds a model-scoped tag such as SUMMA_HPC_CONNECTED.
func CustomTag(scope, suffix string) Tag {
	return Tag(strings.ToUpper(scope) + "_" + suffix)
}

// Valid reports whether t can be written as-is.  Besides the four standard
// tags, any identifier made of letters, digits and underscores is allowed.
func (t Tag) Valid() bool {
	return tagPattern.MatchString(string(t))
}

// Terminal reports whether the tag ends the lifecycle of an invocation.
func (t Tag) Terminal() bool {
	return t == JobEnded || t == JobFailed
}

// NewEvent creates an event with the given outputs in order.
func NewEvent(tag Tag, message string, outputs ...Output) Event {
	return Event{Tag: tag, Message: message, Outputs: outputs}
}

// With returns a copy of e with one more output appended.
func (e Event) With(name, value string) Event {
	outputs := make([]Output, len(e.Outputs), len(e.Outputs)+1)
	copy(outputs, e.Outputs)
	e.Outputs = append(outputs, Output{Name: name, Value: value})
	return e
}

// Lookup returns the first output called name.
func (e Event) Lookup(name string) (string, bool) {
	for _, output := range e.Outputs {
		if output.Name == name {
			return output.Value, true
		}
	}
	return "", false
}

func NewReporter(out io.Writer) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{out: out}
}

func sanitize(value string) string {
	return payloadReplacer.Replace(value)
}

func sanitizeName(name string) string {
	if namePattern.MatchString(name) {
		return name
	}
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "value"
	}
	return sb.String()
}

// FormatEvent renders e as protocol lines without the trailing newline of
// the last one.  Invalid tags are replaced by JOB_STATUS.
func FormatEvent(e Event) []string {
	tag := e.Tag
	if !tag.Valid() {
		tag = JobStatus
	}
	lines := make([]string, 0, len(e.Outputs)+1)
	for _, output := range e.Outputs {
		lines = append(lines, fmt.Sprintf("@var=[%s:%s]", sanitizeName(output.Name), sanitize(output.Value)))
	}
	lines = append(lines, fmt.Sprintf("@event=[%s: %s]", tag, sanitize(e.Message)))
	return lines
}

// FormatKey renders a single @name=[value] directive.
func FormatKey(name, value string) string {
	return fmt.Sprintf("@%s=[%s]", sanitizeName(name), sanitize(value))
}

func (r *Reporter) write(lines []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if _, err := io.WriteString(r.out, sb.String()); err != nil {
		log.Errorf("Failed to write lifecycle output %q: %v", sb.String(), err)
	}
}

// Emit writes the event's outputs followed by the event line.  It never
// fails; a write error is logged.
func (r *Reporter) Emit(e Event) {
	if !e.Tag.Valid() {
		log.Warnf("Lifecycle tag %q is not valid; reporting it as %s", e.Tag, JobStatus)
	}
	lines := FormatEvent(e)
	log.Debugf("Emitting lifecycle event %s with %d outputs", e.Tag, len(e.Outputs))
	r.write(lines)

	tag := e.Tag
	if !tag.Valid() {
		tag = JobStatus
	}
	metrics.LifecycleEvents.WithLabelValues(string(tag)).Inc()
}

// Key writes a single @name=[value] line.
func (r *Reporter) Key(name, value string) {
	r.write([]string{FormatKey(name, value)})
}
