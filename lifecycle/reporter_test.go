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

package lifecycle

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func lines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
}

func TestEmitOrdersOutputsBeforeEvent(t *testing.T) {
	buf := &bytes.Buffer{}
	reporter := NewReporter(buf)

	reporter.Emit(NewEvent(JobInitialized, "submitted",
		Output{Name: "remote_id", Value: "123"},
		Output{Name: "globus_task_id", Value: "abc"},
	))

	assert.Equal(t, []string{
		"@var=[remote_id:123]",
		"@var=[globus_task_id:abc]",
		"@event=[JOB_INITIALIZED: submitted]",
	}, lines(buf))
}

func TestEmitWithoutOutputs(t *testing.T) {
	buf := &bytes.Buffer{}
	NewReporter(buf).Emit(NewEvent(JobFailed, "job 42 failed"))
	assert.Equal(t, "@event=[JOB_FAILED: job 42 failed]\n", buf.String())
}

func TestEmitInvalidTagFallsBackToStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	NewReporter(buf).Emit(NewEvent(Tag("not a tag!"), "still reported"))
	assert.Equal(t, "@event=[JOB_STATUS: still reported]\n", buf.String())

	buf.Reset()
	NewReporter(buf).Emit(NewEvent(Tag(""), "empty"))
	assert.Equal(t, "@event=[JOB_STATUS: empty]\n", buf.String())
}

func TestEmitCustomTag(t *testing.T) {
	buf := &bytes.Buffer{}
	NewReporter(buf).Emit(NewEvent(CustomTag("summa", "HPC_CONNECTED"), "connected to keeling"))
	assert.Equal(t, "@event=[SUMMA_HPC_CONNECTED: connected to keeling]\n", buf.String())
}

func TestEmitSanitizesPayloads(t *testing.T) {
	buf := &bytes.Buffer{}
	NewReporter(buf).Emit(NewEvent(JobFailed, "line one\nline two] trailing cigi@keeling:/scratch/@event=[X: y]",
		Output{Name: "bad name", Value: "a]b\r\nc@d"}))

	got := lines(buf)
	require.Len(t, got, 2)
	assert.Equal(t, "@var=[bad_name:a)b c(at)d]", got[0])
	assert.Equal(t, "@event=[JOB_FAILED: line one line two) trailing cigi(at)keeling:/scratch/(at)event=[X: y)]", got[1])
	assert.Equal(t, 2, strings.Count(buf.String(), "@"))
}

func TestEmitNeverPanicsOnWriteFailure(t *testing.T) {
	reporter := NewReporter(failingWriter{})
	assert.NotPanics(t, func() {
		reporter.Emit(NewEvent(JobEnded, "done"))
		reporter.Key("status", "SUCCEEDED")
	})
}

func TestKey(t *testing.T) {
	buf := &bytes.Buffer{}
	reporter := NewReporter(buf)
	reporter.Key("status", "SUCCEEDED")
	reporter.Key("task_id", "6f0c-11ee")
	assert.Equal(t, "@status=[SUCCEEDED]\n@task_id=[6f0c-11ee]\n", buf.String())
}

func TestEventWith(t *testing.T) {
	base := NewEvent(JobEnded, "done", Output{Name: "a", Value: "1"})
	extended := base.With("b", "2")

	assert.Len(t, base.Outputs, 1)
	assert.Equal(t, []Output{{"a", "1"}, {"b", "2"}}, extended.Outputs)
	value, ok := extended.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, "2", value)
	_, ok = extended.Lookup("c")
	assert.False(t, ok)
}

func TestTagTerminal(t *testing.T) {
	assert.True(t, JobEnded.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobStatus.Terminal())
	assert.False(t, JobInitialized.Terminal())
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Directive
	}{
		{"@event=[JOB_ENDED: all done: really]", Directive{Kind: KindEvent, Tag: JobEnded, Message: "all done: really"}},
		{"@event=[JOB_STATUS]", Directive{Kind: KindEvent, Tag: JobStatus}},
		{"@var=[custom_downloaded_path:/tmp/out:1]", Directive{Kind: KindVar, Name: "custom_downloaded_path", Value: "/tmp/out:1"}},
		{"@status=[SUCCEEDED]\n", Directive{Kind: KindKey, Name: "status", Value: "SUCCEEDED"}},
	}
	for _, tc := range tests {
		got, err := Parse(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.want, got)
	}

	_, err := Parse("Submitted batch job 1234")
	assert.ErrorIs(t, err, ErrNotDirective)
	_, err = Parse("@var=[nocolon]")
	assert.Error(t, err)
}

func TestRoundTripThroughParseEvents(t *testing.T) {
	buf := &bytes.Buffer{}
	reporter := NewReporter(buf)
	reporter.Emit(NewEvent(CustomTag("WRFHydro", "HPC_SUBMITTED"), "submitted",
		Output{Name: "remote_id", Value: "991"}))
	reporter.Emit(NewEvent(JobInitialized, "ready",
		Output{Name: "remote_folder_path", Value: "/scratch/job"},
		Output{Name: "remote_slurm_out_file_path", Value: "/scratch/job/slurm_log/job.stdout"}))
	reporter.Key("mapped_username", "cigi")

	events, keys := ParseEvents(append(lines(buf), "stray program output"))
	require.Len(t, events, 2)
	assert.Equal(t, Tag("WRFHYDRO_HPC_SUBMITTED"), events[0].Tag)
	assert.Equal(t, []Output{{"remote_id", "991"}}, events[0].Outputs)
	assert.Equal(t, JobInitialized, events[1].Tag)
	assert.Len(t, events[1].Outputs, 2)
	require.Len(t, keys, 1)
	assert.Equal(t, "mapped_username", keys[0].Name)
}
