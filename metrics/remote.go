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

package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for RetryOutcomes.
const (
	OutcomeSuccess   = "success"
	OutcomePermanent = "permanent"
	OutcomeExhausted = "exhausted"
	OutcomeCancelled = "cancelled"
)

// Loop labels for PollIterations and LastPollTimestamp.
const (
	LoopTransfer = "transfer"
	LoopJob      = "job"
)

var (
	RemoteAttemptFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcsup_remote_attempt_failures_total",
		Help: "Failed attempts of remote operations, by operation and classification",
	}, []string{"operation", "kind"})

	RetryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcsup_retry_outcomes_total",
		Help: "Final outcome of each retried remote operation",
	}, []string{"operation", "outcome"})

	PollIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcsup_poll_iterations_total",
		Help: "Status queries issued by a poll loop, by loop and result",
	}, []string{"loop", "result"})

	LastPollTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hpcsup_last_poll_timestamp_seconds",
		Help: "Unix time of the last successful status query of a poll loop",
	}, []string{"loop"})

	LifecycleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hpcsup_lifecycle_events_total",
		Help: "Lifecycle events written to the event protocol, by tag",
	}, []string{"tag"})
)

// WriteTextfile dumps the default registry in the text exposition format so
// that a node_exporter textfile collector can pick up the counters of a
// short-lived invocation.  An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %s", path)
	}
	return nil
}
