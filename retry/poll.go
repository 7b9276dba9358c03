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

package retry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/metrics"
)

// PollConfig controls a status poll loop.
type PollConfig struct {
	// Name identifies the polled object in logs, e.g. a task id.
	Name string
	// Loop is the metrics label of the loop (metrics.LoopTransfer, ...).
	Loop string
	// Interval is slept before every query, including the first.
	Interval time.Duration
	// MaxConsecutiveFailures turns that many failed queries in a row into
	// a terminal error.  Zero keeps polling forever.
	MaxConsecutiveFailures int
}

// Poll sleeps Interval, runs query, and repeats until done reports a
// terminal observation.  Query errors never end the loop on their own: they
// are passed to onError (which may be nil) and the query is tried again
// after the same interval, unless MaxConsecutiveFailures is reached.
//
// It returns the terminal observation and the number of successful queries.
// When ctx is cancelled first, the last observation is returned with
// ctx.Err(); the wait never outlasts one interval past cancellation.
func Poll[T any](ctx context.Context, cfg PollConfig, query func(context.Context) (T, error), done func(T) bool, onError func(error)) (last T, polls int, err error) {
	consecutive := 0
	timer := time.NewTimer(cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debugf("Stopped polling %s after %d queries: %v", cfg.Name, polls, ctx.Err())
			return last, polls, ctx.Err()
		case <-timer.C:
		}

		result, queryErr := query(ctx)
		if queryErr != nil {
			if ctx.Err() != nil {
				return last, polls, ctx.Err()
			}
			consecutive++
			metrics.PollIterations.WithLabelValues(cfg.Loop, "error").Inc()
			log.WithFields(log.Fields{
				"loop":        cfg.Loop,
				"target":      cfg.Name,
				"consecutive": consecutive,
			}).Warnf("Status query failed; will try again in %s: %v", cfg.Interval, queryErr)
			if onError != nil {
				onError(queryErr)
			}
			if cfg.MaxConsecutiveFailures > 0 && consecutive >= cfg.MaxConsecutiveFailures {
				return last, polls, &error_codes.RetriesExhaustedError{
					Operation: "poll " + cfg.Name,
					Attempts:  consecutive,
					Last:      queryErr,
				}
			}
		} else {
			consecutive = 0
			polls++
			last = result
			metrics.PollIterations.WithLabelValues(cfg.Loop, "ok").Inc()
			metrics.LastPollTimestamp.WithLabelValues(cfg.Loop).SetToCurrentTime()
			if done(result) {
				return result, polls, nil
			}
		}
		timer.Reset(cfg.Interval)
	}
}
