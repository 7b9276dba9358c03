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

// Package retry runs a remote operation under a bounded retry budget.
//
// Each attempt's failure is classified as transient or permanent.  Transient
// failures consume one unit of the budget and are retried after a delay;
// permanent failures stop immediately.  The loop is explicit so the stack
// depth never grows with the number of attempts.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/metrics"
	"github.com/cybergis/hpcsup/param"
)

const DefaultMaxAttempts = 5

type (
	// Policy bounds how an operation is retried.
	Policy struct {
		// Total number of attempts, including the first.  Values below one
		// are treated as one.
		MaxAttempts int
		// Pause before the second attempt.  Zero retries immediately.
		Delay time.Duration
		// Upper bound on the pause when Multiplier grows it.  Zero means no cap.
		MaxDelay time.Duration
		// Growth factor applied to the pause after each failure.  Values
		// at or below one keep the pause fixed.
		Multiplier float64
	}

	// Operation is one remote call that may be attempted several times.
	Operation[T any] struct {
		Name string
		Call func(ctx context.Context) (T, error)
		// Classify decides whether a failure is worth another attempt.  When
		// nil, error_codes.Classify is used.
		Classify func(error) error_codes.Kind
	}
)

// DefaultPolicy returns five attempts with no delay.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts}
}

// PolicyFromConfig builds a policy from the Retry.* parameters, falling back
// to DefaultMaxAttempts when Retry.MaxAttempts is unset.
func PolicyFromConfig() Policy {
	policy := Policy{
		MaxAttempts: param.Retry_MaxAttempts.GetInt(),
		Delay:       param.Retry_Delay.GetDuration(),
		MaxDelay:    param.Retry_MaxDelay.GetDuration(),
		Multiplier:  param.Retry_Multiplier.GetFloat(),
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	return policy
}

// delayAfter returns the pause that follows the given (1-based) failed attempt.
func (p Policy) delayAfter(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	delay := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Execute invokes op until it succeeds, fails permanently, or the policy's
// attempts are used up.
//
// A permanent failure is returned as *error_codes.PermanentRemoteError right
// after the attempt that produced it.  Running out of attempts yields
// *error_codes.RetriesExhaustedError carrying the last failure.  If ctx is
// cancelled while waiting between attempts, the context error is returned.
func Execute[T any](ctx context.Context, policy Policy, op Operation[T]) (result T, err error) {
	var zero T
	if op.Call == nil {
		return zero, errors.Errorf("operation %q has nothing to call", op.Name)
	}
	classify := op.Classify
	if classify == nil {
		classify = error_codes.Classify
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = op.Call(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debugf("%s succeeded on attempt %d of %d", op.Name, attempt, maxAttempts)
			}
			metrics.RetryOutcomes.WithLabelValues(op.Name, metrics.OutcomeSuccess).Inc()
			return result, nil
		}
		lastErr = err

		kind := classify(err)
		metrics.RemoteAttemptFailures.WithLabelValues(op.Name, kind.String()).Inc()
		log.WithFields(log.Fields{
			"operation": op.Name,
			"attempt":   attempt,
			"remaining": maxAttempts - attempt,
			"kind":      kind.String(),
		}).Warnf("Attempt failed: %v", err)

		if kind == error_codes.Permanent {
			metrics.RetryOutcomes.WithLabelValues(op.Name, metrics.OutcomePermanent).Inc()
			var perm *error_codes.PermanentRemoteError
			if errors.As(err, &perm) {
				return zero, err
			}
			return zero, error_codes.NewPermanent(op.Name, err)
		}
		if attempt == maxAttempts {
			break
		}

		if delay := policy.delayAfter(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				metrics.RetryOutcomes.WithLabelValues(op.Name, metrics.OutcomeCancelled).Inc()
				return zero, ctx.Err()
			case <-timer.C:
			}
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.RetryOutcomes.WithLabelValues(op.Name, metrics.OutcomeCancelled).Inc()
			return zero, ctxErr
		}
	}

	metrics.RetryOutcomes.WithLabelValues(op.Name, metrics.OutcomeExhausted).Inc()
	log.Errorf("Giving up on %s after %d attempts", op.Name, maxAttempts)
	return zero, &error_codes.RetriesExhaustedError{
		Operation: op.Name,
		Attempts:  maxAttempts,
		Last:      lastErr,
	}
}
