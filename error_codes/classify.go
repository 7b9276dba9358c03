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

package error_codes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// HTTPStatusError records a non-success response from a remote API.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// WrapHTTPStatus tags err according to the HTTP status code the service
// answered with.  Throttling, request timeouts and 5xx are transient; every
// other 4xx is a rejected request.
func WrapHTTPStatus(op string, code int, err error) error {
	if err == nil {
		err = &HTTPStatusError{Code: code}
	}
	if transientStatus(code) {
		return NewTransient(op, err)
	}
	return NewPermanent(op, err)
}

func transientStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return true
	case code >= 500 && code < 600:
		return true
	default:
		return false
	}
}

// Classify maps a failure to its retry Kind.  Explicit tags win; untagged
// network-layer failures are transient; anything unrecognized is permanent
// so that surprises are surfaced instead of looped on.
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}

	var perm *PermanentRemoteError
	if errors.As(err, &perm) {
		return Permanent
	}
	var trans *TransientRemoteError
	if errors.As(err, &trans) {
		return Transient
	}
	var hse *HTTPStatusError
	if errors.As(err, &hse) {
		if transientStatus(hse.Code) {
			return Transient
		}
		return Permanent
	}

	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if isNetworkError(err) {
		return Transient
	}
	return Permanent
}

// IsTransient is shorthand for Classify(err) == Transient.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && urlErr.Err != err {
		if isNetworkError(urlErr.Err) {
			return true
		}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// The HTTP client does not export a type for a reused connection that
	// the server already closed.
	msg := err.Error()
	return strings.Contains(msg, "server closed idle connection") ||
		strings.Contains(msg, "connection reset by peer")
}
