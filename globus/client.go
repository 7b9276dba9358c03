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

// Package globus implements transfer.Service on top of the Globus Transfer
// REST API (v0.10).
package globus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/cybergis/hpcsup/config"
	"github.com/cybergis/hpcsup/credentials"
	"github.com/cybergis/hpcsup/error_codes"
	"github.com/cybergis/hpcsup/param"
	"github.com/cybergis/hpcsup/transfer"
)

const (
	DefaultBaseURL = "https://transfer.api.globus.org/v0.10"

	maxErrorBody = 4096
	maxLabelLen  = 128
)

// https://docs.globus.org/api/transfer/task_submit/#transfer_and_delete_documents
type (
	transferItem struct {
		DataType        string `json:"DATA_TYPE"`
		SourcePath      string `json:"source_path"`
		DestinationPath string `json:"destination_path"`
		Recursive       bool   `json:"recursive"`
	}

	transferDocument struct {
		DataType            string         `json:"DATA_TYPE"`
		SubmissionID        string         `json:"submission_id"`
		SourceEndpoint      string         `json:"source_endpoint"`
		DestinationEndpoint string         `json:"destination_endpoint"`
		Label               string         `json:"label,omitempty"`
		SyncLevel           string         `json:"sync_level,omitempty"`
		VerifyChecksum      bool           `json:"verify_checksum"`
		Data                []transferItem `json:"DATA"`
	}

	submitResponse struct {
		Code    string `json:"code"`
		TaskID  string `json:"task_id"`
		Message string `json:"message"`
	}

	submissionIDResponse struct {
		Value string `json:"value"`
	}

	taskResponse struct {
		TaskID           string `json:"task_id"`
		Status           string `json:"status"`
		NiceStatus       string `json:"nice_status"`
		Label            string `json:"label"`
		BytesTransferred int64  `json:"bytes_transferred"`
		Files            int64  `json:"files"`
		FilesTransferred int64  `json:"files_transferred"`
		Faults           int64  `json:"faults"`
	}

	errorResponse struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	}

	// Client talks to the transfer API with a bearer token.  Requests are
	// paced by a rate limiter so a tight poll loop cannot trip the API's
	// throttling.
	Client struct {
		baseURL    string
		httpClient *http.Client
		limiter    *rate.Limiter
	}
)

var labelInvalidChars = regexp.MustCompile(`[^A-Za-z0-9_\-, ]+`)

// NewClient builds a client for baseURL.  httpClient must already attach
// credentials (see oauth2.NewClient).  requestsPerSecond <= 0 disables
// pacing.
func NewClient(baseURL string, httpClient *http.Client, requestsPerSecond float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
	}
}

// NewClientFromParams builds a client from the Transfer.* parameters using
// the configured credentials and the shared transport.
func NewClientFromParams(ctx context.Context) (*Client, error) {
	ts, err := credentials.NewTokenSource(ctx)
	if err != nil {
		return nil, err
	}
	base := &http.Client{Transport: config.GetTransport()}
	httpClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	return NewClient(param.Transfer_BaseURL.GetString(), httpClient, param.Transfer_RequestsPerSecond.GetFloat()), nil
}

// MakeLabel joins parts into a task label the API accepts and appends a
// short random suffix so repeated runs are distinguishable.
func MakeLabel(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(labelInvalidChars.ReplaceAllString(part, "_"), " _")
		if part != "" {
			cleaned = append(cleaned, part)
		}
	}
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	label := strings.Join(cleaned, "_")
	if len(label) > maxLabelLen-len(suffix)-1 {
		label = label[:maxLabelLen-len(suffix)-1]
	}
	if label == "" {
		return suffix
	}
	return label + "_" + suffix
}

// do issues one request and decodes a 2xx JSON answer into out.  Failures
// are tagged transient or permanent for the retry layer.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return error_codes.NewPermanent(op, errors.Wrap(err, "failed to encode request"))
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return error_codes.NewPermanent(op, errors.Wrap(err, "failed to build request"))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			return error_codes.WrapHTTPStatus(op, retrieveErr.Response.StatusCode,
				errors.Wrap(err, "failed to obtain a transfer token"))
		}
		return errors.Wrapf(err, "%s request to %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &error_codes.HTTPStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			statusErr.Body = fmt.Sprintf("%s: %s (request %s)", apiErr.Code, apiErr.Message, apiErr.RequestID)
		}
		return error_codes.WrapHTTPStatus(op, resp.StatusCode, statusErr)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A truncated body is a broken connection, not a bad answer.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return error_codes.NewTransient(op, err)
		}
		return error_codes.NewPermanent(op, errors.Wrap(err, "failed to decode response"))
	}
	return nil
}

// NewSubmissionID asks the service for an idempotency key.
func (c *Client) NewSubmissionID(ctx context.Context) (string, error) {
	var res submissionIDResponse
	if err := c.do(ctx, "get_submission_id", http.MethodGet, "/submission_id", nil, &res); err != nil {
		return "", err
	}
	if res.Value == "" {
		return "", error_codes.NewPermanent("get_submission_id", errors.New("empty submission id"))
	}
	return res.Value, nil
}

// SubmitTransfer submits task as a single-item transfer.  A resubmission
// with the same submission id is reported by the service as a duplicate of
// the original task, which is returned.
func (c *Client) SubmitTransfer(ctx context.Context, task transfer.Task) (string, error) {
	submissionID := task.SubmissionID
	if submissionID == "" {
		id, err := c.NewSubmissionID(ctx)
		if err != nil {
			return "", err
		}
		submissionID = id
	}
	syncLevel := task.SyncLevel
	if syncLevel == "" {
		syncLevel = transfer.DefaultSyncLevel
	}

	doc := transferDocument{
		DataType:            "transfer",
		SubmissionID:        submissionID,
		SourceEndpoint:      task.SourceEndpoint,
		DestinationEndpoint: task.DestinationEndpoint,
		Label:               task.Label,
		SyncLevel:           syncLevel,
		VerifyChecksum:      syncLevel == "checksum",
		Data: []transferItem{{
			DataType:        "transfer_item",
			SourcePath:      task.SourcePath,
			DestinationPath: task.DestinationPath,
			Recursive:       task.Recursive,
		}},
	}

	var res submitResponse
	if err := c.do(ctx, "submit_transfer", http.MethodPost, "/transfer", doc, &res); err != nil {
		return "", err
	}
	switch res.Code {
	case "Accepted", "Duplicate", "":
	default:
		log.Warnf("Transfer submission answered with code %s: %s", res.Code, res.Message)
	}
	if res.Code == "Duplicate" {
		log.Infof("Submission %s was already accepted as task %s", submissionID, res.TaskID)
	}
	return res.TaskID, nil
}

// GetTask reads the task document.
func (c *Client) GetTask(ctx context.Context, taskID string) (transfer.TaskInfo, error) {
	var res taskResponse
	if err := c.do(ctx, "get_task", http.MethodGet, "/task/"+url.PathEscape(taskID), nil, &res); err != nil {
		return transfer.TaskInfo{}, err
	}
	if res.TaskID == "" {
		res.TaskID = taskID
	}
	return transfer.TaskInfo{
		TaskID:           res.TaskID,
		Status:           transfer.ParseStatus(res.Status),
		RawStatus:        res.Status,
		NiceStatus:       res.NiceStatus,
		Label:            res.Label,
		BytesTransferred: res.BytesTransferred,
		Files:            res.Files,
		FilesTransferred: res.FilesTransferred,
		Faults:           res.Faults,
	}, nil
}

// CancelTask aborts a task that has not finished yet.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, "cancel_task", http.MethodPost, "/task/"+url.PathEscape(taskID)+"/cancel", nil, nil)
}
