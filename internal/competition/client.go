// Package competition implements the external competition API client
// and the submission driver that drains confirmed vulnerabilities and
// successful patches into it.
package competition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SubmissionStatus is the API's disposition of a submitted artifact.
type SubmissionStatus string

const (
	StatusAccepted         SubmissionStatus = "accepted"
	StatusPassed           SubmissionStatus = "passed"
	StatusFailed           SubmissionStatus = "failed"
	StatusDeadlineExceeded SubmissionStatus = "deadline_exceeded"
	StatusErrored          SubmissionStatus = "errored"
)

// Terminal reports whether s is a final status: the API will not change
// its mind about it on a later poll.
func (s SubmissionStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusDeadlineExceeded, StatusErrored:
		return true
	}
	return false
}

// POVSubmission is the payload of POST /v1/task/{task_id}/pov/.
type POVSubmission struct {
	Architecture string `json:"architecture"`
	Engine       string `json:"engine"`
	FuzzerName   string `json:"fuzzer_name"`
	Sanitizer    string `json:"sanitizer"`
	Testcase     []byte `json:"-"`
}

// POVResponse is the API's answer to a POV submission or status poll.
type POVResponse struct {
	POVID  string           `json:"pov_id"`
	Status SubmissionStatus `json:"status"`
}

// PatchResponse is the API's answer to a patch submission.
type PatchResponse struct {
	PatchID                   string           `json:"patch_id"`
	Status                    SubmissionStatus `json:"status"`
	FunctionalityTestsPassing *bool            `json:"functionality_tests_passing,omitempty"`
}

// BundleSubmission ties previously-submitted artifacts together.
type BundleSubmission struct {
	BroadcastSARIFID string `json:"broadcast_sarif_id,omitempty"`
	Description      string `json:"description,omitempty"`
	FreeformID       string `json:"freeform_id,omitempty"`
	PatchID          string `json:"patch_id,omitempty"`
	POVID            string `json:"pov_id,omitempty"`
	SubmittedSARIFID string `json:"submitted_sarif_id,omitempty"`
}

// BundleResponse is the API's answer to a bundle submission.
type BundleResponse struct {
	BundleID string           `json:"bundle_id"`
	Status   SubmissionStatus `json:"status"`
}

// Client talks to the external competition API with HTTP basic auth.
type Client struct {
	baseURL  string
	apiKeyID string
	apiToken string
	http     *http.Client
}

// NewClient constructs a Client for the API at baseURL, authenticating
// as (apiKeyID, apiToken).
func NewClient(baseURL, apiKeyID, apiToken string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKeyID: apiKeyID,
		apiToken: apiToken,
		http:     &http.Client{Timeout: time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("competition: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("competition: build request: %w", err)
	}
	req.SetBasicAuth(c.apiKeyID, c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("competition: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(payload), Path: path}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("competition: decode %s response: %w", path, err)
	}
	return nil
}

// StatusError is a non-2xx API response; the submission driver retries
// these until the task deadline.
type StatusError struct {
	Code int
	Body string
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("competition: %s returned %d: %s", e.Path, e.Code, e.Body)
}

// SubmitPOV POSTs a proof-of-vulnerability testcase.
func (c *Client) SubmitPOV(ctx context.Context, taskID string, sub POVSubmission) (*POVResponse, error) {
	payload := map[string]string{
		"architecture": sub.Architecture,
		"engine":       sub.Engine,
		"fuzzer_name":  sub.FuzzerName,
		"sanitizer":    sub.Sanitizer,
		"testcase":     base64.StdEncoding.EncodeToString(sub.Testcase),
	}
	var out POVResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/task/%s/pov/", taskID), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPOVStatus polls the status of a previously-submitted POV.
func (c *Client) GetPOVStatus(ctx context.Context, taskID, povID string) (*POVResponse, error) {
	var out POVResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/task/%s/pov/%s/", taskID, povID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitPatch POSTs a source patch.
func (c *Client) SubmitPatch(ctx context.Context, taskID, patchText string) (*PatchResponse, error) {
	payload := map[string]string{
		"patch": base64.StdEncoding.EncodeToString([]byte(patchText)),
	}
	var out PatchResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/task/%s/patch/", taskID), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitBundle POSTs a bundle tying a POV and patch together.
func (c *Client) SubmitBundle(ctx context.Context, taskID string, sub BundleSubmission) (*BundleResponse, error) {
	var out BundleResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/task/%s/bundle/", taskID), sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchBundle updates a previously-submitted bundle.
func (c *Client) PatchBundle(ctx context.Context, taskID, bundleID string, sub BundleSubmission) (*BundleResponse, error) {
	var out BundleResponse
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/v1/task/%s/bundle/%s/", taskID, bundleID), sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBundle polls a previously-submitted bundle.
func (c *Client) GetBundle(ctx context.Context, taskID, bundleID string) (*BundleResponse, error) {
	var out BundleResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/task/%s/bundle/%s/", taskID, bundleID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
