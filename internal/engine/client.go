// Package engine is the HTTP adapter for the external asynchronous speech engine: job
// creation, the legacy job query and the pronunciation (vocabulary) table.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
)

// API endpoints and paths, relative to {base}/v1/{project}.
const (
	apiAsyncJobs          = "/ttsc/async-jobs"
	apiVocabularyConfigs  = "/ttsc/vocabulary-configs"
	apiVocabularyDeletion = "/ttsc/vocabulary-configs/batch-delete"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerAuthToken   = "X-Auth-Token"
	headerRequestID   = "X-Request-Id"
	contentTypeJSON   = "application/json"
)

const defaultTimeout = 30 * time.Second

// ErrMissingJobID indicates a successful response that carried no job id.
var ErrMissingJobID = errors.New("engine returned no job id")

// Client represents a client for the engine's HTTP API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	callbackURL string
}

type callbackConfig struct {
	CallbackURL string `json:"callback_url"`
}

// createJobRequest defines the JSON payload of an async job.
type createJobRequest struct {
	Text           string          `json:"text"`
	VoiceAssetID   string          `json:"voice_asset_id"`
	Speed          int             `json:"speed"`
	Volume         int             `json:"volume"`
	Pitch          int             `json:"pitch"`
	CallbackConfig *callbackConfig `json:"callback_config,omitempty"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

// Job is the engine's view of one asynchronous job.
type Job struct {
	JobID                string  `json:"job_id"`
	State                string  `json:"state"`
	AudioFileDownloadURL string  `json:"audio_file_download_url"`
	AudioDurationSeconds float64 `json:"audio_duration"`
	ErrorCode            string  `json:"error_code,omitempty"`
	ErrorMessage         string  `json:"error_msg,omitempty"`
}

// errorResponse represents a structured error response from the engine.
type errorResponse struct {
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// NewClient configures a client from cfg.
func NewClient(cfg config.EngineConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	base := strings.TrimRight(cfg.BaseURL, "/") + "/v1/" + url.PathEscape(cfg.ProjectID)

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     base,
		token:       cfg.Token,
		callbackURL: cfg.CallbackURL,
	}
}

// CreateJob starts an asynchronous job and returns its id. It never waits for the job
// to finish; completion arrives as a callback.
func (c *Client) CreateJob(ctx context.Context, req core.JobRequest) (string, error) {
	if strings.TrimSpace(req.Markup) == "" {
		return "", core.ErrEmptyMarkup
	}

	body := createJobRequest{
		Text:         req.Markup,
		VoiceAssetID: req.VoiceID,
		Speed:        req.SpeechRate,
		Volume:       req.Volume,
		Pitch:        req.Pitch,
	}

	if c.callbackURL != "" {
		body.CallbackConfig = &callbackConfig{CallbackURL: c.callbackURL}
	}

	var resp createJobResponse

	err := c.do(ctx, "create job", http.MethodPost, apiAsyncJobs, body, &resp)
	if err != nil {
		return "", err
	}

	if resp.JobID == "" {
		return "", &core.ExternalServiceError{Operation: "create job", StatusCode: http.StatusOK, Err: ErrMissingJobID}
	}

	return resp.JobID, nil
}

// GetJob queries one job. Operators use it to inspect jobs whose callback never arrived.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, core.Validationf("job id is required")
	}

	var job Job

	err := c.do(ctx, "get job", http.MethodGet, apiAsyncJobs+"/"+url.PathEscape(jobID), nil, &job)
	if err != nil {
		return nil, err
	}

	return &job, nil
}

// do sends one JSON request. A nil body sends no payload; a nil out discards the response.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", operation, err)
		}

		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	if body != nil {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}

	if c.token != "" {
		httpReq.Header.Set(headerAuthToken, c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &core.ExternalServiceError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return parseErrorResponse(operation, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if decodeErr != nil {
		return &core.ExternalServiceError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get(headerRequestID),
			Err:        fmt.Errorf("failed to decode response: %w", decodeErr),
		}
	}

	return nil
}

// parseErrorResponse decodes the engine's structured error. If structured parsing fails,
// the raw body becomes the message.
func parseErrorResponse(operation string, resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	serviceErr := &core.ExternalServiceError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(headerRequestID),
		Message:    strings.TrimSpace(string(raw)),
	}

	var errResp errorResponse

	if json.Unmarshal(raw, &errResp) == nil && (errResp.ErrorCode != "" || errResp.ErrorMsg != "") {
		serviceErr.Code = errResp.ErrorCode
		serviceErr.Message = errResp.ErrorMsg
	}

	return serviceErr
}

var _ core.SynthesisEngine = (*Client)(nil)
