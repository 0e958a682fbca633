// Package provider talks to the external image-generation API. Jobs are
// asynchronous: a created task returns an opaque id, and the caller polls
// until the task reports a terminal state.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRejected means the provider refused the task outright (bad input, quota,
// unknown model). Retrying the same payload will not help.
var ErrRejected = errors.New("provider rejected task")

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type Task struct {
	ModelKey    string
	Prompt      string
	Size        string
	AspectRatio string
	Resolution  string
	Quality     string
	Style       string
	InputURLs   []string
}

// Status is one poll observation. Terminal is true for success and failure;
// OutputURLs is populated only on success.
type Status struct {
	TaskID     string
	Terminal   bool
	Succeeded  bool
	OutputURLs []string
	Error      string
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Transient reports whether err is worth retrying with a fresh attempt.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// CreateTask submits one generation attempt and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, task Task) (string, error) {
	input := map[string]any{
		"prompt": task.Prompt,
	}
	if task.Size != "" && task.Size != "auto" {
		input["size"] = task.Size
	}
	if task.AspectRatio != "" {
		input["aspect_ratio"] = task.AspectRatio
	}
	if task.Resolution != "" {
		input["resolution"] = task.Resolution
	}
	if task.Quality != "" {
		input["quality"] = task.Quality
	}
	if task.Style != "" {
		input["style"] = task.Style
	}
	if len(task.InputURLs) > 0 {
		input["image_input"] = task.InputURLs
	}

	payload := map[string]any{
		"model": task.ModelKey,
		"input": input,
	}

	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post create task: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("provider error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status=%d body=%s", ErrRejected, resp.StatusCode, truncateBody(rawBody))
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("decode create task response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if createResp.Code != 200 {
		return "", fmt.Errorf("%w: code=%d msg=%s", ErrRejected, createResp.Code, createResp.Msg)
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}

	if c.log != nil {
		c.log.Info("provider task created", "task_id", createResp.Data.TaskID, "model", task.ModelKey)
	}
	return createResp.Data.TaskID, nil
}

// CheckTask fetches the current state of a task.
func (c *Client) CheckTask(ctx context.Context, taskID string) (*Status, error) {
	params := url.Values{}
	params.Set("taskId", taskID)
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get task status: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var statusResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID     string `json:"taskId"`
			State      string `json:"state"`
			ResultJSON string `json:"resultJson"`
			FailCode   string `json:"failCode"`
			FailMsg    string `json:"failMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &statusResp); err != nil {
		return nil, fmt.Errorf("decode status response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if statusResp.Code != 200 {
		return nil, fmt.Errorf("get task status failed: code=%d msg=%s", statusResp.Code, statusResp.Msg)
	}

	status := &Status{TaskID: taskID}
	switch statusResp.Data.State {
	case "success":
		status.Terminal = true
		status.Succeeded = true
		if statusResp.Data.ResultJSON == "" {
			return nil, fmt.Errorf("empty resultJson in success response")
		}
		var result struct {
			ResultURLs []string `json:"resultUrls"`
		}
		if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
			return nil, fmt.Errorf("parse resultJson: %w", err)
		}
		if len(result.ResultURLs) == 0 {
			return nil, fmt.Errorf("no resultUrls in result")
		}
		status.OutputURLs = result.ResultURLs
	case "fail":
		status.Terminal = true
		failMsg := statusResp.Data.FailMsg
		if failMsg == "" {
			failMsg = "unknown error"
		}
		status.Error = fmt.Sprintf("%s (code: %s)", failMsg, statusResp.Data.FailCode)
	case "waiting", "generating", "processing", "queued", "queueing":
		// still running
	default:
		return nil, fmt.Errorf("unknown task state: %s", statusResp.Data.State)
	}
	return status, nil
}

func (c *Client) endpoint(path string, params url.Values) (string, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if params != nil {
		endpoint.RawQuery = params.Encode()
	}
	return baseURL.ResolveReference(endpoint).String(), nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
