package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"genflow/internal/domain"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL string, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) waitHealth(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

// parsePrompt reads "<n> [engine|chain]".
func parsePrompt(prompt string) (int, domain.JobMode, error) {
	fields := strings.Fields(prompt)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, "", fmt.Errorf("expected: <n> [engine|chain]")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("n must be a non-negative integer, got %q", fields[0])
	}
	var mode domain.JobMode
	if len(fields) == 2 {
		mode = domain.JobMode(strings.ToLower(fields[1]))
		if mode != domain.JobModeEngine && mode != domain.JobModeChain {
			return 0, "", fmt.Errorf("unknown mode %q", fields[1])
		}
	}
	return n, mode, nil
}

func (c *client) submit(n int, mode domain.JobMode) (domain.Job, error) {
	req := map[string]any{"n": n}
	if mode != "" {
		req["mode"] = mode
	}
	var job domain.Job
	if err := c.postJSON("/v1/generate", req, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (c *client) cancel(jobID string) error {
	return c.postJSON(fmt.Sprintf("/v1/jobs/%s/cancel", jobID), nil, nil)
}

func (c *client) listJobs() ([]domain.Job, error) {
	var out []domain.Job
	if err := c.getJSON("/v1/jobs?limit=200", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJob(jobID string) (domain.Job, error) {
	var out domain.Job
	if err := c.getJSON("/v1/jobs/"+jobID, &out); err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

func (c *client) listJobDecisions(jobID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/v1/jobs/%s/decisions?limit=%d", jobID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) do(method string, path string, in any) ([]byte, error) {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *client) getJSON(path string, out any) error {
	body, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	body, err := c.do(http.MethodPost, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
