package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"genflow/internal/auth"
	"genflow/internal/domain"
	"genflow/internal/notify"
	"genflow/internal/orchestrator"
)

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	variants  map[string]domain.Variant
	feedback  map[string][]domain.Feedback
	submitted []orchestrator.SubmitInput
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs:     map[string]domain.Job{},
		variants: map[string]domain.Variant{},
		feedback: map[string][]domain.Feedback{},
	}
}

func (f *fakeJobs) set(job domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeJobs) Submit(_ context.Context, in orchestrator.SubmitInput) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.N < 0 {
		return domain.Job{}, fmt.Errorf("%w: n must not be negative", domain.ErrInvalidInput)
	}
	f.submitted = append(f.submitted, in)
	job := domain.Job{ID: fmt.Sprintf("job-%d", len(f.submitted)), Status: domain.JobStatusQueued, N: in.N, Mode: domain.JobModeEngine}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.NotFoundf("job %s", jobID)
	}
	return job, nil
}

func (f *fakeJobs) ListJobs(context.Context, int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := f.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return domain.Job{}, domain.ErrJobAlreadyFinal
	}
	job.Status = domain.JobStatusFailed
	job.Error = "canceled"
	f.set(job)
	return job, nil
}

func (f *fakeJobs) ListJobDecisions(context.Context, string, int) ([]domain.DecisionLog, error) {
	return []domain.DecisionLog{}, nil
}

func (f *fakeJobs) GetVariant(_ context.Context, variantID string) (domain.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.variants[variantID]
	if !ok {
		return domain.Variant{}, domain.NotFoundf("variant %s", variantID)
	}
	return v, nil
}

func (f *fakeJobs) SubmitFeedback(ctx context.Context, variantID string, rating int, comment string) (domain.Feedback, error) {
	if _, err := f.GetVariant(ctx, variantID); err != nil {
		return domain.Feedback{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fb := domain.Feedback{ID: int64(len(f.feedback[variantID]) + 1), VariantID: variantID, Rating: rating, Comment: comment}
	f.feedback[variantID] = append(f.feedback[variantID], fb)
	return fb, nil
}

func (f *fakeJobs) ListFeedback(ctx context.Context, variantID string) ([]domain.Feedback, error) {
	if _, err := f.GetVariant(ctx, variantID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Feedback(nil), f.feedback[variantID]...), nil
}

type testEnv struct {
	jobs   *fakeJobs
	server *Server
	http   *httptest.Server
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	verifier, err := auth.NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := verifier.Issue("tester", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := newFakeJobs()
	notifier := notify.New(jobs, notify.Config{PollInterval: 2 * time.Millisecond, Timeout: 5 * time.Second}, logger)
	srv := New(jobs, notifier, verifier, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testEnv{jobs: jobs, server: srv, http: ts, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d want %d body=%s", resp.StatusCode, want, body)
	}
}

func TestGenerateRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/generate", "", map[string]any{"n": 3}), http.StatusUnauthorized)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/generate", "forged", map[string]any{"n": 3}), http.StatusUnauthorized)
	if len(env.jobs.submitted) != 0 {
		t.Fatalf("unauthorized request reached the job service")
	}
}

func TestGenerateAcceptsJob(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{
		"n":       5,
		"weights": map[string]float64{"aesthetic": 0.2, "sustainability": 0.2, "cost": 0.2, "accessibility": 0.2, "emotion": 0.2},
		"context": map[string]any{"site": "riverside"},
	}
	resp := env.do(t, http.MethodPost, "/v1/generate", env.token, body)
	expectStatus(t, resp, http.StatusAccepted)

	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" || job.Status != domain.JobStatusQueued {
		t.Fatalf("job=%+v", job)
	}
	in := env.jobs.submitted[0]
	if in.N != 5 || in.Weights == nil || in.Weights.Cost != 0.2 {
		t.Fatalf("submitted=%+v", in)
	}
	if !strings.Contains(string(in.Context), "riverside") {
		t.Fatalf("context=%s", in.Context)
	}
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]any{
		"missing n":       map[string]any{},
		"negative n":      map[string]any{"n": -1},
		"partial weights": map[string]any{"n": 2, "weights": map[string]float64{"cost": 1}},
		"unknown weight":  map[string]any{"n": 2, "weights": map[string]float64{"aesthetic": 1, "sustainability": 1, "cost": 1, "accessibility": 1, "emotion": 1, "height": 1}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			expectStatus(t, env.do(t, http.MethodPost, "/v1/generate", env.token, body), http.StatusBadRequest)
		})
	}
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.set(domain.Job{ID: "j1", Status: domain.JobStatusRunning})
	env.jobs.set(domain.Job{ID: "j2", Status: domain.JobStatusCompleted})

	expectStatus(t, env.do(t, http.MethodGet, "/v1/jobs/j1", env.token, nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/jobs/missing", env.token, nil), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/jobs/j1", "", nil), http.StatusUnauthorized)

	resp := env.do(t, http.MethodGet, "/v1/jobs", env.token, nil)
	expectStatus(t, resp, http.StatusOK)
	var jobs []domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs=%d want 2", len(jobs))
	}

	expectStatus(t, env.do(t, http.MethodPost, "/v1/jobs/j1/cancel", env.token, nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/jobs/j2/cancel", env.token, nil), http.StatusConflict)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/jobs/j1/decisions", env.token, nil), http.StatusOK)
}

func TestFeedbackEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.variants["v1"] = domain.Variant{ID: "v1", JobID: "j1", Label: "variant_1", Rank: 1}

	expectStatus(t, env.do(t, http.MethodPost, "/v1/feedback/v1", env.token, map[string]any{"rating": 4, "comment": "airy"}), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/feedback/v1", env.token, map[string]any{"rating": 2}), http.StatusCreated)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/feedback/nope", env.token, map[string]any{"rating": 5}), http.StatusNotFound)
	expectStatus(t, env.do(t, http.MethodPost, "/v1/feedback/v1", env.token, map[string]any{"comment": "no rating"}), http.StatusBadRequest)

	resp := env.do(t, http.MethodGet, "/v1/variants/v1/feedback", env.token, nil)
	expectStatus(t, resp, http.StatusOK)
	var items []domain.Feedback
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		t.Fatalf("decode feedback: %v", err)
	}
	if len(items) != 2 || items[0].Rating != 4 || items[1].Rating != 2 {
		t.Fatalf("feedback=%+v", items)
	}

	expectStatus(t, env.do(t, http.MethodGet, "/v1/variants/v1", env.token, nil), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/variants/nope", env.token, nil), http.StatusNotFound)
}

func TestHealthNeedsNoToken(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return events
}

func TestStreamEmitsOrderedStatusesThenVariants(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.set(domain.Job{ID: "j1", Status: domain.JobStatusQueued})
	go func() {
		time.Sleep(30 * time.Millisecond)
		env.jobs.set(domain.Job{ID: "j1", Status: domain.JobStatusRunning, Stage: "generate"})
		time.Sleep(30 * time.Millisecond)
		env.jobs.set(domain.Job{ID: "j1", Status: domain.JobStatusCompleted, Variants: []domain.Variant{
			{ID: "v1", Label: "variant_1", Rank: 1},
			{ID: "v2", Label: "variant_2", Rank: 2},
		}})
	}()

	resp := env.do(t, http.MethodGet, "/v1/jobs/j1/stream?token="+env.token, "", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}
	events := readSSE(t, resp.Body)

	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	if got := strings.Join(names, ","); got != "status,status,status,variant,variant" {
		t.Fatalf("events=%s", got)
	}
	for i, want := range []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning, domain.JobStatusCompleted} {
		var data domain.StatusEventData
		if err := json.Unmarshal([]byte(events[i].data), &data); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if data.Status != want {
			t.Fatalf("event %d status=%s want %s", i, data.Status, want)
		}
	}
}

func TestStreamRejectsBadTokenAndUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/jobs/j1/stream?token=bad", "", nil), http.StatusUnauthorized)
	expectStatus(t, env.do(t, http.MethodGet, "/v1/jobs/missing/stream?token="+env.token, "", nil), http.StatusNotFound)
}

type wireEvent struct {
	Type domain.EventType `json:"type"`
	Data json.RawMessage  `json:"data"`
}

func dialPush(t *testing.T, env *testEnv, jobID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/jobs/" + jobID + "/events?token=" + token
	conn, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPushSendsSnapshotAndClosesWhenTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.set(domain.Job{ID: "j1", Status: domain.JobStatusCompleted, Variants: []domain.Variant{{ID: "v1", Rank: 1}}})

	conn := dialPush(t, env, "j1", env.token)
	var got []domain.EventType
	for {
		var ev wireEvent
		if err := websocket.JSON.Receive(conn, &ev); err != nil {
			break
		}
		got = append(got, ev.Type)
	}
	if len(got) != 2 || got[0] != domain.EventTypeStatus || got[1] != domain.EventTypeVariant {
		t.Fatalf("events=%v", got)
	}
}

func TestPushHoldsOpenWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.set(domain.Job{ID: "j1", Status: domain.JobStatusRunning})

	conn := dialPush(t, env, "j1", env.token)
	var ev wireEvent
	if err := websocket.JSON.Receive(conn, &ev); err != nil {
		t.Fatalf("receive: %v", err)
	}
	var data domain.StatusEventData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Status != domain.JobStatusRunning {
		t.Fatalf("status=%s", data.Status)
	}

	received := make(chan error, 1)
	go func() {
		var next wireEvent
		received <- websocket.JSON.Receive(conn, &next)
	}()
	select {
	case err := <-received:
		t.Fatalf("connection should stay open, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	env.server.Close()
	select {
	case err := <-received:
		if err == nil {
			t.Fatalf("expected connection to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server close did not release push connection")
	}
}

func TestPushRejectsBadTokenAndUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.set(domain.Job{ID: "j1", Status: domain.JobStatusRunning})

	for _, tc := range []struct{ job, token string }{
		{job: "j1", token: "bad"},
		{job: "missing", token: env.token},
	} {
		conn := dialPush(t, env, tc.job, tc.token)
		var ev wireEvent
		if err := websocket.JSON.Receive(conn, &ev); err == nil {
			t.Fatalf("job=%s expected close, got event %s", tc.job, ev.Type)
		}
	}
}
