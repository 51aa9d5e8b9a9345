package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"genflow/internal/agent"
	"genflow/internal/broker"
	"genflow/internal/chain"
	"genflow/internal/domain"
	"genflow/internal/engine"
	"genflow/internal/fs"
	"genflow/internal/messaging/inproc"
	"genflow/internal/policy"
	sqlitestore "genflow/internal/store/sqlite"
)

type harnessOptions struct {
	agents []agent.Agent
	stages func(*fs.Gateway) []chain.Stage
}

func newHarness(t *testing.T, opts harnessOptions) (*Service, *sqlitestore.Store, func()) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlitestore.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw, err := fs.NewGateway(filepath.Join(dir, "artifacts"), policy.New(nil), store)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	stages := chain.Canonical(gw)
	if opts.stages != nil {
		stages = opts.stages(gw)
	}
	agents := opts.agents
	if agents == nil {
		agents = agent.Defaults()
	}

	b := broker.New(store, inproc.New(64), broker.Config{DispatchInterval: 5 * time.Millisecond}, logger)
	exec, err := chain.New(stages, b, chain.Config{WorkersPerStage: 2}, logger)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	eng := engine.New(agents, nil, store, engine.Config{Seed: 7}, logger)
	svc := New(store, eng, exec, Config{SyncInterval: 10 * time.Millisecond}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	exec.Start(runCtx)
	b.Start(runCtx)
	svc.Start(runCtx)
	return svc, store, func() {
		cancel()
		svc.Wait()
		exec.Wait()
		b.Wait()
		_ = store.Close()
	}
}

func TestEngineJobCompletesWithRankedVariants(t *testing.T) {
	svc, store, shutdown := newHarness(t, harnessOptions{})
	defer shutdown()
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitInput{N: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("submitted status=%s want queued", job.Status)
	}
	if got := waitJobStatus(t, svc, job.ID, 3*time.Second); got != domain.JobStatusCompleted {
		t.Fatalf("status=%s want completed", got)
	}

	done, err := svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if len(done.Variants) != 5 {
		t.Fatalf("variants=%d want 5", len(done.Variants))
	}
	for i, v := range done.Variants {
		if v.Rank != i+1 {
			t.Fatalf("variant %d rank=%d", i, v.Rank)
		}
		if i > 0 && done.Variants[i-1].Composite() < v.Composite() {
			t.Fatalf("variants not sorted by composite at %d", i)
		}
	}
	assertDecision(t, store, job.ID, "job_running")
	assertDecision(t, store, job.ID, "job_completed")
}

func TestEngineJobZeroVariantsCompletes(t *testing.T) {
	svc, _, shutdown := newHarness(t, harnessOptions{})
	defer shutdown()

	job, err := svc.Submit(context.Background(), SubmitInput{N: 0})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := waitJobStatus(t, svc, job.ID, 2*time.Second); got != domain.JobStatusCompleted {
		t.Fatalf("status=%s want completed", got)
	}
}

func TestEngineJobFailsOnAgentError(t *testing.T) {
	broken := agent.Func{
		AgentName: "broken",
		Fn: func(context.Context, agent.State) (domain.Proposal, error) {
			return domain.Proposal{}, errors.New("model offline")
		},
	}
	svc, _, shutdown := newHarness(t, harnessOptions{agents: append(agent.Defaults(), broken)})
	defer shutdown()

	job, err := svc.Submit(context.Background(), SubmitInput{N: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := waitJobStatus(t, svc, job.ID, 2*time.Second); got != domain.JobStatusFailed {
		t.Fatalf("status=%s want failed", got)
	}
	failed, _ := svc.GetJob(context.Background(), job.ID)
	if !strings.Contains(failed.Error, "broken") || !strings.Contains(failed.Error, "model offline") {
		t.Fatalf("error=%q want agent name and cause", failed.Error)
	}
	if len(failed.Variants) != 0 {
		t.Fatalf("failed job exposes variants")
	}
}

func TestFailedBatchDiscardsSavedVariants(t *testing.T) {
	lastRound := agent.Func{
		AgentName: "last_round",
		Fn: func(_ context.Context, st agent.State) (domain.Proposal, error) {
			if st.Round == 2 {
				return domain.Proposal{}, errors.New("model offline")
			}
			return domain.Proposal{}, nil
		},
	}
	svc, store, shutdown := newHarness(t, harnessOptions{agents: append(agent.Defaults(), lastRound)})
	defer shutdown()
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitInput{N: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := waitJobStatus(t, svc, job.ID, 2*time.Second); got != domain.JobStatusFailed {
		t.Fatalf("status=%s want failed", got)
	}

	variants, err := store.ListJobVariants(ctx, job.ID)
	if err != nil {
		t.Fatalf("list variants: %v", err)
	}
	if len(variants) != 0 {
		t.Fatalf("failed batch left %d variants behind", len(variants))
	}
	assertDecision(t, store, job.ID, "variants_discarded")
}

func TestChainJobCompletesWithResult(t *testing.T) {
	svc, _, shutdown := newHarness(t, harnessOptions{})
	defer shutdown()
	ctx := context.Background()

	site := json.RawMessage(`{"program":{"grossFloorArea_m2":1200,"floorsAbove":4}}`)
	job, err := svc.Submit(ctx, SubmitInput{N: 1, Mode: domain.JobModeChain, Context: site})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ChainID == "" {
		t.Fatalf("expected chain id on submitted job")
	}
	if got := waitJobStatus(t, svc, job.ID, 3*time.Second); got != domain.JobStatusCompleted {
		t.Fatalf("status=%s want completed", got)
	}

	done, err := svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	for _, flag := range []string{"rendered", "massing", "exported"} {
		if done.Result[flag] != true {
			t.Fatalf("result missing %s: %v", flag, done.Result)
		}
	}
	if done.Result["job_id"] != job.ID {
		t.Fatalf("result job_id=%v", done.Result["job_id"])
	}
	if done.Stage != chain.StageExport {
		t.Fatalf("stage=%q want export", done.Stage)
	}
}

func TestChainJobFailureCarriesStageReason(t *testing.T) {
	svc, _, shutdown := newHarness(t, harnessOptions{
		stages: func(gw *fs.Gateway) []chain.Stage {
			return []chain.Stage{
				{Name: chain.StageRender, Run: func(context.Context, string, domain.Payload) (domain.Payload, error) {
					return nil, errors.New("render farm unavailable")
				}},
				{Name: chain.StageExport, Run: chain.Export(gw)},
			}
		},
	})
	defer shutdown()

	job, err := svc.Submit(context.Background(), SubmitInput{N: 1, Mode: domain.JobModeChain})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := waitJobStatus(t, svc, job.ID, 3*time.Second); got != domain.JobStatusFailed {
		t.Fatalf("status=%s want failed", got)
	}
	failed, _ := svc.GetJob(context.Background(), job.ID)
	if failed.Error != "render farm unavailable" {
		t.Fatalf("error=%q want stage reason verbatim", failed.Error)
	}
}

func TestTerminalStatusIsNeverOverwritten(t *testing.T) {
	svc, store, shutdown := newHarness(t, harnessOptions{})
	defer shutdown()
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitInput{N: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := waitJobStatus(t, svc, job.ID, 2*time.Second); got != domain.JobStatusCompleted {
		t.Fatalf("status=%s want completed", got)
	}

	if svc.advance(ctx, job.ID, domain.JobStatusFailed, "", "late failure", nil) {
		t.Fatalf("terminal job accepted a new status")
	}
	if svc.advance(ctx, job.ID, domain.JobStatusRunning, "", "", nil) {
		t.Fatalf("terminal job moved back to running")
	}
	after, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if after.Status != domain.JobStatusCompleted || after.Error != "" {
		t.Fatalf("status=%s error=%q", after.Status, after.Error)
	}
	if _, err := svc.Cancel(ctx, job.ID); !errors.Is(err, domain.ErrJobAlreadyFinal) {
		t.Fatalf("cancel err=%v want ErrJobAlreadyFinal", err)
	}
}

func TestFeedbackRequiresVariantAndAccumulates(t *testing.T) {
	svc, _, shutdown := newHarness(t, harnessOptions{})
	defer shutdown()
	ctx := context.Background()

	if _, err := svc.SubmitFeedback(ctx, "no-such-variant", 4, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}

	job, err := svc.Submit(ctx, SubmitInput{N: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitJobStatus(t, svc, job.ID, 2*time.Second)
	done, err := svc.GetJob(ctx, job.ID)
	if err != nil || len(done.Variants) != 1 {
		t.Fatalf("get job: %v variants=%d", err, len(done.Variants))
	}
	variantID := done.Variants[0].ID

	for _, rating := range []int{5, 2} {
		if _, err := svc.SubmitFeedback(ctx, variantID, rating, fmt.Sprintf("rating %d", rating)); err != nil {
			t.Fatalf("submit feedback: %v", err)
		}
	}
	items, err := svc.ListFeedback(ctx, variantID)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(items) != 2 || items[0].Rating != 5 || items[1].Rating != 2 {
		t.Fatalf("feedback=%+v", items)
	}
	if _, err := svc.ListFeedback(ctx, "no-such-variant"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestCancelChainJob(t *testing.T) {
	release := make(chan struct{})
	svc, _, shutdown := newHarness(t, harnessOptions{
		stages: func(*fs.Gateway) []chain.Stage {
			return []chain.Stage{
				{Name: "wait", Run: func(ctx context.Context, _ string, in domain.Payload) (domain.Payload, error) {
					select {
					case <-release:
					case <-ctx.Done():
					}
					return in, nil
				}},
				{Name: "after", Run: chain.Render},
			}
		},
	})
	defer shutdown()
	defer close(release)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitInput{N: 1, Mode: domain.JobModeChain})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		j, err := svc.GetJob(ctx, job.ID)
		return err == nil && j.Status == domain.JobStatusRunning
	})

	canceled, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != domain.JobStatusFailed || canceled.Error != "canceled" {
		t.Fatalf("status=%s error=%q", canceled.Status, canceled.Error)
	}
}

type flakyChain struct{}

func (flakyChain) Submit(context.Context, string, domain.Payload) (string, error) {
	return "chain-x", nil
}

func (flakyChain) Status(context.Context, string) (chain.ChainStatus, error) {
	return chain.ChainStatus{}, errors.New("connection refused")
}

func (flakyChain) Cancel(context.Context, string, string) error {
	return nil
}

func TestRefreshWrapsBrokerErrors(t *testing.T) {
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := New(store, nil, flakyChain{}, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	job, err := svc.Submit(ctx, SubmitInput{N: 1, Mode: domain.JobModeChain})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Refresh(ctx, job.ID); !errors.Is(err, domain.ErrTransientBroker) {
		t.Fatalf("err=%v want ErrTransientBroker", err)
	}
	got, err := svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job should fall back to stored status: %v", err)
	}
	if got.Status != domain.JobStatusQueued {
		t.Fatalf("status=%s want queued", got.Status)
	}
}

// finishingChain reports running until Cancel is called, then reports the
// chain as finished, as when the last stage lands just ahead of a revoke.
type finishingChain struct {
	canceled atomic.Bool
	settled  chain.ChainStatus
}

func (c *finishingChain) Submit(context.Context, string, domain.Payload) (string, error) {
	return "chain-done", nil
}

func (c *finishingChain) Status(context.Context, string) (chain.ChainStatus, error) {
	if c.canceled.Load() {
		return c.settled, nil
	}
	return chain.ChainStatus{State: domain.TaskStateStarted, Stage: "export"}, nil
}

func (c *finishingChain) Cancel(context.Context, string, string) error {
	c.canceled.Store(true)
	return nil
}

func newChainOnlyService(t *testing.T, c Chain) (*Service, *sqlitestore.Store) {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(store, nil, c, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestCancelKeepsChainThatAlreadySucceeded(t *testing.T) {
	ctx := context.Background()
	done := chain.ChainStatus{State: domain.TaskStateSuccess, Stage: "export", Result: domain.Payload{"exported": true}}

	cases := []struct {
		name  string
		chain *finishingChain
	}{
		{name: "finished before cancel", chain: &finishingChain{settled: done}},
		{name: "finished during cancel", chain: &finishingChain{settled: done}},
	}
	cases[0].chain.canceled.Store(true)

	for _, tc := range cases {
		svc, store := newChainOnlyService(t, tc.chain)
		job, err := svc.Submit(ctx, SubmitInput{N: 1, Mode: domain.JobModeChain})
		if err != nil {
			t.Fatalf("%s: submit: %v", tc.name, err)
		}

		got, err := svc.Cancel(ctx, job.ID)
		if !errors.Is(err, domain.ErrJobAlreadyFinal) {
			t.Fatalf("%s: err=%v want ErrJobAlreadyFinal", tc.name, err)
		}
		if got.Status != domain.JobStatusCompleted {
			t.Fatalf("%s: returned status=%s want completed", tc.name, got.Status)
		}

		stored, err := store.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("%s: get job: %v", tc.name, err)
		}
		if stored.Status != domain.JobStatusCompleted || stored.Error != "" {
			t.Fatalf("%s: status=%s error=%q", tc.name, stored.Status, stored.Error)
		}
		if stored.Result["exported"] != true {
			t.Fatalf("%s: result=%v", tc.name, stored.Result)
		}
	}
}

func TestCancelChainFollowsRevokedState(t *testing.T) {
	ctx := context.Background()
	svc, store := newChainOnlyService(t, &finishingChain{
		settled: chain.ChainStatus{State: domain.TaskStateRevoked, Stage: "export", Error: "canceled"},
	})
	job, err := svc.Submit(ctx, SubmitInput{N: 1, Mode: domain.JobModeChain})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.JobStatusFailed || got.Error != "canceled" {
		t.Fatalf("status=%s error=%q", got.Status, got.Error)
	}
	assertDecision(t, store, job.ID, "job_failed")
}

func TestSubmitValidation(t *testing.T) {
	svc, _, shutdown := newHarness(t, harnessOptions{})
	defer shutdown()

	negative := domain.Weights{Aesthetic: -1}
	cases := []SubmitInput{
		{N: -1},
		{N: 1, Weights: &negative},
		{N: 1, Mode: "batch"},
		{N: 1, Context: json.RawMessage(`{broken`)},
		{N: 100000},
	}
	for i, in := range cases {
		if _, err := svc.Submit(context.Background(), in); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("case %d err=%v want ErrInvalidInput", i, err)
		}
	}
	if _, err := svc.GetJob(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestStartFailsInterruptedEngineJobs(t *testing.T) {
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := store.CreateJob(ctx, domain.Job{ID: "stale", Mode: domain.JobModeEngine, N: 3, Weights: domain.DefaultWeights()}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	svc := New(store, nil, nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Start(runCtx)
	cancel()
	svc.Wait()

	job, err := store.GetJob(ctx, "stale")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusFailed || job.Error != "interrupted by restart" {
		t.Fatalf("status=%s error=%q", job.Status, job.Error)
	}
}

func waitJobStatus(t *testing.T, svc *Service, jobID string, timeout time.Duration) domain.JobStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := svc.GetJob(context.Background(), jobID)
		if err == nil && job.Status.Terminal() {
			return job.Status
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, err := svc.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job after timeout: %v", err)
	}
	return job.Status
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %s", timeout)
		}
		time.Sleep(15 * time.Millisecond)
	}
}

func assertDecision(t *testing.T, store *sqlitestore.Store, jobID string, action string) {
	t.Helper()
	items, err := store.ListJobDecisions(context.Background(), jobID, 100)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	for _, item := range items {
		if item.Actor == actorOrchestrator && item.Action == action {
			return
		}
	}
	t.Fatalf("missing decision %s for job %s", action, jobID)
}
