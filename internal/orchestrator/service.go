package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"genflow/internal/chain"
	"genflow/internal/domain"
	"genflow/internal/engine"
)

const actorOrchestrator = "orchestrator"

type Store interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	ListJobs(ctx context.Context, limit int) ([]domain.Job, error)
	ListUnfinishedJobs(ctx context.Context, mode domain.JobMode) ([]domain.Job, error)
	TransitionJob(ctx context.Context, jobID string, to domain.JobStatus, stage string, lastError string, result domain.Payload) (bool, error)
	UpdateJobStage(ctx context.Context, jobID string, stage string) error
	SetJobChain(ctx context.Context, jobID string, chainID string) error

	SetVariantRanks(ctx context.Context, variants []domain.Variant) error
	DeleteJobVariants(ctx context.Context, jobID string) (int, error)
	ListJobVariants(ctx context.Context, jobID string) ([]domain.Variant, error)
	GetVariant(ctx context.Context, variantID string) (domain.Variant, error)
	AddFeedback(ctx context.Context, fb domain.Feedback) (domain.Feedback, error)
	ListFeedback(ctx context.Context, variantID string) ([]domain.Feedback, error)

	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListJobDecisions(ctx context.Context, jobID string, limit int) ([]domain.DecisionLog, error)
}

type Generator interface {
	Generate(ctx context.Context, req engine.Request) ([]domain.Variant, error)
}

type Chain interface {
	Submit(ctx context.Context, jobID string, payload domain.Payload) (string, error)
	Status(ctx context.Context, chainID string) (chain.ChainStatus, error)
	Cancel(ctx context.Context, jobID string, chainID string) error
}

type Config struct {
	SyncInterval time.Duration
	DefaultMode  domain.JobMode
	MaxVariants  int
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 250 * time.Millisecond
	}
	if c.DefaultMode == "" {
		c.DefaultMode = domain.JobModeEngine
	}
	if c.MaxVariants <= 0 {
		c.MaxVariants = 200
	}
	return c
}

// Service owns the job lifecycle. It is the only component that writes job
// status, and it only ever moves a job forward.
type Service struct {
	store     Store
	generator Generator
	chain     Chain
	cfg       Config
	logger    *slog.Logger

	wg sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
	running map[string]context.CancelFunc
}

func New(store Store, generator Generator, chain Chain, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		generator: generator,
		chain:     chain,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		baseCtx:   context.Background(),
		running:   make(map[string]context.CancelFunc),
	}
}

type SubmitInput struct {
	N       int
	Weights *domain.Weights
	Mode    domain.JobMode
	Context json.RawMessage
}

// Start fails engine jobs left behind by a previous process and begins
// syncing chain jobs from the broker.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.failInterruptedJobs(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Submit(ctx context.Context, in SubmitInput) (domain.Job, error) {
	if in.N < 0 {
		return domain.Job{}, fmt.Errorf("%w: n must not be negative", domain.ErrInvalidInput)
	}
	if in.N > s.cfg.MaxVariants {
		return domain.Job{}, fmt.Errorf("%w: n must not exceed %d", domain.ErrInvalidInput, s.cfg.MaxVariants)
	}
	weights := domain.DefaultWeights()
	if in.Weights != nil {
		weights = *in.Weights
	}
	if err := weights.Validate(); err != nil {
		return domain.Job{}, err
	}
	mode := in.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	if mode != domain.JobModeEngine && mode != domain.JobModeChain {
		return domain.Job{}, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidInput, mode)
	}
	if mode == domain.JobModeChain && s.chain == nil {
		return domain.Job{}, fmt.Errorf("%w: chain mode is not enabled", domain.ErrInvalidInput)
	}
	if len(in.Context) > 0 && !json.Valid(in.Context) {
		return domain.Job{}, fmt.Errorf("%w: context is not valid JSON", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:        uuid.NewString(),
		Mode:      mode,
		Status:    domain.JobStatusQueued,
		N:         in.N,
		Weights:   weights,
		Context:   in.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return domain.Job{}, err
	}
	s.logDecision(ctx, job.ID, "job_created", "generation requested", map[string]any{
		"mode":    mode,
		"n":       in.N,
		"weights": weights,
	})

	switch mode {
	case domain.JobModeChain:
		chainID, err := s.submitChain(ctx, job)
		if err != nil {
			s.fail(ctx, job.ID, fmt.Sprintf("chain submission failed: %v", err))
			return domain.Job{}, err
		}
		job.ChainID = chainID
	default:
		s.launchGeneration(job)
	}

	s.logger.Info("job submitted", "job_id", job.ID, "mode", mode, "n", in.N)
	return job, nil
}

func (s *Service) submitChain(ctx context.Context, job domain.Job) (string, error) {
	payload, err := chainPayload(job)
	if err != nil {
		return "", err
	}
	chainID, err := s.chain.Submit(ctx, job.ID, payload)
	if err != nil {
		return "", err
	}
	if err := s.store.SetJobChain(ctx, job.ID, chainID); err != nil {
		return "", err
	}
	s.logDecision(ctx, job.ID, "chain_submitted", "stages enqueued", map[string]any{"chain_id": chainID})
	return chainID, nil
}

func chainPayload(job domain.Job) (domain.Payload, error) {
	payload := domain.Payload{}
	if len(job.Context) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(job.Context, &obj); err == nil && obj != nil {
			for k, v := range obj {
				payload[k] = v
			}
		} else {
			var raw any
			if err := json.Unmarshal(job.Context, &raw); err != nil {
				return nil, fmt.Errorf("decode job context: %w", err)
			}
			payload["context"] = raw
		}
	}
	payload["job_id"] = job.ID
	payload["n"] = job.N
	payload["weights"] = job.Weights.Map()
	return payload, nil
}

func (s *Service) launchGeneration(job domain.Job) {
	s.mu.Lock()
	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.running[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(job.ID)
		s.runGeneration(runCtx, job)
	}()
}

func (s *Service) runGeneration(ctx context.Context, job domain.Job) {
	// Status writes must outlive cancellation of ctx.
	writeCtx := context.WithoutCancel(ctx)

	s.advance(writeCtx, job.ID, domain.JobStatusRunning, "generate", "", nil)

	variants, err := s.generator.Generate(ctx, engine.Request{
		JobID:   job.ID,
		N:       job.N,
		Weights: job.Weights,
		Context: job.Context,
	})
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "canceled"
		}
		s.discardVariants(writeCtx, job.ID)
		s.fail(writeCtx, job.ID, reason)
		return
	}
	if err := s.store.SetVariantRanks(writeCtx, variants); err != nil {
		s.discardVariants(writeCtx, job.ID)
		s.fail(writeCtx, job.ID, fmt.Sprintf("persist ranks: %v", err))
		return
	}
	s.advance(writeCtx, job.ID, domain.JobStatusCompleted, "", "", nil)
}

// discardVariants removes the candidates saved by rounds that finished before
// the batch failed. They were never ranked and must not be served.
func (s *Service) discardVariants(ctx context.Context, jobID string) {
	removed, err := s.store.DeleteJobVariants(ctx, jobID)
	if err != nil {
		s.logger.Error("discard variants failed", "job_id", jobID, "error", err)
		return
	}
	if removed > 0 {
		s.logDecision(ctx, jobID, "variants_discarded", "batch failed", map[string]any{"removed": removed})
	}
}

func (s *Service) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[jobID]; ok {
		cancel()
		delete(s.running, jobID)
	}
}

// GetJob returns the job as currently known. Chain jobs are refreshed from
// the broker first; a broker hiccup falls back to the stored status.
func (s *Service) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := s.Refresh(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrTransientBroker) {
			return domain.Job{}, err
		}
		s.logger.Warn("broker status unavailable", "job_id", jobID, "error", err)
	}
	return s.withVariants(ctx, job)
}

func (s *Service) withVariants(ctx context.Context, job domain.Job) (domain.Job, error) {
	if job.Mode != domain.JobModeEngine || job.Status != domain.JobStatusCompleted {
		return job, nil
	}
	variants, err := s.store.ListJobVariants(ctx, job.ID)
	if err != nil {
		return domain.Job{}, err
	}
	job.Variants = variants
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.store.ListJobs(ctx, limit)
}

func (s *Service) ListJobDecisions(ctx context.Context, jobID string, limit int) ([]domain.DecisionLog, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListJobDecisions(ctx, jobID, limit)
}

// Refresh pulls the broker state of a chain job into the job record. The
// stored job is returned alongside an ErrTransientBroker when the broker
// cannot be reached.
func (s *Service) Refresh(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Mode != domain.JobModeChain || job.Status.Terminal() || job.ChainID == "" {
		return job, nil
	}

	status, err := s.chain.Status(ctx, job.ChainID)
	if err != nil {
		return job, fmt.Errorf("%w: chain %s: %v", domain.ErrTransientBroker, job.ChainID, err)
	}
	s.applyChainStatus(ctx, job, status)
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) applyChainStatus(ctx context.Context, job domain.Job, status chain.ChainStatus) {
	switch status.State {
	case domain.TaskStatePending:
		return
	case domain.TaskStateStarted:
		if job.Status == domain.JobStatusRunning {
			if status.Stage != job.Stage {
				if err := s.store.UpdateJobStage(ctx, job.ID, status.Stage); err != nil {
					s.logger.Error("update job stage failed", "job_id", job.ID, "error", err)
				}
			}
			return
		}
		s.advance(ctx, job.ID, domain.JobStatusRunning, status.Stage, "", nil)
	case domain.TaskStateSuccess:
		s.advance(ctx, job.ID, domain.JobStatusCompleted, status.Stage, "", status.Result)
	case domain.TaskStateFailure:
		reason := status.Error
		if reason == "" {
			reason = fmt.Sprintf("stage %s failed", status.Stage)
		}
		s.advance(ctx, job.ID, domain.JobStatusFailed, status.Stage, reason, nil)
	case domain.TaskStateRevoked:
		s.advance(ctx, job.ID, domain.JobStatusFailed, status.Stage, "canceled", nil)
	default:
		s.logger.Warn("unknown chain state", "job_id", job.ID, "state", status.State)
	}
}

// Cancel fails a non-terminal job with reason "canceled" and stops its work.
// A chain job takes whatever outcome the broker settles on after the revoke,
// so a chain that finished first stays completed.
func (s *Service) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := s.Refresh(ctx, jobID)
	if err != nil && !errors.Is(err, domain.ErrTransientBroker) {
		return domain.Job{}, err
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("%w: job %s is %s", domain.ErrJobAlreadyFinal, jobID, job.Status)
	}

	if job.Mode == domain.JobModeChain && job.ChainID != "" {
		return s.cancelChain(ctx, job)
	}

	s.advance(ctx, job.ID, domain.JobStatusFailed, "", "canceled", nil)

	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) cancelChain(ctx context.Context, job domain.Job) (domain.Job, error) {
	if err := s.chain.Cancel(ctx, job.ID, job.ChainID); err != nil {
		return domain.Job{}, err
	}
	settled, err := s.Refresh(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrTransientBroker) {
			return domain.Job{}, err
		}
		// The revoke is recorded; the sync loop folds it in once the broker answers.
		s.logger.Warn("broker status unavailable after cancel", "job_id", job.ID, "error", err)
		return settled, nil
	}
	if settled.Status == domain.JobStatusCompleted {
		return settled, fmt.Errorf("%w: job %s finished before cancel", domain.ErrJobAlreadyFinal, job.ID)
	}
	return settled, nil
}

func (s *Service) GetVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	return s.store.GetVariant(ctx, variantID)
}

func (s *Service) SubmitFeedback(ctx context.Context, variantID string, rating int, comment string) (domain.Feedback, error) {
	fb, err := s.store.AddFeedback(ctx, domain.Feedback{
		VariantID: variantID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Feedback{}, err
	}
	s.logger.Info("feedback recorded", "variant_id", variantID, "rating", rating)
	return fb, nil
}

func (s *Service) ListFeedback(ctx context.Context, variantID string) ([]domain.Feedback, error) {
	if _, err := s.store.GetVariant(ctx, variantID); err != nil {
		return nil, err
	}
	return s.store.ListFeedback(ctx, variantID)
}

func (s *Service) syncLoop(ctx context.Context) {
	if s.chain == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) {
	jobs, err := s.store.ListUnfinishedJobs(ctx, domain.JobModeChain)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("sync list unfinished jobs error", "error", err)
		}
		return
	}
	for _, job := range jobs {
		if _, err := s.Refresh(ctx, job.ID); err != nil && ctx.Err() == nil {
			s.logger.Warn("sync job failed", "job_id", job.ID, "error", err)
		}
	}
}

func (s *Service) failInterruptedJobs(ctx context.Context) {
	jobs, err := s.store.ListUnfinishedJobs(ctx, domain.JobModeEngine)
	if err != nil {
		s.logger.Error("list interrupted jobs error", "error", err)
		return
	}
	for _, job := range jobs {
		s.mu.Lock()
		_, live := s.running[job.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		s.fail(ctx, job.ID, "interrupted by restart")
	}
}

func (s *Service) fail(ctx context.Context, jobID string, reason string) {
	s.advance(ctx, jobID, domain.JobStatusFailed, "", reason, nil)
}

// advance applies a forward transition and records it. Transitions that would
// move the job backwards or out of a terminal status are ignored.
func (s *Service) advance(ctx context.Context, jobID string, to domain.JobStatus, stage string, reason string, result domain.Payload) bool {
	var moved bool
	err := retryBusy(func() error {
		var err error
		moved, err = s.store.TransitionJob(ctx, jobID, to, stage, reason, result)
		return err
	})
	if err != nil {
		s.logger.Error("job transition failed", "job_id", jobID, "to", to, "error", err)
		return false
	}
	if !moved {
		return false
	}

	attrs := []any{"job_id", jobID, "status", to}
	if stage != "" {
		attrs = append(attrs, "stage", stage)
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	s.logger.Info("job status changed", attrs...)

	decisionReason := reason
	if decisionReason == "" {
		decisionReason = "status " + string(to)
	}
	s.logDecision(ctx, jobID, "job_"+string(to), trimText(decisionReason, 500), map[string]any{
		"status": to,
		"stage":  stage,
	})
	return true
}

func (s *Service) logDecision(ctx context.Context, jobID string, action string, reason string, payload map[string]any) {
	if err := s.store.LogDecision(ctx, domain.DecisionLog{
		JobID:   jobID,
		Actor:   actorOrchestrator,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	}); err != nil {
		s.logger.Warn("log decision failed", "job_id", jobID, "action", action, "error", err)
	}
}
