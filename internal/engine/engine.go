// Package engine runs generation rounds: every agent of a round proposes
// concurrently, the proposals are merged and scored, and the resulting
// candidates are ranked once all rounds have finished.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"genflow/internal/agent"
	"genflow/internal/domain"
)

// CandidateStore persists a scored candidate before its round completes.
type CandidateStore interface {
	SaveCandidate(ctx context.Context, v domain.Variant) error
}

type Config struct {
	// MaxConcurrentRounds bounds how many rounds overlap. Agents inside a
	// round always run concurrently.
	MaxConcurrentRounds int
	// Seed fixes the entropy source. Zero draws a fresh seed per request.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRounds <= 0 {
		c.MaxConcurrentRounds = 4
	}
	return c
}

type Request struct {
	JobID   string
	N       int
	Weights domain.Weights
	Context json.RawMessage
}

type Engine struct {
	agents []agent.Agent
	scorer *agent.Scorer
	store  CandidateStore
	cfg    Config
	logger *slog.Logger
}

func New(agents []agent.Agent, scorer *agent.Scorer, store CandidateStore, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if scorer == nil {
		scorer = agent.DefaultScorer()
	}
	list := make([]agent.Agent, len(agents))
	copy(list, agents)
	return &Engine{
		agents: list,
		scorer: scorer,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Generate runs req.N rounds and returns the variants ranked by composite
// score. A failed round fails the whole request, but rounds already in
// flight run to completion.
func (e *Engine) Generate(ctx context.Context, req Request) ([]domain.Variant, error) {
	if req.N < 0 {
		return nil, fmt.Errorf("%w: variant count must not be negative", domain.ErrInvalidInput)
	}
	if err := req.Weights.Validate(); err != nil {
		return nil, err
	}
	if req.N == 0 {
		return []domain.Variant{}, nil
	}

	seed := e.cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	variants := make([]domain.Variant, req.N)
	rounds := pool.New().WithErrors().WithMaxGoroutines(e.cfg.MaxConcurrentRounds)
	for i := 0; i < req.N; i++ {
		rounds.Go(func() error {
			v, err := e.runRound(ctx, req, seed, i)
			if err != nil {
				e.logger.Warn("generation round failed", "job_id", req.JobID, "round", i, "error", err)
				return err
			}
			variants[i] = v
			return nil
		})
	}
	if err := rounds.Wait(); err != nil {
		return nil, err
	}

	Rank(variants)
	e.logger.Info("generation finished", "job_id", req.JobID, "variants", len(variants))
	return variants, nil
}

func (e *Engine) runRound(ctx context.Context, req Request, seed uint64, round int) (domain.Variant, error) {
	state := agent.State{Round: round, Seed: seed, Context: req.Context}

	proposals := make([]domain.Proposal, len(e.agents))
	fanout := pool.New().WithContext(ctx)
	for i, a := range e.agents {
		fanout.Go(func(ctx context.Context) error {
			p, err := a.Propose(ctx, state)
			if err != nil {
				return &domain.AgentFailureError{Agent: a.Name(), Round: round, Err: err}
			}
			proposals[i] = p
			return nil
		})
	}
	if err := fanout.Wait(); err != nil {
		return domain.Variant{}, err
	}

	candidate := agent.Merge(proposals)
	scores, err := e.scorer.Score(candidate, req.Weights, state.Rand("scorer"))
	if err != nil {
		return domain.Variant{}, fmt.Errorf("score round %d: %w", round, err)
	}

	v := domain.Variant{
		ID:        candidate.ID,
		JobID:     req.JobID,
		Label:     candidate.Label,
		Metadata:  candidate.Metadata,
		Scores:    scores,
		CreatedAt: time.Now().UTC(),
	}
	if e.store != nil {
		if err := e.store.SaveCandidate(ctx, v); err != nil {
			return domain.Variant{}, fmt.Errorf("persist candidate round %d: %w", round, err)
		}
	}
	return v, nil
}

// Rank stable-sorts variants by composite score, highest first, and assigns
// ranks 1..n. Ties keep their generation order.
func Rank(variants []domain.Variant) {
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Composite() > variants[j].Composite()
	})
	for i := range variants {
		variants[i].Rank = i + 1
	}
}
