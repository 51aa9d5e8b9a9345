// Package chain runs an ordered list of stages as a continuation through the
// broker: each stage worker enqueues the next stage with its output before it
// reports its own success.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"genflow/internal/domain"
)

// StageFunc transforms the payload handed over by the previous stage. It must
// not mutate in and must be safe to run more than once for the same input.
type StageFunc func(ctx context.Context, jobID string, in domain.Payload) (domain.Payload, error)

type Stage struct {
	Name string
	Run  StageFunc
}

type Broker interface {
	Enqueue(ctx context.Context, task domain.BrokerTask) (bool, error)
	Consume(queue string) <-chan domain.BrokerTask
	Release(queue string)
	Begin(ctx context.Context, taskID string) (bool, error)
	Succeed(ctx context.Context, taskID string, result domain.Payload) error
	Fail(ctx context.Context, taskID string, reason string) error
	Revoke(ctx context.Context, jobID string, chainID string, reason string) (int, error)
	Tasks(ctx context.Context, chainID string) ([]domain.BrokerTask, error)
}

type Config struct {
	WorkersPerStage int
}

func (c Config) withDefaults() Config {
	if c.WorkersPerStage <= 0 {
		c.WorkersPerStage = 2
	}
	return c
}

// ChainStatus is the single status a whole chain presents to the job layer.
type ChainStatus struct {
	State  domain.TaskState
	Stage  string
	Result domain.Payload
	Error  string
}

type Executor struct {
	stages []Stage
	broker Broker
	cfg    Config
	logger *slog.Logger

	wg conc.WaitGroup
}

func New(stages []Stage, broker Broker, cfg Config, logger *slog.Logger) (*Executor, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: chain needs at least one stage", domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.Name == "" || s.Run == nil {
			return nil, fmt.Errorf("%w: stage needs a name and a func", domain.ErrInvalidInput)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate stage %s", domain.ErrInvalidInput, s.Name)
		}
		seen[s.Name] = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	list := make([]Stage, len(stages))
	copy(list, stages)
	return &Executor{
		stages: list,
		broker: broker,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}, nil
}

func (e *Executor) StageNames() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name
	}
	return names
}

// Start launches WorkersPerStage consumers on every stage queue.
func (e *Executor) Start(ctx context.Context) {
	for i, stage := range e.stages {
		for w := 0; w < e.cfg.WorkersPerStage; w++ {
			queue := e.broker.Consume(stage.Name)
			e.wg.Go(func() {
				defer e.broker.Release(stage.Name)
				e.consume(ctx, i, queue)
			})
		}
	}
}

func (e *Executor) Wait() {
	e.wg.Wait()
}

// Submit enqueues the first stage and returns the new chain id.
func (e *Executor) Submit(ctx context.Context, jobID string, payload domain.Payload) (string, error) {
	if payload == nil {
		payload = domain.Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chain payload: %w", err)
	}
	chainID := uuid.NewString()
	if _, err := e.broker.Enqueue(ctx, domain.BrokerTask{
		ChainID:  chainID,
		JobID:    jobID,
		Stage:    e.stages[0].Name,
		Position: 0,
		ChainLen: len(e.stages),
		Payload:  data,
	}); err != nil {
		return "", fmt.Errorf("enqueue first stage: %w", err)
	}
	e.logger.Info("chain submitted", "job_id", jobID, "chain_id", chainID, "stages", len(e.stages))
	return chainID, nil
}

// Status folds the per-task broker states of a chain into one state.
func (e *Executor) Status(ctx context.Context, chainID string) (ChainStatus, error) {
	tasks, err := e.broker.Tasks(ctx, chainID)
	if err != nil {
		return ChainStatus{}, err
	}
	if len(tasks) == 0 {
		return ChainStatus{}, domain.NotFoundf("chain %s", chainID)
	}
	return foldStatus(tasks)
}

func foldStatus(tasks []domain.BrokerTask) (ChainStatus, error) {
	for _, t := range tasks {
		switch t.State {
		case domain.TaskStateRevoked:
			return ChainStatus{State: domain.TaskStateRevoked, Stage: t.Stage, Error: t.Error}, nil
		case domain.TaskStateFailure:
			return ChainStatus{State: domain.TaskStateFailure, Stage: t.Stage, Error: t.Error}, nil
		}
	}

	last := tasks[len(tasks)-1]
	if last.State == domain.TaskStateSuccess && last.Position == last.ChainLen-1 {
		var result domain.Payload
		if len(last.Result) > 0 {
			if err := json.Unmarshal(last.Result, &result); err != nil {
				return ChainStatus{}, fmt.Errorf("decode chain result: %w", err)
			}
		}
		return ChainStatus{State: domain.TaskStateSuccess, Stage: last.Stage, Result: result}, nil
	}
	if len(tasks) == 1 && last.State == domain.TaskStatePending {
		return ChainStatus{State: domain.TaskStatePending, Stage: last.Stage}, nil
	}
	return ChainStatus{State: domain.TaskStateStarted, Stage: last.Stage}, nil
}

// Cancel revokes the chain. Stages already running finish, but their results
// are dropped and no further stage starts.
func (e *Executor) Cancel(ctx context.Context, jobID string, chainID string) error {
	if _, err := e.broker.Revoke(ctx, jobID, chainID, "canceled"); err != nil {
		return fmt.Errorf("revoke chain: %w", err)
	}
	return nil
}

func (e *Executor) consume(ctx context.Context, position int, queue <-chan domain.BrokerTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			e.handle(ctx, position, task)
		}
	}
}

func (e *Executor) handle(ctx context.Context, position int, task domain.BrokerTask) {
	log := e.logger.With("job_id", task.JobID, "chain_id", task.ChainID, "task_id", task.ID, "stage", task.Stage)

	started, err := e.broker.Begin(ctx, task.ID)
	if err != nil {
		log.Error("begin task failed", "error", err)
		return
	}
	if !started {
		log.Debug("duplicate delivery skipped")
		return
	}

	out, err := e.run(ctx, e.stages[position], task)
	if err != nil {
		log.Warn("stage failed", "error", err)
		if ferr := e.broker.Fail(ctx, task.ID, err.Error()); ferr != nil {
			log.Error("record stage failure", "error", ferr)
		}
		return
	}

	if next := position + 1; next < len(e.stages) {
		if err := e.enqueueNext(ctx, task, next, out); err != nil {
			log.Error("enqueue next stage failed", "error", err)
			if ferr := e.broker.Fail(ctx, task.ID, err.Error()); ferr != nil {
				log.Error("record stage failure", "error", ferr)
			}
			return
		}
	}
	if err := e.broker.Succeed(ctx, task.ID, out); err != nil {
		log.Error("record stage success", "error", err)
		return
	}
	log.Info("stage finished")
}

func (e *Executor) run(ctx context.Context, stage Stage, task domain.BrokerTask) (out domain.Payload, err error) {
	var in domain.Payload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &in); err != nil {
			return nil, &domain.StageFailureError{Stage: stage.Name, Reason: fmt.Sprintf("decode payload: %v", err)}
		}
	}
	if in == nil {
		in = domain.Payload{}
	}

	recovered := panics.Try(func() {
		out, err = stage.Run(ctx, task.JobID, in)
	})
	if recovered != nil {
		return nil, &domain.StageFailureError{Stage: stage.Name, Reason: fmt.Sprintf("stage %s panicked: %v", stage.Name, recovered.Value)}
	}
	if err != nil {
		var stageErr *domain.StageFailureError
		if errors.As(err, &stageErr) {
			return nil, err
		}
		return nil, &domain.StageFailureError{Stage: stage.Name, Reason: err.Error()}
	}
	if out == nil {
		out = domain.Payload{}
	}
	return out, nil
}

func (e *Executor) enqueueNext(ctx context.Context, task domain.BrokerTask, next int, out domain.Payload) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal stage output: %w", err)
	}
	created, err := e.broker.Enqueue(ctx, domain.BrokerTask{
		ChainID:  task.ChainID,
		JobID:    task.JobID,
		Stage:    e.stages[next].Name,
		Position: next,
		ChainLen: task.ChainLen,
		Payload:  data,
	})
	if err != nil {
		return err
	}
	if !created {
		e.logger.Debug("next stage already enqueued or chain revoked", "chain_id", task.ChainID, "position", next)
	}
	return nil
}
