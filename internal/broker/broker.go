// Package broker tracks per-task state for chained stage work and delivers
// pending tasks to stage queues. Delivery is at-least-once: a started task
// whose lease runs out is handed out again until it exhausts its attempts.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"genflow/internal/domain"
)

const actorBroker = "broker"

type Store interface {
	CreateBrokerTask(ctx context.Context, task domain.BrokerTask) (bool, error)
	GetBrokerTask(ctx context.Context, taskID string) (domain.BrokerTask, error)
	ListChainTasks(ctx context.Context, chainID string) ([]domain.BrokerTask, error)
	ListDispatchableTasks(ctx context.Context, limit int, now time.Time) ([]domain.BrokerTask, error)
	ClaimForDispatch(ctx context.Context, taskID string, now time.Time, leaseUntil time.Time) (bool, error)
	StartBrokerTask(ctx context.Context, taskID string, leaseUntil time.Time) (bool, error)
	FinishBrokerTask(ctx context.Context, taskID string, state domain.TaskState, result []byte, lastError string) (bool, error)
	ListExpiredStartedTasks(ctx context.Context, limit int, now time.Time) ([]domain.BrokerTask, error)
	RequeueBrokerTask(ctx context.Context, taskID string, reason string, retryAt time.Time, maxAttempts int) (domain.TaskState, error)
	RevokeChain(ctx context.Context, chainID string, reason string) (int, error)

	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Bus interface {
	Register(queue string) <-chan domain.BrokerTask
	Unregister(queue string) []domain.BrokerTask
	Publish(task domain.BrokerTask) error
	Consumers(queue string) int
}

type Config struct {
	DispatchInterval time.Duration
	// DispatchLease is how long a published task stays reserved for the
	// consumer that received it.
	DispatchLease time.Duration
	// TaskLease bounds how long a started task may run before it is requeued.
	TaskLease   time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 100 * time.Millisecond
	}
	if c.DispatchLease <= 0 {
		c.DispatchLease = 10 * time.Second
	}
	if c.TaskLease <= 0 {
		c.TaskLease = 2 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

type Broker struct {
	store  Store
	bus    Bus
	cfg    Config
	logger *slog.Logger

	wg sync.WaitGroup
}

func New(store Store, bus Bus, cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:  store,
		bus:    bus,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Start runs the dispatch loop until ctx is done.
func (b *Broker) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatchLoop(ctx)
	}()
}

func (b *Broker) Wait() {
	b.wg.Wait()
}

// Consume joins a stage queue as one more consumer and returns its delivery
// channel. Every Consume is paired with a Release.
func (b *Broker) Consume(queue string) <-chan domain.BrokerTask {
	return b.bus.Register(queue)
}

// Release leaves a stage queue. Tasks still buffered when the last consumer
// leaves keep their dispatch claim and are listed again once it lapses.
func (b *Broker) Release(queue string) {
	undelivered := b.bus.Unregister(queue)
	if len(undelivered) == 0 {
		return
	}
	ids := make([]string, 0, len(undelivered))
	for _, task := range undelivered {
		ids = append(ids, task.ID)
	}
	b.logger.Info("undelivered tasks released", "queue", queue, "count", len(ids), "task_ids", ids)
}

// Enqueue records a PENDING task. It reports false when the chain position
// already exists or the chain was revoked.
func (b *Broker) Enqueue(ctx context.Context, task domain.BrokerTask) (bool, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.State = domain.TaskStatePending
	created, err := b.store.CreateBrokerTask(ctx, task)
	if err != nil {
		return false, err
	}
	if created {
		b.logger.Debug("task enqueued", "task_id", task.ID, "chain_id", task.ChainID, "stage", task.Stage, "position", task.Position)
	}
	return created, nil
}

// Begin marks a delivered task STARTED. A false result means the delivery
// was a duplicate and must be dropped.
func (b *Broker) Begin(ctx context.Context, taskID string) (bool, error) {
	return b.store.StartBrokerTask(ctx, taskID, time.Now().UTC().Add(b.cfg.TaskLease))
}

func (b *Broker) Succeed(ctx context.Context, taskID string, result domain.Payload) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	updated, err := b.store.FinishBrokerTask(ctx, taskID, domain.TaskStateSuccess, data, "")
	if err != nil {
		return err
	}
	if !updated {
		b.logger.Info("task success dropped", "task_id", taskID, "reason", "task no longer started")
	}
	return nil
}

func (b *Broker) Fail(ctx context.Context, taskID string, reason string) error {
	updated, err := b.store.FinishBrokerTask(ctx, taskID, domain.TaskStateFailure, nil, reason)
	if err != nil {
		return err
	}
	if !updated {
		b.logger.Info("task failure dropped", "task_id", taskID, "reason", "task no longer started")
	}
	return nil
}

// Revoke stops every unfinished task of the chain and blocks further stages
// from being enqueued.
func (b *Broker) Revoke(ctx context.Context, jobID string, chainID string, reason string) (int, error) {
	revoked, err := b.store.RevokeChain(ctx, chainID, reason)
	if err != nil {
		return 0, err
	}
	_ = b.store.LogDecision(ctx, domain.DecisionLog{
		JobID:   jobID,
		Actor:   actorBroker,
		Action:  "chain_revoked",
		Reason:  reason,
		Payload: mustJSON(map[string]any{"chain_id": chainID, "revoked": revoked}),
	})
	return revoked, nil
}

func (b *Broker) Tasks(ctx context.Context, chainID string) ([]domain.BrokerTask, error) {
	return b.store.ListChainTasks(ctx, chainID)
}

func (b *Broker) Task(ctx context.Context, taskID string) (domain.BrokerTask, error) {
	return b.store.GetBrokerTask(ctx, taskID)
}

func (b *Broker) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.dispatchOnce(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error("dispatch loop error", "error", err)
			}
		}
	}
}

func (b *Broker) dispatchOnce(ctx context.Context) error {
	now := time.Now().UTC()
	if err := b.requeueExpired(ctx, now); err != nil && ctx.Err() == nil {
		b.logger.Error("requeue expired tasks error", "error", err)
	}

	tasks, err := b.store.ListDispatchableTasks(ctx, 128, now)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		// Claiming for a stage nobody consumes would only park the task for a lease.
		if b.bus.Consumers(task.Stage) == 0 {
			continue
		}
		claimNow := time.Now().UTC()
		claimed, err := b.store.ClaimForDispatch(ctx, task.ID, claimNow, claimNow.Add(b.cfg.DispatchLease))
		if err != nil {
			b.logger.Error("claim task failed", "task_id", task.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		// An undelivered claim lapses after DispatchLease and the task is listed again.
		if err := b.bus.Publish(task); err != nil {
			b.logger.Warn("publish task failed", "task_id", task.ID, "stage", task.Stage, "error", err)
		}
	}
	return nil
}

func (b *Broker) requeueExpired(ctx context.Context, now time.Time) error {
	expired, err := b.store.ListExpiredStartedTasks(ctx, 128, now)
	if err != nil {
		return err
	}
	for _, task := range expired {
		reason := "task lease expired"
		state, err := b.store.RequeueBrokerTask(ctx, task.ID, reason, time.Now().UTC().Add(b.cfg.RetryDelay), b.cfg.MaxAttempts)
		if err != nil {
			b.logger.Error("requeue task failed", "task_id", task.ID, "error", err)
			continue
		}
		action := "task_requeued"
		if state == domain.TaskStateFailure {
			action = "task_failed"
			reason = fmt.Sprintf("%s after %d attempts", reason, task.Attempts)
		}
		b.logger.Warn(action, "task_id", task.ID, "chain_id", task.ChainID, "stage", task.Stage, "attempts", task.Attempts)
		_ = b.store.LogDecision(ctx, domain.DecisionLog{
			JobID:  task.JobID,
			Actor:  actorBroker,
			Action: action,
			Reason: reason,
			Payload: mustJSON(map[string]any{
				"task_id":  task.ID,
				"chain_id": task.ChainID,
				"stage":    task.Stage,
				"attempts": task.Attempts,
			}),
		})
	}
	return nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
