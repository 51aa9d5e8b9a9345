// Package notify turns job state into client notifications. Fetch, push
// snapshots and event streams all read through the same JobSource, so the
// three never disagree about a job's status.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"genflow/internal/domain"
)

type JobSource interface {
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
}

type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

type Notifier struct {
	source JobSource
	cfg    Config
	logger *slog.Logger
}

func New(source JobSource, cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{source: source, cfg: cfg.withDefaults(), logger: logger}
}

func (n *Notifier) Fetch(ctx context.Context, jobID string) (domain.Job, error) {
	return n.source.GetJob(ctx, jobID)
}

// Snapshot is the single message burst sent on a push connection: the current
// status, followed by the results when the job has completed.
func (n *Notifier) Snapshot(ctx context.Context, jobID string) ([]domain.Event, error) {
	job, err := n.source.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events := []domain.Event{statusEvent(job.Status, job)}
	return append(events, resultEvents(job)...), nil
}

// Watch polls the job and emits a status event each time the status changes.
// Statuses the poll skipped over are emitted first, so consumers always see
// queued, running and the terminal status in that order. Watch returns nil
// after the terminal status and its results have been emitted.
func (n *Notifier) Watch(ctx context.Context, jobID string, emit func(domain.Event) error) error {
	watchCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	lastRank := -1
	for {
		job, err := n.source.GetJob(watchCtx, jobID)
		switch {
		case err == nil:
			done, emitErr := n.advance(job, &lastRank, emit)
			if emitErr != nil {
				return emitErr
			}
			if done {
				return nil
			}
		case errors.Is(err, domain.ErrNotFound):
			return err
		case watchCtx.Err() != nil:
		default:
			n.logger.Debug("job poll failed, keeping stream open", "job_id", jobID, "error", err)
		}

		select {
		case <-watchCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.ErrStreamTimeout
		case <-ticker.C:
		}
	}
}

func (n *Notifier) advance(job domain.Job, lastRank *int, emit func(domain.Event) error) (bool, error) {
	rank := job.Status.Rank()
	if rank <= *lastRank {
		return false, nil
	}
	for r := *lastRank + 1; r < rank && r < len(domain.StatusOrder); r++ {
		if err := emit(domain.Event{Type: domain.EventTypeStatus, Data: domain.StatusEventData{Status: domain.StatusOrder[r]}}); err != nil {
			return false, err
		}
	}
	if err := emit(statusEvent(job.Status, job)); err != nil {
		return false, err
	}
	*lastRank = rank
	if !job.Status.Terminal() {
		return false, nil
	}
	for _, ev := range resultEvents(job) {
		if err := emit(ev); err != nil {
			return false, err
		}
	}
	return true, nil
}

func statusEvent(status domain.JobStatus, job domain.Job) domain.Event {
	return domain.Event{
		Type: domain.EventTypeStatus,
		Data: domain.StatusEventData{Status: status, Stage: job.Stage, Error: job.Error},
	}
}

func resultEvents(job domain.Job) []domain.Event {
	if job.Status != domain.JobStatusCompleted {
		return nil
	}
	events := make([]domain.Event, 0, len(job.Variants)+1)
	for _, v := range job.Variants {
		events = append(events, domain.Event{Type: domain.EventTypeVariant, Data: v})
	}
	if job.Result != nil {
		events = append(events, domain.Event{Type: domain.EventTypeResult, Data: job.Result})
	}
	return events
}
