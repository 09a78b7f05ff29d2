// Package scheduler triggers stored workflows on cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Last run statuses recorded on a job.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WorkflowRunner runs a stored workflow. Satisfied by *engine.Executor.
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, req engine.RunRequest) (*engine.RunSummary, error)
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store    store.ScheduleStore
	runner   WorkflowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler that ticks every minute.
func NewScheduler(s store.ScheduleStore, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: time.Minute,
		inflight: make(map[string]struct{}),
	}
}

// Register validates job's cron expression and stores it with its next run
// time, replacing any job with the same ID. Run history of a replaced job
// is kept.
func (s *Scheduler) Register(ctx context.Context, job *store.ScheduledJob) error {
	if job.ID == "" || job.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job requires id and workflow_id")
	}
	next, err := s.CalculateNextRun(job.CronExpression, time.Now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	existing, err := s.store.GetScheduledJob(ctx, job.ID)
	var ee *schema.EngineError
	switch {
	case errors.As(err, &ee) && ee.Code == schema.ErrCodeNotFound:
		existing = nil
	case err != nil:
		return err
	}

	cp := *job
	cp.NextRunAt = &next
	if existing != nil {
		cp.LastRunAt = existing.LastRunAt
		cp.LastRunStatus = existing.LastRunStatus
		cp.LastExecutionID = existing.LastExecutionID
		cp.CreatedAt = existing.CreatedAt
		if err := s.store.DeleteScheduledJob(ctx, job.ID); err != nil {
			return err
		}
	}
	if err := s.store.CreateScheduledJob(ctx, &cp); err != nil {
		return err
	}

	s.logger.Info("scheduled job registered",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
		slog.Time("next_run_at", next),
	)
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// runJob executes the job's workflow and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)

	summary, err := s.runner.ExecuteWorkflow(ctx, job.WorkflowID, engine.RunRequest{
		Input:  job.Input,
		UserID: "scheduler:" + job.ID,
	})

	status := StatusSuccess
	var executionID string
	if err != nil {
		status = StatusError
		executionID = failedExecutionID(err)
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else if summary != nil {
		executionID = summary.ExecutionID
	}

	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:       &now,
		NextRunAt:       &nextRun,
		LastRunStatus:   status,
		LastExecutionID: executionID,
	})
}

// failedExecutionID returns the execution a failed run still recorded, if any.
func failedExecutionID(err error) string {
	var ee *schema.EngineError
	if !errors.As(err, &ee) {
		return ""
	}
	id, _ := ee.Details["execution_id"].(string)
	return id
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every enabled job whose next run time passed
// while the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
