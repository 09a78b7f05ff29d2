package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/scheduler"
	"github.com/rendis/agentflow/internal/store"
	agentmcp "github.com/rendis/agentflow/pkg/mcp"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio and run configured schedules",
		Long: `Starts the MCP server on stdin/stdout. Tools: workflow.run,
conversation.run, workflow.validate, workflow.save, workflow.list and
execution.get.

Schedules from the settings file are registered and run by the cron
scheduler; runs missed while the server was down are recovered once at
startup. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeQuietly(a)

			if !noScheduler {
				sched, err := a.startScheduler(ctx)
				if err != nil {
					return err
				}
				defer sched.Stop()
			}

			srv := agentmcp.NewAgentflowServer(agentmcp.ServerDeps{
				Runner:        a.executor,
				Workflows:     a.workflows,
				Conversations: a.conversations,
				Executions:    a.store,
				Logger:        logger,
			})
			logger.Info("agentflow serving on stdio", slog.String("version", version))
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run scheduled workflows")
	return cmd
}

// startScheduler registers the configured schedules, recovers missed runs
// and starts the polling loop.
func (a *app) startScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(a.store, a.executor, a.logger)
	for _, s := range a.cfg.Schedules {
		job := &store.ScheduledJob{
			ID:             s.ID,
			WorkflowID:     s.WorkflowID,
			CronExpression: s.Cron,
			Input:          s.Input,
			Enabled:        s.Enabled,
		}
		if job.ID == "" {
			job.ID = s.WorkflowID
		}
		if err := sched.Register(ctx, job); err != nil {
			return nil, err
		}
	}
	if err := sched.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	return sched, nil
}
