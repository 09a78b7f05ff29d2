package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/agentflow/internal/config"
	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/gateway"
	"github.com/rendis/agentflow/internal/mapping"
	"github.com/rendis/agentflow/internal/service"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
)

// app is the wired object graph shared by the commands that touch the store.
type app struct {
	cfg           *config.Config
	logger        *slog.Logger
	store         *store.LibSQLStore
	executor      *engine.Executor
	workflows     *service.WorkflowService
	conversations *service.ConversationService
}

// openApp opens and migrates the database and wires the engine on top of it.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore(dbURI(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		s.Close()
		return nil, err
	}
	engines, err := mapping.NewDefaultEngines()
	if err != nil {
		s.Close()
		return nil, err
	}

	breakers := gateway.NewCircuitBreakerRegistry(cfg.BreakerConfig())
	gateways := gateway.NewHTTPFactory(nil, cfg.GatewayPolicy(), breakers, logger)

	executor, err := engine.NewExecutor(engine.Deps{
		Workflows:  s,
		Roles:      s,
		Executions: s,
		Gateways:   gateways,
		Validator:  validator,
		Logger:     logger,
	}, cfg.ExecutorConfig())
	if err != nil {
		s.Close()
		return nil, err
	}

	return &app{
		cfg:           cfg,
		logger:        logger,
		store:         s,
		executor:      executor,
		workflows:     service.NewWorkflowService(s, s, validator, logger),
		conversations: service.NewConversationService(s, executor, mapping.NewMapper(engines, logger), logger),
	}, nil
}

// Close drains the worker pool and closes the database.
func (a *app) Close() error {
	a.executor.Shutdown()
	return a.store.Close()
}

func dbURI(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

func closeQuietly(a *app) {
	if err := a.Close(); err != nil {
		a.logger.Warn("close failed", slog.String("error", err.Error()))
	}
}
