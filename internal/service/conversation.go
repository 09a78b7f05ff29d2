package service

import (
	"context"
	"log/slog"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/mapping"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Runner runs a stored workflow. Satisfied by *engine.Executor.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, req engine.RunRequest) (*engine.RunSummary, error)
}

// ConversationResult is the outcome of one conversational turn.
type ConversationResult struct {
	ExecutionID    string         `json:"execution_id"`
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Outputs        map[string]any `json:"outputs"`
	// Mapped holds the fields extracted by the output mappings, or just
	// content when the workflow has none.
	Mapped map[string]any `json:"mapped"`
}

// ConversationService runs workflows from conversation-shaped input
// through their field mapping configs.
type ConversationService struct {
	mappings store.MappingConfigStore
	runner   Runner
	mapper   *mapping.Mapper
	logger   *slog.Logger
}

// NewConversationService creates a ConversationService.
func NewConversationService(mappings store.MappingConfigStore, runner Runner, mapper *mapping.Mapper, logger *slog.Logger) *ConversationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationService{mappings: mappings, runner: runner, mapper: mapper, logger: logger}
}

// RunConversation maps data into the workflow input, runs the workflow,
// and extracts the mapped output fields from its outputs (bound as
// `output`). Without input mappings every present conversation attribute
// is passed through under its own name.
func (s *ConversationService) RunConversation(ctx context.Context, workflowID, userID string, data mapping.ConversationData) (*ConversationResult, error) {
	ctx = logging.WithWorkflowID(ctx, workflowID)
	log := logging.LogWith(ctx, s.logger)

	cfg, err := s.mappings.GetMappingConfig(ctx, workflowID)
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeStore)
	}

	var input map[string]any
	if cfg != nil && len(cfg.InputMappings) > 0 {
		input = s.mapper.MapInputs(ctx, data, cfg.InputMappings)
	} else {
		input = passThrough(data)
	}
	log.Debug("conversation input mapped", slog.Int("fields", len(input)))

	summary, err := s.runner.ExecuteWorkflow(ctx, workflowID, engine.RunRequest{
		Input:          input,
		UserID:         userID,
		ConversationID: data.ConversationID,
	})
	if err != nil {
		return nil, err
	}

	result := &ConversationResult{
		ExecutionID:    summary.ExecutionID,
		Message:        summary.Message,
		ConversationID: summary.ConversationID,
		Outputs:        summary.Data.Outputs,
	}
	if cfg != nil && len(cfg.OutputMappings) > 0 {
		result.Mapped = s.mapper.ExtractOutputs(ctx, summary.Data.Outputs, cfg.OutputMappings)
	} else {
		result.Mapped = map[string]any{mapping.TargetContent: summary.Message}
	}
	return result, nil
}

func passThrough(data mapping.ConversationData) map[string]any {
	input := make(map[string]any)
	for k, v := range data.Variables() {
		if v != nil {
			input[k] = v
		}
	}
	return input
}
