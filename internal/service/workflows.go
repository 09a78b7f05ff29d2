// Package service holds the operations exposed by the CLI and the MCP
// server on top of the engine and the store.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// WorkflowService stores workflow definitions and their mapping configs.
// Nothing invalid is ever persisted.
type WorkflowService struct {
	workflows store.WorkflowStore
	mappings  store.MappingConfigStore
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(workflows store.WorkflowStore, mappings store.MappingConfigStore, validator *validation.WorkflowValidator, logger *slog.Logger) *WorkflowService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowService{
		workflows: workflows,
		mappings:  mappings,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// Validate checks a workflow without storing it.
func (s *WorkflowService) Validate(wf *schema.Workflow) *schema.ValidationResult {
	return s.validator.Validate(wf)
}

// ValidateDocument checks a raw JSON workflow document without storing it.
func (s *WorkflowService) ValidateDocument(raw []byte) (*schema.Workflow, *schema.ValidationResult) {
	return s.validator.ValidateDocument(raw)
}

// Save validates and stores wf, creating or replacing it. A workflow
// without an ID gets a new one. The returned result carries the warnings.
func (s *WorkflowService) Save(ctx context.Context, wf *schema.Workflow) (*schema.ValidationResult, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}

	result := s.validator.Validate(wf)
	if err := result.ToError(); err != nil {
		return result, err
	}
	return result, s.persist(ctx, wf, result)
}

// SaveDocument decodes, validates and stores a raw JSON workflow document.
func (s *WorkflowService) SaveDocument(ctx context.Context, raw []byte) (*schema.Workflow, *schema.ValidationResult, error) {
	wf, result := s.validator.ValidateDocument(raw)
	if err := result.ToError(); err != nil {
		return nil, result, err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	return wf, result, s.persist(ctx, wf, result)
}

func (s *WorkflowService) persist(ctx context.Context, wf *schema.Workflow, result *schema.ValidationResult) error {
	now := s.now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	if err := s.workflows.SaveWorkflow(ctx, wf); err != nil {
		return schema.AsEngineError(err, schema.ErrCodeStore)
	}
	s.logger.Info("workflow saved",
		slog.String("workflow_id", wf.ID),
		slog.Int("nodes", len(wf.Nodes)),
		slog.Int("warnings", len(result.Warnings)),
	)
	return nil
}

// Get returns a stored workflow.
func (s *WorkflowService) Get(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := s.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeStore)
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

// List returns stored workflows.
func (s *WorkflowService) List(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	wfs, err := s.workflows.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeStore)
	}
	return wfs, nil
}

// Delete removes a workflow and its mapping config.
func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	if err := s.workflows.DeleteWorkflow(ctx, id); err != nil {
		return schema.AsEngineError(err, schema.ErrCodeStore)
	}
	s.logger.Info("workflow deleted", slog.String("workflow_id", id))
	return nil
}

// SaveMapping validates and stores the mapping config of an existing workflow.
func (s *WorkflowService) SaveMapping(ctx context.Context, cfg *schema.FieldMappingConfig) error {
	if cfg == nil || cfg.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "mapping config requires workflow_id")
	}
	if _, err := s.Get(ctx, cfg.WorkflowID); err != nil {
		return err
	}
	if err := validateMapping(cfg).ToError(); err != nil {
		return err
	}
	if err := s.mappings.SaveMappingConfig(ctx, cfg); err != nil {
		return schema.AsEngineError(err, schema.ErrCodeStore)
	}
	s.logger.Info("mapping config saved",
		slog.String("workflow_id", cfg.WorkflowID),
		slog.Int("input_rules", len(cfg.InputMappings)),
		slog.Int("output_rules", len(cfg.OutputMappings)),
	)
	return nil
}

func validateMapping(cfg *schema.FieldMappingConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	targets := make(map[string]bool, len(cfg.InputMappings))
	for i, rule := range cfg.InputMappings {
		path := fmt.Sprintf("input_mappings[%d]", i)
		switch {
		case rule.TargetInputName == "":
			result.AddError(path+".target_input_name", schema.ErrCodeValidation, "target input name must not be empty")
		case targets[rule.TargetInputName]:
			result.AddWarning(path+".target_input_name", schema.ErrCodeValidation,
				fmt.Sprintf("input %q is mapped more than once; the last rule wins", rule.TargetInputName))
		}
		targets[rule.TargetInputName] = true

		switch rule.SourceKind {
		case schema.SourceKindField:
			if rule.SourceField == "" {
				result.AddError(path+".source_field", schema.ErrCodeValidation, "field rule requires source_field")
			}
		case schema.SourceKindExpression:
			if rule.Expression == "" {
				result.AddError(path+".expression", schema.ErrCodeValidation, "expression rule requires expression")
			}
		default:
			result.AddError(path+".source_kind", schema.ErrCodeValidation,
				fmt.Sprintf("source kind must be %q or %q, got %q", schema.SourceKindField, schema.SourceKindExpression, rule.SourceKind))
		}
	}
	for i, rule := range cfg.OutputMappings {
		path := fmt.Sprintf("output_mappings[%d]", i)
		if rule.TargetField == "" {
			result.AddError(path+".target_field", schema.ErrCodeValidation, "target field must not be empty")
		}
		if rule.ExtractExpression == "" {
			result.AddError(path+".extract_expression", schema.ErrCodeValidation, "extract expression must not be empty")
		}
	}
	return result
}
