package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/pkg/schema"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Store workflows, agent roles and mapping configs from a file",
		Long: `Imports a JSON or YAML document into the database. The document is either
a single workflow (it has top-level "nodes") or an object with any of
"roles", "workflows" and "mappings" lists. Workflows are validated first;
an invalid workflow stops the import.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			b, err := parseBundle(doc)
			if err != nil {
				return err
			}

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQuietly(a)

			return a.importBundle(cmd.Context(), b, cmd.OutOrStdout())
		},
	}
}

func (a *app) importBundle(ctx context.Context, b *bundle, out io.Writer) error {
	now := time.Now().UTC()
	for i, raw := range b.Roles {
		var role schema.Role
		if err := json.Unmarshal(raw, &role); err != nil {
			return fmt.Errorf("roles[%d]: %w", i, err)
		}
		if role.ID == "" {
			return fmt.Errorf("roles[%d]: id is required", i)
		}
		if role.CreatedAt.IsZero() {
			role.CreatedAt = now
		}
		role.UpdatedAt = now
		if err := a.store.SaveRole(ctx, &role); err != nil {
			return fmt.Errorf("role %s: %w", role.ID, err)
		}
		fmt.Fprintf(out, "role %s imported\n", role.ID)
	}

	for i, raw := range b.Workflows {
		wf, result, err := a.workflows.SaveDocument(ctx, raw)
		if err != nil {
			if result != nil {
				printIssues(out, result)
			}
			return fmt.Errorf("workflows[%d]: %w", i, err)
		}
		printIssues(out, result)
		fmt.Fprintf(out, "workflow %s imported\n", wf.ID)
	}

	for i, raw := range b.Mappings {
		var cfg schema.FieldMappingConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("mappings[%d]: %w", i, err)
		}
		if err := a.workflows.SaveMapping(ctx, &cfg); err != nil {
			return fmt.Errorf("mapping for %s: %w", cfg.WorkflowID, err)
		}
		fmt.Fprintf(out, "mapping for %s imported\n", cfg.WorkflowID)
	}

	a.logger.Info("import finished",
		slog.Int("roles", len(b.Roles)),
		slog.Int("workflows", len(b.Workflows)),
		slog.Int("mappings", len(b.Mappings)),
	)
	return nil
}
