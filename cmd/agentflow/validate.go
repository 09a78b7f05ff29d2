package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow file without storing it",
		Long: `Checks a JSON or YAML workflow document: its shape, node references,
cycles and input wiring. Every error and warning is printed; the command
fails when there is at least one error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			validator, err := validation.NewWorkflowValidator()
			if err != nil {
				return err
			}
			_, result := validator.ValidateDocument(doc)
			printIssues(cmd.OutOrStdout(), result)
			if err := result.ToError(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "workflow is valid")
			return nil
		},
	}
}

func printIssues(w io.Writer, result *schema.ValidationResult) {
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "error   %s: [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "warning %s: [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
}
