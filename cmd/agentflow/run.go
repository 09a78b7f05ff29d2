package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/mapping"
)

type runOptions struct {
	input          string
	set            []string
	userID         string
	conversationID string
	conversation   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute a stored workflow and print the result",
		Long: `Runs a stored workflow once. Input values come from --input (a JSON
object) and --set key=value pairs, which override --input.

With --conversation the input is treated as conversation data (query,
history, files...) and goes through the workflow's field mappings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := opts.buildInput()
			if err != nil {
				return err
			}

			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeQuietly(a)

			var out any
			if opts.conversation {
				var data mapping.ConversationData
				if err := remarshal(input, &data); err != nil {
					return fmt.Errorf("decode conversation: %w", err)
				}
				if data.ConversationID == "" {
					data.ConversationID = opts.conversationID
				}
				out, err = a.conversations.RunConversation(cmd.Context(), args[0], opts.userID, data)
			} else {
				out, err = a.executor.ExecuteWorkflow(cmd.Context(), args[0], engine.RunRequest{
					Input:          input,
					UserID:         opts.userID,
					ConversationID: opts.conversationID,
				})
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&opts.input, "input", "", "workflow input as a JSON object")
	cmd.Flags().StringArrayVar(&opts.set, "set", nil, "input value as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.userID, "user", "cli", "user the run is recorded for")
	cmd.Flags().StringVar(&opts.conversationID, "conversation-id", "", "conversation to continue in chat agents")
	cmd.Flags().BoolVar(&opts.conversation, "conversation", false, "treat the input as conversation data and apply field mappings")
	return cmd
}

// buildInput merges --input and --set. A --set value that parses as JSON
// keeps its JSON type; anything else is a string.
func (o *runOptions) buildInput() (map[string]any, error) {
	input := map[string]any{}
	if o.input != "" {
		if err := json.Unmarshal([]byte(o.input), &input); err != nil {
			return nil, fmt.Errorf("--input must be a JSON object: %w", err)
		}
	}
	for _, kv := range o.set {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", kv)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			input[key] = typed
		} else {
			input[key] = value
		}
	}
	return input, nil
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
