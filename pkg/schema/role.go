package schema

import "time"

// ConnectionMode selects how an agent role talks to the gateway.
type ConnectionMode string

const (
	// ConnectionModeChat keeps a conversation id across turns.
	ConnectionModeChat ConnectionMode = "chat"
	// ConnectionModeWorkflow performs a single-shot workflow invocation.
	ConnectionModeWorkflow ConnectionMode = "workflow"
)

// Role is an entry of the agent directory referenced by agent nodes.
type Role struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Enabled        bool           `json:"enabled"`
	ConnectionMode ConnectionMode `json:"connection_mode"`
	GatewayConfig  GatewayConfig  `json:"gateway_config"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
}

// GatewayConfig locates the remote agent behind a role.
type GatewayConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}
