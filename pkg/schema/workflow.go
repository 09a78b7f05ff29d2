package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Workflow is the JSON-serializable agent workflow graph.
// It is treated as immutable while an execution is in flight.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// Edge declares that Target depends on Source.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NodeKind enumerates the kinds of nodes in a workflow.
type NodeKind string

const (
	NodeKindInput  NodeKind = "input"
	NodeKindAgent  NodeKind = "agent"
	NodeKindOutput NodeKind = "output"
)

// Node is a single vertex of the workflow graph. Data always holds the
// variant matching Kind; unrecognized kinds decode to *UnknownData.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`
	Data NodeData `json:"data"`
}

// NodeData is the closed set of kind-specific node payloads:
// *InputData, *AgentData, *OutputData and *UnknownData.
type NodeData interface {
	nodeKind() NodeKind
}

// InputData declares the parameters an input node resolves from the run input.
type InputData struct {
	Params []InputParam `json:"params"`
}

// InputParam is one named workflow parameter.
type InputParam struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Default  any    `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// AgentData references a role in the agent directory and describes how the
// request payload for the gateway is assembled.
type AgentData struct {
	AgentID      string                 `json:"agent_id,omitempty"`
	Inputs       map[string]any         `json:"inputs,omitempty"`
	InputSources map[string]InputSource `json:"input_sources,omitempty"`
}

// InputSource types.
const (
	InputSourceStatic = "static"
	InputSourceNode   = "node"
)

// InputSource binds one payload field to a static value or an upstream node output.
type InputSource struct {
	Type        string `json:"type"`
	Value       any    `json:"value,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	OutputField string `json:"output_field,omitempty"`
}

// OutputData lists the named outputs an output node publishes.
type OutputData struct {
	Outputs []OutputBinding `json:"outputs"`
}

// OutputBinding pulls a value from an upstream node output. An empty
// SourceNodeID exposes the whole run context.
type OutputBinding struct {
	Name         string `json:"name"`
	SourceNodeID string `json:"source_node_id,omitempty"`
	Field        string `json:"field,omitempty"`
}

// UnknownData carries the payload of a node whose kind is not recognized.
type UnknownData struct {
	Kind NodeKind        `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (*InputData) nodeKind() NodeKind { return NodeKindInput }
func (*AgentData) nodeKind() NodeKind { return NodeKindAgent }
func (*OutputData) nodeKind() NodeKind { return NodeKindOutput }
func (d *UnknownData) nodeKind() NodeKind { return d.Kind }

// nodeJSON is the wire shape of a Node.
type nodeJSON struct {
	ID   string          `json:"id"`
	Kind NodeKind        `json:"kind"`
	Type NodeKind        `json:"type,omitempty"` // accepted alias for kind
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the node and selects the Data variant by kind.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	kind := raw.Kind
	if kind == "" {
		kind = raw.Type
	}
	n.ID = raw.ID
	n.Kind = kind

	var data NodeData
	switch kind {
	case NodeKindInput:
		data = &InputData{}
	case NodeKindAgent:
		data = &AgentData{}
	case NodeKindOutput:
		data = &OutputData{}
	default:
		n.Data = &UnknownData{Kind: kind, Raw: raw.Data}
		return nil
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			return fmt.Errorf("node %s: decode %s data: %w", raw.ID, kind, err)
		}
	}
	n.Data = data
	return nil
}

// MarshalJSON encodes the node with its variant payload.
func (n Node) MarshalJSON() ([]byte, error) {
	out := nodeJSON{ID: n.ID, Kind: n.Kind}
	switch d := n.Data.(type) {
	case nil:
	case *UnknownData:
		out.Data = d.Raw
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		out.Data = b
	}
	return json.Marshal(out)
}

// NewInputNode builds an input node.
func NewInputNode(id string, params ...InputParam) Node {
	return Node{ID: id, Kind: NodeKindInput, Data: &InputData{Params: params}}
}

// NewAgentNode builds an agent node.
func NewAgentNode(id string, data AgentData) Node {
	return Node{ID: id, Kind: NodeKindAgent, Data: &data}
}

// NewOutputNode builds an output node.
func NewOutputNode(id string, outputs ...OutputBinding) Node {
	return Node{ID: id, Kind: NodeKindOutput, Data: &OutputData{Outputs: outputs}}
}
