package engine

import (
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/pkg/schema"
)

// Keys of the run context snapshot and of the accumulated agent payload.
const (
	SnapshotWorkflowInput  = "workflowInput"
	SnapshotNodeOutputs    = "nodeOutputs"
	SnapshotOutputs        = "outputs"
	SnapshotConversationID = "conversationId"

	payloadNodesKey = "nodes"
)

// RunContext is the mutable state of one execution: the workflow input,
// the output of every completed node, and the named outputs written by
// output nodes. It is created per execution and never shared.
type RunContext struct {
	mu             sync.RWMutex
	workflowInput  map[string]any
	nodeOutputs    map[string]any
	outputs        map[string]any
	userID         string
	conversationID string
}

// NewRunContext creates a RunContext over a private copy of input.
func NewRunContext(input map[string]any, userID, conversationID string) *RunContext {
	if input == nil {
		input = map[string]any{}
	}
	return &RunContext{
		workflowInput:  expressions.DeepCopyMap(input),
		nodeOutputs:    make(map[string]any),
		outputs:        make(map[string]any),
		userID:         userID,
		conversationID: conversationID,
	}
}

// InputValue returns the workflow input named name.
func (rc *RunContext) InputValue(name string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.workflowInput[name]
	return expressions.DeepCopy(v), ok
}

// Query returns the workflow input "query" when it is a string.
func (rc *RunContext) Query() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	q, _ := rc.workflowInput["query"].(string)
	return q
}

// SetNodeOutput records the output of a completed node. Each node is
// recorded at most once.
func (rc *RunContext) SetNodeOutput(nodeID string, output any) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.nodeOutputs[nodeID]; exists {
		return schema.NewErrorf(schema.ErrCodeEngine, "output of node %q already recorded", nodeID).
			WithNode(nodeID)
	}
	rc.nodeOutputs[nodeID] = expressions.DeepCopy(output)
	return nil
}

// NodeOutput returns the recorded output of a completed node.
func (rc *RunContext) NodeOutput(nodeID string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.nodeOutputs[nodeID]
	return expressions.DeepCopy(v), ok
}

// SetOutput writes a named workflow output.
func (rc *RunContext) SetOutput(name string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[name] = expressions.DeepCopy(value)
}

// Outputs returns a copy of the named workflow outputs.
func (rc *RunContext) Outputs() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return expressions.DeepCopyMap(rc.outputs)
}

// UserID returns the user the run acts for.
func (rc *RunContext) UserID() string {
	return rc.userID
}

// ConversationID returns the current chat conversation id.
func (rc *RunContext) ConversationID() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.conversationID
}

// SetConversationID replaces the chat conversation id for later agent nodes.
func (rc *RunContext) SetConversationID(id string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.conversationID = id
}

// Accumulated returns the workflow input merged with the outputs of
// completed nodes, keyed by node ID under "nodes".
func (rc *RunContext) Accumulated() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	acc := expressions.DeepCopyMap(rc.workflowInput)
	acc[payloadNodesKey] = expressions.DeepCopyMap(rc.nodeOutputs)
	return acc
}

// Snapshot returns a deep copy of the whole context.
func (rc *RunContext) Snapshot() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	snap := map[string]any{
		SnapshotWorkflowInput: expressions.DeepCopyMap(rc.workflowInput),
		SnapshotNodeOutputs:   expressions.DeepCopyMap(rc.nodeOutputs),
		SnapshotOutputs:       expressions.DeepCopyMap(rc.outputs),
	}
	if rc.conversationID != "" {
		snap[SnapshotConversationID] = rc.conversationID
	}
	return snap
}

// projectField walks value along a dotted field path. Numeric segments
// index arrays; any other segment applied to a list of {name, value}
// entries (the output of input and output nodes) selects the entry with
// that name. Anything unresolvable yields nil.
func projectField(value any, field string) any {
	if field == "" {
		return value
	}
	current := value
	for _, seg := range strings.Split(field, ".") {
		switch node := current.(type) {
		case map[string]any:
			current = node[seg]
		case []any:
			if idx, err := strconv.Atoi(seg); err == nil {
				if idx < 0 || idx >= len(node) {
					return nil
				}
				current = node[idx]
				continue
			}
			current = namedEntry(node, seg)
		default:
			return nil
		}
	}
	return current
}

func namedEntry(list []any, name string) any {
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if entry["name"] == name {
			return entry["value"]
		}
	}
	return nil
}
