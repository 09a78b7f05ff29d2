package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_UnmarshalSelectsVariant(t *testing.T) {
	doc := `{
	  "id": "wf-1",
	  "name": "triage",
	  "nodes": [
	    {"id": "in", "kind": "input", "data": {"params": [{"name": "query", "required": true}]}},
	    {"id": "ag", "kind": "agent", "data": {"agent_id": "role-1", "input_sources": {"q": {"type": "node", "node_id": "in", "output_field": "0.value"}}}},
	    {"id": "out", "kind": "output", "data": {"outputs": [{"name": "answer", "source_node_id": "ag", "field": "answer"}]}},
	    {"id": "legacy", "type": "webhook", "data": {"url": "http://x"}}
	  ],
	  "edges": [{"source": "in", "target": "ag"}, {"source": "ag", "target": "out"}]
	}`

	var wf Workflow
	require.NoError(t, json.Unmarshal([]byte(doc), &wf))
	require.Len(t, wf.Nodes, 4)

	in, ok := wf.Nodes[0].Data.(*InputData)
	require.True(t, ok)
	assert.Equal(t, "query", in.Params[0].Name)
	assert.True(t, in.Params[0].Required)

	ag, ok := wf.Nodes[1].Data.(*AgentData)
	require.True(t, ok)
	assert.Equal(t, "role-1", ag.AgentID)
	assert.Equal(t, InputSourceNode, ag.InputSources["q"].Type)
	assert.Equal(t, "in", ag.InputSources["q"].NodeID)

	out, ok := wf.Nodes[2].Data.(*OutputData)
	require.True(t, ok)
	assert.Equal(t, "ag", out.Outputs[0].SourceNodeID)

	unk, ok := wf.Nodes[3].Data.(*UnknownData)
	require.True(t, ok)
	assert.Equal(t, NodeKind("webhook"), wf.Nodes[3].Kind)
	assert.JSONEq(t, `{"url":"http://x"}`, string(unk.Raw))
}

func TestNode_MarshalKeepsPayload(t *testing.T) {
	n := NewAgentNode("ag", AgentData{AgentID: "role-1", Inputs: map[string]any{"tone": "formal"}})

	b, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"ag","kind":"agent","data":{"agent_id":"role-1","inputs":{"tone":"formal"}}}`, string(b))

	var back Node
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, n, back)
}

func TestNode_UnmarshalBadData(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"id":"in","kind":"input","data":{"params":"nope"}}`), &n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node in")
}

func TestEngineError_Format(t *testing.T) {
	cause := errors.New("boom")
	err := NewErrorf(ErrCodeGateway, "call failed: %s", "502").WithNode("ag").WithCause(cause)

	assert.Equal(t, "[GATEWAY_ERROR] node ag: call failed: 502", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsRetryable())
	assert.False(t, NewError(ErrCodeAgentDisabled, "off").IsRetryable())
}

func TestAsEngineError(t *testing.T) {
	assert.Nil(t, AsEngineError(nil, ErrCodeEngine))

	orig := NewError(ErrCodeNotFound, "missing")
	assert.Same(t, orig, AsEngineError(orig, ErrCodeEngine))

	wrapped := AsEngineError(errors.New("disk full"), ErrCodeStore)
	assert.Equal(t, ErrCodeStore, wrapped.Code)
	assert.Equal(t, "disk full", wrapped.Message)
}
