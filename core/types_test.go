package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTool struct {
	name    string
	results []*ToolExecResult
	calls   int
}

func (t *scriptedTool) Name() string         { return t.name }
func (t *scriptedTool) Description() string  { return "scripted " + t.name }
func (t *scriptedTool) InputSchema() []byte  { return []byte(`{"type":"object"}`) }
func (t *scriptedTool) OutputSchema() []byte { return []byte(`{"type":"object"}`) }

func (t *scriptedTool) Execute(tc *ToolContext) *ToolExecResult {
	i := t.calls
	t.calls++
	if i >= len(t.results) {
		i = len(t.results) - 1
	}
	r := *t.results[i]
	return &r
}

var (
	unavailable = &ToolExecResult{Status: ToolFailed, Error: "keepa unavailable", Retriable: true}
	badInput    = &ToolExecResult{Status: ToolFailed, Error: "bad input"}
	done        = &ToolExecResult{Status: ToolComplete, Output: "ok"}
)

func testRegistry() *ToolRegistry {
	r := NewToolRegistry()
	r.retryInterval = time.Millisecond
	return r
}

func TestExecuteRetriesRetriableFailures(t *testing.T) {
	r := testRegistry()
	tool := &scriptedTool{name: "flaky", results: []*ToolExecResult{unavailable, unavailable, done}}
	r.Register(tool, ToolPolicy{MaxRetries: 2, Retriable: true}, RiskClassReadOnly)

	res := r.Execute(context.Background(), "flaky", nil)
	assert.Equal(t, ToolComplete, res.Status)
	assert.Equal(t, 3, tool.calls)
	assert.Equal(t, 3, res.Metadata["attempts"])
}

func TestExecuteStopsAfterMaxRetries(t *testing.T) {
	r := testRegistry()
	tool := &scriptedTool{name: "down", results: []*ToolExecResult{unavailable}}
	r.Register(tool, ToolPolicy{MaxRetries: 2, Retriable: true}, RiskClassReadOnly)

	res := r.Execute(context.Background(), "down", nil)
	assert.Equal(t, ToolFailed, res.Status)
	assert.Equal(t, "keepa unavailable", res.Error)
	assert.Equal(t, 3, tool.calls)
}

func TestExecuteNoRetry(t *testing.T) {
	tests := []struct {
		name   string
		policy ToolPolicy
		result *ToolExecResult
	}{
		{"policy not retriable", ToolPolicy{MaxRetries: 3}, unavailable},
		{"failure not retriable", ToolPolicy{MaxRetries: 3, Retriable: true}, badInput},
		{"no retries configured", ToolPolicy{Retriable: true}, unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRegistry()
			tool := &scriptedTool{name: "once", results: []*ToolExecResult{tt.result, done}}
			r.Register(tool, tt.policy, RiskClassReadOnly)

			res := r.Execute(context.Background(), "once", nil)
			assert.Equal(t, ToolFailed, res.Status)
			assert.Equal(t, 1, tool.calls)
			assert.NotContains(t, res.Metadata, "attempts")
		})
	}
}

func TestExecuteSharesLimitKey(t *testing.T) {
	r := testRegistry()
	policy := ToolPolicy{RateLimitPerSec: 0.001, Burst: 1, LimitKey: "keepa"}
	first := &scriptedTool{name: "first", results: []*ToolExecResult{done}}
	second := &scriptedTool{name: "second", results: []*ToolExecResult{done}}
	r.Register(first, policy, RiskClassReadOnly)
	r.Register(second, policy, RiskClassReadOnly)

	require.Equal(t, ToolComplete, r.Execute(context.Background(), "first", nil).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := r.Execute(ctx, "second", nil)
	assert.Equal(t, ToolFailed, res.Status)
	assert.Contains(t, res.Error, "rate limited")
	assert.Equal(t, 0, second.calls)
}

func TestExecuteSeparateLimitsWithoutKey(t *testing.T) {
	r := testRegistry()
	policy := ToolPolicy{RateLimitPerSec: 0.001, Burst: 1}
	r.Register(&scriptedTool{name: "a", results: []*ToolExecResult{done}}, policy, RiskClassReadOnly)
	r.Register(&scriptedTool{name: "b", results: []*ToolExecResult{done}}, policy, RiskClassReadOnly)

	assert.Equal(t, ToolComplete, r.Execute(context.Background(), "a", nil).Status)
	assert.Equal(t, ToolComplete, r.Execute(context.Background(), "b", nil).Status)
}

func TestDescriptorsPublishPolicy(t *testing.T) {
	r := testRegistry()
	policy := ToolPolicy{MaxRetries: 1, Retriable: true, DefaultTimeout: time.Minute, RateLimitPerSec: 1, Burst: 5, LimitKey: "keepa"}
	r.Register(&scriptedTool{name: "zeta", results: []*ToolExecResult{done}}, policy, RiskClassReadOnly)
	r.Register(&scriptedTool{name: "alpha", results: []*ToolExecResult{done}}, policy, RiskClassReadOnly)

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].Name)
	assert.Equal(t, policy, descs[1].Policy)
	assert.JSONEq(t, `{"type":"object"}`, string(descs[0].InputSchema))

	data, err := json.Marshal(descs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"limit_key":"keepa"`)
}
