// Package core provides minimal framework types for exposing service
// operations as agent tools.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Tool execution status constants.
const (
	ToolComplete = "complete"
	ToolFailed   = "failed"
	ToolCanceled = "canceled"
)

// Risk classes for registered tools.
const (
	RiskClassReadOnly = "read_only"
)

// ToolContext carries context for tool execution.
type ToolContext struct {
	Ctx     context.Context
	Request *Message
}

// ToolExecResult is the result of a tool execution.
type ToolExecResult struct {
	Status   string         `json:"status"`
	Output   interface{}    `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Retriable marks a failure worth another attempt under a retriable
	// policy, such as an unavailable upstream.
	Retriable bool `json:"retriable,omitempty"`
}

// Message represents a message in the agent framework.
type Message struct {
	Role    string              `json:"role,omitempty"`
	Content string              `json:"content,omitempty"`
	ToolReq *ToolRequestPayload `json:"tool_req,omitempty"`
}

// ToolRequestPayload holds tool invocation data.
type ToolRequestPayload struct {
	Name     string          `json:"name,omitempty"`
	Input    any             `json:"input,omitempty"`
	InputRaw json.RawMessage `json:"input_raw,omitempty"`
}

// Tool is an operation an agent can invoke.
type Tool interface {
	Name() string
	Description() string
	InputSchema() []byte
	OutputSchema() []byte
	Execute(tc *ToolContext) *ToolExecResult
}

// ToolPolicy defines rate limiting and retry policies for tools. Tools
// sharing a LimitKey share one token bucket; an empty key limits the tool on
// its own. Retries apply only to results marked Retriable.
type ToolPolicy struct {
	MaxRetries      int           `json:"max_retries"`
	Retriable       bool          `json:"retriable"`
	DefaultTimeout  time.Duration `json:"default_timeout"`
	RateLimitPerSec float64       `json:"rate_limit_per_sec"`
	Burst           int           `json:"burst"`
	LimitKey        string        `json:"limit_key"`
}

// ToolDescriptor is the published description of a registered tool.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	RiskClass    string          `json:"risk_class,omitempty"`
	Policy       ToolPolicy      `json:"policy"`
}

// ToolRegistry is a registry for tools with policies.
type ToolRegistry struct {
	tools map[string]registeredTool

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex

	retryInterval time.Duration
}

type registeredTool struct {
	tool      Tool
	policy    ToolPolicy
	riskClass string
}

// NewToolRegistry creates a new tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:         make(map[string]registeredTool),
		limiters:      make(map[string]*rate.Limiter),
		retryInterval: 200 * time.Millisecond,
	}
}

// Register registers a tool with a policy and risk class. A later
// registration with the same name replaces the earlier one.
func (r *ToolRegistry) Register(tool Tool, policy ToolPolicy, riskClass string) {
	r.tools[tool.Name()] = registeredTool{
		tool:      tool,
		policy:    policy,
		riskClass: riskClass,
	}
}

// Lookup returns the named tool.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// Descriptors lists registered tools sorted by name.
func (r *ToolRegistry) Descriptors() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, ToolDescriptor{
			Name:         rt.tool.Name(),
			Description:  rt.tool.Description(),
			InputSchema:  json.RawMessage(rt.tool.InputSchema()),
			OutputSchema: json.RawMessage(rt.tool.OutputSchema()),
			RiskClass:    rt.riskClass,
			Policy:       rt.policy,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named tool with raw JSON input under its policy: the
// default timeout bounds every attempt together, the limiter admits each
// attempt, and retriable failures are retried with exponential backoff.
func (r *ToolRegistry) Execute(ctx context.Context, name string, input json.RawMessage) *ToolExecResult {
	rt, ok := r.tools[name]
	if !ok {
		return &ToolExecResult{Status: ToolFailed, Error: fmt.Sprintf("unknown tool %q", name)}
	}
	policy := rt.policy

	if policy.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.DefaultTimeout)
		defer cancel()
	}

	limiter := r.limiter(name, policy)
	attempts := 0
	var res *ToolExecResult

	attempt := func() error {
		attempts++
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				res = &ToolExecResult{Status: ToolFailed, Error: fmt.Sprintf("rate limited: %v", err)}
				return backoff.Permanent(err)
			}
		}

		res = rt.tool.Execute(&ToolContext{
			Ctx: ctx,
			Request: &Message{
				Role:    "tool",
				ToolReq: &ToolRequestPayload{Name: name, InputRaw: input},
			},
		})
		if res != nil && res.Status == ToolFailed && res.Retriable {
			return errors.New(res.Error)
		}
		return nil
	}

	retries := 0
	if policy.Retriable && policy.MaxRetries > 0 {
		retries = policy.MaxRetries
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryInterval
	eb.MaxElapsedTime = 0
	backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx))

	if res == nil {
		res = &ToolExecResult{Status: ToolFailed, Error: "tool returned no result"}
	}
	if res.Status == ToolFailed && ctx.Err() == context.Canceled {
		res.Status = ToolCanceled
	}
	if attempts > 1 {
		if res.Metadata == nil {
			res.Metadata = make(map[string]any)
		}
		res.Metadata["attempts"] = attempts
	}
	return res
}

// limiter returns the token bucket for the policy, shared by LimitKey.
func (r *ToolRegistry) limiter(name string, policy ToolPolicy) *rate.Limiter {
	if policy.RateLimitPerSec <= 0 {
		return nil
	}
	key := policy.LimitKey
	if key == "" {
		key = "tool:" + name
	}
	burst := policy.Burst
	if burst < 1 {
		burst = 1
	}

	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(policy.RateLimitPerSec), burst)
		r.limiters[key] = l
	}
	return l
}
