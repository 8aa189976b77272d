// Package arbitrage provides agent tools over the deal pipeline. They mirror
// the HTTP actions so agent frameworks can call the pipeline in-process.
package arbitrage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phenomenon0/dealscout/core"
	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/keepa"
	"github.com/phenomenon0/dealscout/pkg/pipeline"
)

// DealService is the pipeline surface used by the tools.
// *pipeline.Orchestrator satisfies it.
type DealService interface {
	ListDeals(ctx context.Context, f pipeline.Filter) (*pipeline.Report, error)
	ScoreOne(ctx context.Context, query string) (*deals.Deal, error)
}

// === Deal listing ===

// ListDealsTool returns today's ranked deals.
type ListDealsTool struct {
	service DealService
}

type ListDealsInput struct {
	MinScore int    `json:"min_score"` // Minimum score 0-100
	Decision string `json:"decision"`  // BUY, WATCH or PASS
	Limit    int    `json:"limit"`     // Max results (default 20)
}

type ListDealsOutput struct {
	RunID       string       `json:"run_id"`
	GeneratedAt string       `json:"generated_at"`
	Count       int          `json:"count"`
	Deals       []deals.Deal `json:"deals"`
}

func NewListDealsTool(service DealService) *ListDealsTool {
	return &ListDealsTool{service: service}
}

func (t *ListDealsTool) Name() string {
	return "deals_today"
}

func (t *ListDealsTool) Description() string {
	return "List today's Amazon arbitrage deals ranked by score, with BUY/WATCH/PASS decisions."
}

func (t *ListDealsTool) InputSchema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"min_score": {"type": "integer", "description": "Minimum deal score", "minimum": 0, "maximum": 100},
			"decision": {"type": "string", "enum": ["BUY", "WATCH", "PASS"], "description": "Only deals with this decision"},
			"limit": {"type": "integer", "description": "Maximum number of deals (default 20)", "maximum": 100}
		}
	}`)
}

func (t *ListDealsTool) OutputSchema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"run_id": {"type": "string"},
			"generated_at": {"type": "string", "format": "date-time"},
			"count": {"type": "integer"},
			"deals": {"type": "array", "items": {"type": "object"}}
		}
	}`)
}

func (t *ListDealsTool) Execute(tc *core.ToolContext) *core.ToolExecResult {
	var input ListDealsInput
	if err := parseInput(tc.Request, &input); err != nil {
		return errorResult(err)
	}

	filter := pipeline.Filter{MinScore: input.MinScore}
	if strings.TrimSpace(input.Decision) != "" {
		d, err := deals.ParseDecision(input.Decision)
		if err != nil {
			return errorResult(err)
		}
		filter.Decision = d
	}
	if input.Limit <= 0 {
		input.Limit = 20
	}

	report, err := t.service.ListDeals(tc.Ctx, filter)
	if err != nil {
		return upstreamResult(fmt.Errorf("list deals failed: %w", err))
	}

	list := report.Deals
	if len(list) > input.Limit {
		list = list[:input.Limit]
	}

	return &core.ToolExecResult{
		Status: core.ToolComplete,
		Output: ListDealsOutput{
			RunID:       report.RunID,
			GeneratedAt: report.GeneratedAt.Format(time.RFC3339),
			Count:       len(list),
			Deals:       list,
		},
		Metadata: map[string]any{"matched": report.Count},
	}
}

// === Single item scoring ===

// ScoreItemTool evaluates one ASIN or Amazon URL.
type ScoreItemTool struct {
	service DealService
}

type ScoreItemInput struct {
	Query string `json:"query"` // ASIN or Amazon product URL
}

func NewScoreItemTool(service DealService) *ScoreItemTool {
	return &ScoreItemTool{service: service}
}

func (t *ScoreItemTool) Name() string {
	return "score_item"
}

func (t *ScoreItemTool) Description() string {
	return "Score a single Amazon product (ASIN or product URL) for arbitrage resale."
}

func (t *ScoreItemTool) InputSchema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "ASIN or Amazon product URL"}
		},
		"required": ["query"]
	}`)
}

func (t *ScoreItemTool) OutputSchema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"asin": {"type": "string"},
			"score": {"type": "integer"},
			"decision": {"type": "string"},
			"profit": {"type": "number"},
			"roi": {"type": "number"},
			"risks": {"type": "array", "items": {"type": "string"}}
		}
	}`)
}

func (t *ScoreItemTool) Execute(tc *core.ToolContext) *core.ToolExecResult {
	var input ScoreItemInput
	if err := parseInput(tc.Request, &input); err != nil {
		return errorResult(err)
	}

	deal, err := t.service.ScoreOne(tc.Ctx, input.Query)
	if err != nil {
		var nf *pipeline.NotFoundError
		if errors.As(err, &nf) || errors.Is(err, pipeline.ErrEmptyQuery) || errors.Is(err, pipeline.ErrMultipleIDs) {
			return errorResult(err)
		}
		return upstreamResult(fmt.Errorf("score failed: %w", err))
	}

	return &core.ToolExecResult{
		Status: core.ToolComplete,
		Output: deal,
	}
}

// === Helpers ===

func parseInput(msg *core.Message, v interface{}) error {
	if msg == nil || msg.ToolReq == nil {
		return fmt.Errorf("no tool request")
	}

	// Try InputRaw first
	if len(msg.ToolReq.InputRaw) > 0 {
		return json.Unmarshal(msg.ToolReq.InputRaw, v)
	}

	// Fall back to Input
	if msg.ToolReq.Input != nil {
		data, err := json.Marshal(msg.ToolReq.Input)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, v)
	}

	return nil
}

func errorResult(err error) *core.ToolExecResult {
	return &core.ToolExecResult{
		Status: core.ToolFailed,
		Error:  err.Error(),
	}
}

// upstreamResult marks provider outages retriable.
func upstreamResult(err error) *core.ToolExecResult {
	res := errorResult(err)
	res.Retriable = errors.Is(err, keepa.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
	return res
}

// RegisterDealTools registers the deal tools with the registry.
func RegisterDealTools(registry *core.ToolRegistry, service DealService) {
	// Both tools only read upstream data; each call spends Keepa tokens.
	policy := core.ToolPolicy{
		MaxRetries:      1,
		Retriable:       true,
		DefaultTimeout:  60 * time.Second,
		RateLimitPerSec: 1.0,
		Burst:           5,
		LimitKey:        "keepa",
	}

	registry.Register(NewListDealsTool(service), policy, core.RiskClassReadOnly)
	registry.Register(NewScoreItemTool(service), policy, core.RiskClassReadOnly)
}
