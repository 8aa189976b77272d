package arbitrage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/dealscout/core"
	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/keepa"
	"github.com/phenomenon0/dealscout/pkg/pipeline"
)

type fakeService struct {
	report    *pipeline.Report
	listErr   error
	listCalls int
	filter    pipeline.Filter
	scored    map[string]deals.Deal
	scoreErr  error
}

func (f *fakeService) ListDeals(ctx context.Context, filter pipeline.Filter) (*pipeline.Report, error) {
	f.filter = filter
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := *f.report
	out.Deals = pipeline.Apply(f.report.Deals, filter)
	out.Count = len(out.Deals)
	return &out, nil
}

func (f *fakeService) ScoreOne(ctx context.Context, query string) (*deals.Deal, error) {
	if f.scoreErr != nil {
		return nil, f.scoreErr
	}
	if query == "" {
		return nil, pipeline.ErrEmptyQuery
	}
	d, ok := f.scored[query]
	if !ok {
		return nil, &pipeline.NotFoundError{ID: query}
	}
	return &d, nil
}

func newService() *fakeService {
	return &fakeService{
		report: &pipeline.Report{
			RunID:       "run-1",
			GeneratedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
			Deals: []deals.Deal{
				{ASIN: "B00GOOD001", Score: 85, Decision: deals.DecisionBuy},
				{ASIN: "B00OKAY001", Score: 59, Decision: deals.DecisionBuy},
				{ASIN: "B00NOPR001", Score: 0, Decision: deals.DecisionWatch},
			},
		},
		scored: map[string]deals.Deal{
			"B00GOOD001": {ASIN: "B00GOOD001", Score: 85, Decision: deals.DecisionBuy},
		},
	}
}

func registry(svc DealService) *core.ToolRegistry {
	r := core.NewToolRegistry()
	RegisterDealTools(r, svc)
	return r
}

func TestDescriptors(t *testing.T) {
	descs := registry(newService()).Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "deals_today", descs[0].Name)
	assert.Equal(t, "score_item", descs[1].Name)

	for _, d := range descs {
		assert.NotEmpty(t, d.Description)
		assert.True(t, json.Valid(d.InputSchema), "%s input schema", d.Name)
		assert.True(t, json.Valid(d.OutputSchema), "%s output schema", d.Name)
		assert.Equal(t, core.RiskClassReadOnly, d.RiskClass)
	}
}

func TestListDealsTool(t *testing.T) {
	svc := newService()
	res := registry(svc).Execute(context.Background(), "deals_today",
		json.RawMessage(`{"min_score": 50, "decision": "buy", "limit": 1}`))

	require.Equal(t, core.ToolComplete, res.Status, res.Error)
	assert.Equal(t, pipeline.Filter{MinScore: 50, Decision: deals.DecisionBuy}, svc.filter)

	out, ok := res.Output.(ListDealsOutput)
	require.True(t, ok)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "B00GOOD001", out.Deals[0].ASIN)
	assert.Equal(t, "2026-05-01T00:00:00Z", out.GeneratedAt)
	assert.Equal(t, 2, res.Metadata["matched"])
}

func TestListDealsToolInvalidDecision(t *testing.T) {
	res := registry(newService()).Execute(context.Background(), "deals_today",
		json.RawMessage(`{"decision": "MAYBE"}`))
	assert.Equal(t, core.ToolFailed, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestListDealsToolUpstreamError(t *testing.T) {
	svc := newService()
	svc.listErr = errors.New("keepa down")

	res := registry(svc).Execute(context.Background(), "deals_today", nil)
	assert.Equal(t, core.ToolFailed, res.Status)
	assert.Contains(t, res.Error, "keepa down")
	assert.False(t, res.Retriable)
	assert.Equal(t, 1, svc.listCalls)
}

func TestListDealsToolRetriesUnavailable(t *testing.T) {
	svc := newService()
	svc.listErr = fmt.Errorf("discover: %w", keepa.ErrUnavailable)

	res := registry(svc).Execute(context.Background(), "deals_today", nil)
	assert.Equal(t, core.ToolFailed, res.Status)
	assert.True(t, res.Retriable)
	assert.Equal(t, 2, svc.listCalls, "one retry under the registered policy")
	assert.Equal(t, 2, res.Metadata["attempts"])
}

func TestScoreItemToolRejectsLists(t *testing.T) {
	svc := newService()
	svc.scoreErr = pipeline.ErrMultipleIDs

	res := registry(svc).Execute(context.Background(), "score_item", json.RawMessage(`{"query":"A,B"}`))
	assert.Equal(t, core.ToolFailed, res.Status)
	assert.False(t, res.Retriable)
	assert.Equal(t, "query must name a single product", res.Error)
}

func TestScoreItemTool(t *testing.T) {
	r := registry(newService())

	res := r.Execute(context.Background(), "score_item", json.RawMessage(`{"query":"B00GOOD001"}`))
	require.Equal(t, core.ToolComplete, res.Status, res.Error)
	d, ok := res.Output.(*deals.Deal)
	require.True(t, ok)
	assert.Equal(t, 85, d.Score)

	res = r.Execute(context.Background(), "score_item", json.RawMessage(`{"query":"NOTREAL1"}`))
	assert.Equal(t, core.ToolFailed, res.Status)
	assert.Equal(t, "No product found for NOTREAL1", res.Error)

	res = r.Execute(context.Background(), "score_item", json.RawMessage(`{}`))
	assert.Equal(t, core.ToolFailed, res.Status)
	assert.Equal(t, "query is required", res.Error)
}

func TestExecuteUnknownTool(t *testing.T) {
	res := registry(newService()).Execute(context.Background(), "place_order", nil)
	assert.Equal(t, core.ToolFailed, res.Status)
	assert.Contains(t, res.Error, "place_order")
}

func TestExecuteCanceled(t *testing.T) {
	svc := newService()
	svc.listErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := registry(svc).Execute(ctx, "deals_today", nil)
	assert.Equal(t, core.ToolCanceled, res.Status)
}
