package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/keepa"
)

type fakeSource struct {
	mu sync.Mutex

	asins       []string
	queryErr    error
	products    map[string]string
	productsErr error

	selections []keepa.Selection
	requested  [][]string
}

func (f *fakeSource) Query(ctx context.Context, sel keepa.Selection) (*keepa.FinderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selections = append(f.selections, sel)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &keepa.FinderResult{ASINs: f.asins, TotalResults: len(f.asins)}, nil
}

func (f *fakeSource) Products(ctx context.Context, asins []string) ([]keepa.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, append([]string(nil), asins...))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.productsErr != nil {
		return nil, f.productsErr
	}

	out := make([]keepa.Product, 0, len(asins))
	for _, a := range asins {
		raw, ok := f.products[a]
		if !ok {
			out = append(out, keepa.Product{ASIN: a})
			continue
		}
		var p keepa.Product
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// rawProduct builds a product record; negative arguments are left out.
func rawProduct(asin string, priceCents, drops90, fbaOffers int) string {
	stats := map[string]interface{}{
		"current": []int{-1, priceCents, -1, 5000, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, 46, 300},
	}
	if drops90 >= 0 {
		stats["salesRankDrops90"] = drops90
	}
	if fbaOffers >= 0 {
		stats["offerCountFBA"] = fbaOffers
	}
	p := map[string]interface{}{
		"asin":               asin,
		"title":              "Product " + asin,
		"buyBoxPriceHistory": []int{1, priceCents},
		"stats":              stats,
	}
	b, _ := json.Marshal(p)
	return string(b)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(src *fakeSource, mutate func(*Config, *DiscoveryConfig)) *Orchestrator {
	cfg := DefaultConfig()
	dc := DefaultDiscoveryConfig()
	if mutate != nil {
		mutate(cfg, &dc)
	}
	return NewOrchestrator(cfg, src, NewDiscoverer(src, dc, quietLogger()), quietLogger())
}

func sampleSource() *fakeSource {
	return &fakeSource{
		asins: []string{"B00GOOD001", "B00OKAY001", "B00POOR001", "B00NOPR001"},
		products: map[string]string{
			"B00GOOD001": rawProduct("B00GOOD001", 2999, 60, 2),
			"B00OKAY001": rawProduct("B00OKAY001", 1899, 9, 5),
			"B00POOR001": rawProduct("B00POOR001", 1100, 3, 12),
			"B00NOPR001": `{"asin":"B00NOPR001","title":"No price","stats":{"salesRankDrops90":6}}`,
		},
	}
}

func TestListDealsSortedAndFiltered(t *testing.T) {
	src := sampleSource()
	o := newTestOrchestrator(src, nil)

	report, err := o.ListDeals(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, report.Deals, 4)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.GeneratedAt.IsZero())
	assert.Equal(t, 4, report.Count)

	for i := 1; i < len(report.Deals); i++ {
		assert.GreaterOrEqual(t, report.Deals[i-1].Score, report.Deals[i].Score, "deals not sorted at %d", i)
	}
	assert.Equal(t, "B00GOOD001", report.Deals[0].ASIN)
	assert.Equal(t, deals.DecisionBuy, report.Deals[0].Decision)

	minScore := report.Deals[1].Score
	filtered, err := o.ListDeals(context.Background(), Filter{MinScore: minScore})
	require.NoError(t, err)
	for _, d := range filtered.Deals {
		assert.GreaterOrEqual(t, d.Score, minScore)
	}
	assert.Equal(t, len(filtered.Deals), filtered.Count)

	buys, err := o.ListDeals(context.Background(), Filter{Decision: deals.DecisionBuy})
	require.NoError(t, err)
	require.NotEmpty(t, buys.Deals)
	for _, d := range buys.Deals {
		assert.Equal(t, deals.DecisionBuy, d.Decision)
	}
}

func TestListDealsSelection(t *testing.T) {
	src := sampleSource()
	o := newTestOrchestrator(src, func(c *Config, dc *DiscoveryConfig) {
		dc.PerPage = 40
	})

	_, err := o.ListDeals(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, src.selections, 1)

	sel := src.selections[0]
	assert.Equal(t, 1, sel.CurrentSalesGTE)
	assert.Equal(t, 250000, sel.CurrentSalesLTE)
	assert.Equal(t, 1000, sel.CurrentNewGTE)
	assert.Equal(t, 20000, sel.CurrentNewLTE)
	assert.Equal(t, 1, sel.SalesRankDrops90GTE)
	assert.Equal(t, 40, sel.PerPage)
}

func TestListDealsEmptyDiscovery(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(src, nil)

	report, err := o.ListDeals(context.Background(), Filter{})
	require.NoError(t, err)
	assert.NotNil(t, report.Deals)
	assert.Empty(t, report.Deals)
	assert.Empty(t, src.requested, "no product fetch without candidates")
}

func TestListDealsFallbackIsOptIn(t *testing.T) {
	src := &fakeSource{products: map[string]string{
		"B0SEED0001": rawProduct("B0SEED0001", 2500, 30, 3),
	}}
	o := newTestOrchestrator(src, func(c *Config, dc *DiscoveryConfig) {
		dc.AllowFallback = true
		dc.FallbackASINs = []string{"b0seed0001", "B0SEED0001"}
	})

	report, err := o.ListDeals(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, src.requested, 1)
	assert.Equal(t, []string{"B0SEED0001"}, src.requested[0])
	require.Len(t, report.Deals, 1)
	assert.True(t, report.Stats.Fallback)
}

func TestListDealsUpstreamErrors(t *testing.T) {
	apiErr := &keepa.APIError{StatusCode: 200, Type: "invalidKey", Message: "bad key"}

	t.Run("discovery", func(t *testing.T) {
		o := newTestOrchestrator(&fakeSource{queryErr: apiErr}, nil)
		_, err := o.ListDeals(context.Background(), Filter{})
		var got *keepa.APIError
		require.ErrorAs(t, err, &got)
		assert.Equal(t, "invalidKey", got.Type)
	})

	t.Run("fetch unavailable", func(t *testing.T) {
		src := sampleSource()
		src.productsErr = fmt.Errorf("%w: product: timeout", keepa.ErrUnavailable)
		o := newTestOrchestrator(src, nil)
		_, err := o.ListDeals(context.Background(), Filter{})
		assert.ErrorIs(t, err, keepa.ErrUnavailable)
	})
}

func TestListDealsBatchCap(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 30; i++ {
		src.asins = append(src.asins, fmt.Sprintf("B00CAP%04d", i))
	}
	o := newTestOrchestrator(src, func(c *Config, dc *DiscoveryConfig) {
		c.BatchSize = 7
	})

	_, err := o.ListDeals(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, src.requested, 1)
	assert.Len(t, src.requested[0], 7)
}

func TestListDealsPrefilter(t *testing.T) {
	src := &fakeSource{
		asins: []string{"B00FBA0001", "B00NOFBA01", "B00CHEAP01", "B00PRICEY1"},
		products: map[string]string{
			"B00FBA0001": rawProduct("B00FBA0001", 3000, 30, 2),
			"B00NOFBA01": rawProduct("B00NOFBA01", 3000, 30, 0),
			"B00CHEAP01": rawProduct("B00CHEAP01", 500, 30, 2),
			"B00PRICEY1": rawProduct("B00PRICEY1", 45000, 30, 2),
		},
	}
	o := newTestOrchestrator(src, func(c *Config, dc *DiscoveryConfig) {
		c.RequireFBAOffer = true
		c.PriceBandMin = decimal.NewFromInt(10)
		c.PriceBandMax = decimal.NewFromInt(200)
	})

	report, err := o.ListDeals(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, report.Deals, 1)
	assert.Equal(t, "B00FBA0001", report.Deals[0].ASIN)
}

func TestListDealsSkipsMissingRecords(t *testing.T) {
	src := &fakeSource{
		asins:    []string{"B00REAL001", "B00GHOST01"},
		products: map[string]string{"B00REAL001": rawProduct("B00REAL001", 3000, 30, 2)},
	}
	o := newTestOrchestrator(src, nil)

	report, err := o.ListDeals(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, report.Deals, 1)
	assert.Equal(t, "B00REAL001", report.Deals[0].ASIN)
}

func TestListDealsCancelled(t *testing.T) {
	src := sampleSource()
	o := newTestOrchestrator(src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.ListDeals(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListDealsCallbacks(t *testing.T) {
	src := sampleSource()
	o := newTestOrchestrator(src, nil)

	var stages []Stage
	var reports []*Report
	o.OnStageComplete(func(r *StageResult) {
		assert.True(t, r.Success, "stage %s failed: %s", r.Stage, r.Error)
		assert.NotEmpty(t, r.RunID)
		stages = append(stages, r.Stage)
	})
	o.OnReport(func(r *Report) { reports = append(reports, r) })

	report, err := o.ListDeals(context.Background(), Filter{Decision: deals.DecisionPass})
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageDiscovery, StageFetch, StageEvaluate, StageRank}, stages)
	require.Len(t, reports, 1)
	assert.Equal(t, report.RunID, reports[0].RunID)
	assert.Len(t, reports[0].Deals, 4, "report callbacks see the unfiltered run")
}

func TestScoreOne(t *testing.T) {
	src := sampleSource()
	o := newTestOrchestrator(src, nil)

	deal, err := o.ScoreOne(context.Background(), "  b00good001 ")
	require.NoError(t, err)
	assert.Equal(t, "B00GOOD001", deal.ASIN)
	assert.Equal(t, deals.DecisionBuy, deal.Decision)
	assert.Equal(t, []string{"B00GOOD001"}, src.requested[0])
}

func TestScoreOneNotFound(t *testing.T) {
	o := newTestOrchestrator(sampleSource(), nil)

	_, err := o.ScoreOne(context.Background(), "NOTREAL1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "No product found for NOTREAL1", err.Error())

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "NOTREAL1", nf.ID)
}

func TestScoreOneEmptyQuery(t *testing.T) {
	src := sampleSource()
	o := newTestOrchestrator(src, nil)

	_, err := o.ScoreOne(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Empty(t, src.requested)
}

func TestScoreOneRejectsIdentifierLists(t *testing.T) {
	src := sampleSource()
	o := newTestOrchestrator(src, nil)

	for _, q := range []string{"B00GOOD001,B00OKAY001", "B00GOOD001, B00OKAY001", ","} {
		_, err := o.ScoreOne(context.Background(), q)
		assert.ErrorIs(t, err, ErrMultipleIDs, q)
	}
	assert.Empty(t, src.requested)
}

func TestRankTiesByASIN(t *testing.T) {
	ds := []deals.Deal{
		{ASIN: "C", Score: 50},
		{ASIN: "A", Score: 50},
		{ASIN: "B", Score: 70},
	}
	Rank(ds)
	assert.Equal(t, "B", ds[0].ASIN)
	assert.Equal(t, "A", ds[1].ASIN)
	assert.Equal(t, "C", ds[2].ASIN)
}
