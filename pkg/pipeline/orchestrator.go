// Package pipeline runs the deal evaluation workflow: discovery, bulk
// product fetch, normalization, scoring and ranking.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/keepa"
)

// Source is the upstream product data provider. *keepa.Client satisfies it.
type Source interface {
	Query(ctx context.Context, sel keepa.Selection) (*keepa.FinderResult, error)
	Products(ctx context.Context, asins []string) ([]keepa.Product, error)
}

// Stage represents a stage in the deal workflow.
type Stage string

const (
	StageDiscovery Stage = "discovery"
	StageFetch     Stage = "product_fetch"
	StageEvaluate  Stage = "evaluate"
	StageRank      Stage = "rank"
	StageScoreOne  Stage = "score_one"
)

// StageResult holds the result of a stage execution.
type StageResult struct {
	RunID     string        `json:"run_id"`
	Stage     Stage         `json:"stage"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Data      interface{}   `json:"data,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrNotFound is returned by ScoreOne when Keepa has no record.
var ErrNotFound = errors.New("product not found")

// ErrEmptyQuery is returned by ScoreOne for a blank identifier.
var ErrEmptyQuery = errors.New("query is required")

// ErrMultipleIDs is returned by ScoreOne when the query lists more than one
// identifier.
var ErrMultipleIDs = errors.New("query must name a single product")

// NotFoundError names the identifier that resolved to nothing.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "No product found for " + e.ID
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Config configures the orchestrator.
type Config struct {
	// BatchSize caps candidates per run. Keepa takes at most 100 ASINs per call.
	BatchSize int
	// Workers bounds concurrent per-candidate evaluation.
	Workers int

	// Pre-filter
	RequireFBAOffer bool
	PriceBandMin    decimal.Decimal // zero disables
	PriceBandMax    decimal.Decimal // zero disables

	Policy *deals.Policy
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:    keepa.MaxProductsPerRequest,
		Workers:      8,
		PriceBandMin: decimal.NewFromInt(10),
		PriceBandMax: decimal.NewFromInt(200),
		Policy:       deals.DefaultPolicy(),
	}
}

// Filter narrows a report. A zero Filter keeps everything.
type Filter struct {
	MinScore int
	Decision deals.Decision // empty matches any
}

func (f Filter) match(d *deals.Deal) bool {
	if d.Score < f.MinScore {
		return false
	}
	return f.Decision == "" || d.Decision == f.Decision
}

// Report is the ranked output of one ListDeals run.
type Report struct {
	RunID       string       `json:"runId"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Count       int          `json:"count"`
	Deals       []deals.Deal `json:"deals"`

	Stats RunStats `json:"-"`
}

// RunStats counts candidates through the stages.
type RunStats struct {
	Discovered  int
	Fetched     int
	Prefiltered int
	Evaluated   int
	Returned    int
	Fallback    bool
}

// Orchestrator coordinates the deal workflow. Callbacks must be registered
// before the first run.
type Orchestrator struct {
	config     *Config
	source     Source
	discoverer *Discoverer
	logger     *slog.Logger

	onStageComplete []func(*StageResult)
	onReport        []func(*Report)
}

// NewOrchestrator creates a new workflow orchestrator.
func NewOrchestrator(config *Config, source Source, discoverer *Discoverer, logger *slog.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Policy == nil {
		config.Policy = deals.DefaultPolicy()
	}
	if config.BatchSize <= 0 || config.BatchSize > keepa.MaxProductsPerRequest {
		config.BatchSize = keepa.MaxProductsPerRequest
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if discoverer == nil {
		dc := DefaultDiscoveryConfig()
		dc.PerPage = config.BatchSize
		discoverer = NewDiscoverer(source, dc, logger)
	}

	return &Orchestrator{
		config:     config,
		source:     source,
		discoverer: discoverer,
		logger:     logger,
	}
}

// OnStageComplete adds a callback for stage completions.
func (o *Orchestrator) OnStageComplete(fn func(*StageResult)) {
	o.onStageComplete = append(o.onStageComplete, fn)
}

// OnReport adds a callback invoked with every finished ListDeals report,
// before caller filters are applied.
func (o *Orchestrator) OnReport(fn func(*Report)) {
	o.onReport = append(o.onReport, fn)
}

// Policy returns the active evaluation policy.
func (o *Orchestrator) Policy() *deals.Policy {
	return o.config.Policy
}

// ListDeals runs discovery through ranking and returns deals sorted by score,
// filtered by f.
func (o *Orchestrator) ListDeals(ctx context.Context, f Filter) (*Report, error) {
	runID := uuid.NewString()
	log := o.logger.With("run_id", runID)

	report := &Report{
		RunID:       runID,
		GeneratedAt: time.Now().UTC(),
		Deals:       []deals.Deal{},
	}

	// Discovery
	var disc *Discovery
	err := o.runStage(runID, StageDiscovery, func() (interface{}, error) {
		var err error
		disc, err = o.discoverer.Discover(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"candidates":    len(disc.ASINs),
			"total_results": disc.TotalResults,
			"fallback":      disc.Fallback,
		}, nil
	})
	if err != nil {
		log.Error("discovery failed", "stage", StageDiscovery, "error", err)
		return nil, err
	}
	report.Stats.Discovered = len(disc.ASINs)
	report.Stats.Fallback = disc.Fallback

	if len(disc.ASINs) == 0 {
		log.Info("no candidates discovered")
		o.emitReport(report)
		return report, nil
	}

	asins := disc.ASINs
	if len(asins) > o.config.BatchSize {
		asins = asins[:o.config.BatchSize]
	}

	// Bulk fetch
	var products []keepa.Product
	err = o.runStage(runID, StageFetch, func() (interface{}, error) {
		var err error
		products, err = o.source.Products(ctx, asins)
		if err != nil {
			return nil, fmt.Errorf("fetch products: %w", err)
		}
		return map[string]interface{}{
			"requested": len(asins),
			"returned":  len(products),
		}, nil
	})
	if err != nil {
		log.Error("product fetch failed", "stage", StageFetch, "candidates", len(asins), "error", err)
		return nil, err
	}
	report.Stats.Fetched = len(products)

	// Normalize, pre-filter, score, classify
	var evaluated []deals.Deal
	err = o.runStage(runID, StageEvaluate, func() (interface{}, error) {
		var dropped int
		var err error
		evaluated, dropped, err = o.evaluate(ctx, products)
		if err != nil {
			return nil, err
		}
		report.Stats.Prefiltered = dropped
		return map[string]interface{}{
			"evaluated":   len(evaluated),
			"prefiltered": dropped,
		}, nil
	})
	if err != nil {
		log.Error("evaluation failed", "stage", StageEvaluate, "error", err)
		return nil, err
	}
	report.Stats.Evaluated = len(evaluated)

	// Rank
	_ = o.runStage(runID, StageRank, func() (interface{}, error) {
		Rank(evaluated)
		return map[string]interface{}{"ranked": len(evaluated)}, nil
	})

	report.Deals = evaluated
	report.Count = len(evaluated)
	o.emitReport(report)

	filtered := *report
	filtered.Deals = Apply(evaluated, f)
	filtered.Count = len(filtered.Deals)
	filtered.Stats.Returned = filtered.Count

	log.Info("deals listed",
		"discovered", report.Stats.Discovered,
		"fetched", report.Stats.Fetched,
		"evaluated", report.Stats.Evaluated,
		"returned", filtered.Count,
		"fallback", report.Stats.Fallback)

	return &filtered, nil
}

// ScoreOne evaluates a single identifier. It returns a *NotFoundError
// wrapping ErrNotFound when Keepa has no record.
func (o *Orchestrator) ScoreOne(ctx context.Context, query string) (*deals.Deal, error) {
	id := keepa.NormalizeASIN(query)
	if id == "" {
		return nil, ErrEmptyQuery
	}
	if strings.ContainsRune(id, ',') {
		return nil, ErrMultipleIDs
	}

	var deal *deals.Deal
	err := o.runStage("", StageScoreOne, func() (interface{}, error) {
		products, err := o.source.Products(ctx, []string{id})
		if err != nil {
			return nil, fmt.Errorf("fetch product %s: %w", id, err)
		}
		for i := range products {
			p := &products[i]
			if strings.EqualFold(p.ASIN, id) && p.Exists() {
				d := deals.Evaluate(p, o.config.Policy)
				deal = &d
				return map[string]interface{}{"asin": id, "score": d.Score, "decision": d.Decision}, nil
			}
		}
		return map[string]interface{}{"asin": id, "found": false}, nil
	})
	if err != nil {
		o.logger.Error("score failed", "stage", StageScoreOne, "asin", id, "error", err)
		return nil, err
	}
	if deal == nil {
		return nil, &NotFoundError{ID: id}
	}
	return deal, nil
}

// evaluate normalizes every product on a bounded worker group. Results land
// in index slots so output order does not depend on scheduling.
func (o *Orchestrator) evaluate(ctx context.Context, products []keepa.Product) ([]deals.Deal, int, error) {
	slots := make([]*deals.Deal, len(products))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Workers)

	for i := range products {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := &products[i]
			if !p.Exists() {
				o.logger.Debug("skipping empty product record", "asin", p.ASIN)
				return nil
			}
			b, risks := deals.Normalize(p, o.config.Policy)
			if !o.keep(b) {
				return nil
			}
			d := deals.BuildDeal(b, risks, o.config.Policy)
			slots[i] = &d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("evaluate: %w", err)
	}

	out := make([]deals.Deal, 0, len(products))
	dropped := 0
	for i, d := range slots {
		if d == nil {
			if products[i].Exists() {
				dropped++
			}
			continue
		}
		out = append(out, *d)
	}
	return out, dropped, nil
}

// keep applies the optional pre-filter. The price band only judges resolved
// prices; records without one stay in as "No price data" deals.
func (o *Orchestrator) keep(b deals.SignalBundle) bool {
	if o.config.RequireFBAOffer && !b.HasFBAOffer {
		return false
	}
	if !b.PriceResolved {
		return true
	}
	if o.config.PriceBandMin.IsPositive() && b.SalePrice.LessThan(o.config.PriceBandMin) {
		return false
	}
	if o.config.PriceBandMax.IsPositive() && b.SalePrice.GreaterThan(o.config.PriceBandMax) {
		return false
	}
	return true
}

// Rank sorts deals by score descending, ties by ASIN.
func Rank(ds []deals.Deal) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Score != ds[j].Score {
			return ds[i].Score > ds[j].Score
		}
		return ds[i].ASIN < ds[j].ASIN
	})
}

// Apply returns the deals matching f, preserving order. Never nil.
func Apply(ds []deals.Deal, f Filter) []deals.Deal {
	out := make([]deals.Deal, 0, len(ds))
	for i := range ds {
		if f.match(&ds[i]) {
			out = append(out, ds[i])
		}
	}
	return out
}

func (o *Orchestrator) runStage(runID string, stage Stage, fn func() (interface{}, error)) error {
	start := time.Now()
	data, err := fn()

	result := &StageResult{
		RunID:     runID,
		Stage:     stage,
		Success:   err == nil,
		Data:      data,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	for _, cb := range o.onStageComplete {
		cb(result)
	}

	return err
}

func (o *Orchestrator) emitReport(r *Report) {
	for _, cb := range o.onReport {
		cb(r)
	}
}
