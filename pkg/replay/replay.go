// Package replay evaluates recorded Keepa product snapshots against one or
// more policy variants, so threshold changes can be compared offline before
// they are deployed.
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/keepa"
	"github.com/phenomenon0/dealscout/pkg/pipeline"
)

// Snapshot is a recorded set of product records. A raw Keepa /product
// response body decodes into it as well.
type Snapshot struct {
	CapturedAt time.Time       `json:"capturedAt,omitempty"`
	Domain     int             `json:"domain,omitempty"`
	Products   []keepa.Product `json:"products"`
}

// Variant is a named policy to evaluate.
type Variant struct {
	Name   string
	Policy *deals.Policy
}

// Result holds the outcome of one variant over a snapshot.
type Result struct {
	Variant   string                 `json:"variant"`
	Evaluated int                    `json:"evaluated"`
	Skipped   int                    `json:"skipped"`
	NoPrice   int                    `json:"no_price"`
	Decisions map[deals.Decision]int `json:"decisions"`
	AvgScore  decimal.Decimal        `json:"avg_score"`

	// One unit of every BUY deal.
	BuyCapital decimal.Decimal `json:"buy_capital"`
	BuyProfit  decimal.Decimal `json:"buy_profit"`
	BuyROI     decimal.Decimal `json:"buy_roi"`

	Deals []deals.Deal `json:"deals,omitempty"`
}

// Change is a product whose decision differs between two results.
type Change struct {
	ASIN      string         `json:"asin"`
	From      deals.Decision `json:"from"`
	To        deals.Decision `json:"to"`
	FromScore int            `json:"from_score"`
	ToScore   int            `json:"to_score"`
}

// LoadFile reads one snapshot file.
func LoadFile(filename string) (*Snapshot, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var snap Snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return &snap, nil
}

// Load reads a snapshot file, or every *.json file in a directory merged
// into one snapshot. Later files win on duplicate ASINs.
func Load(path string) (*Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	files, err := filepath.Glob(filepath.Join(path, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	merged := &Snapshot{}
	index := make(map[string]int)
	for _, f := range files {
		snap, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		if snap.CapturedAt.After(merged.CapturedAt) {
			merged.CapturedAt = snap.CapturedAt
		}
		if merged.Domain == 0 {
			merged.Domain = snap.Domain
		}
		for _, p := range snap.Products {
			key := strings.ToUpper(p.ASIN)
			if i, ok := index[key]; ok {
				merged.Products[i] = p
				continue
			}
			index[key] = len(merged.Products)
			merged.Products = append(merged.Products, p)
		}
	}
	return merged, nil
}

// Save writes a snapshot as indented JSON.
func Save(snap *Snapshot, filename string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return os.WriteFile(filename, data, 0o644)
}

// Run evaluates every variant over the snapshot.
func Run(snap *Snapshot, variants ...Variant) []Result {
	results := make([]Result, 0, len(variants))
	for _, v := range variants {
		results = append(results, evaluate(snap, v))
	}
	return results
}

func evaluate(snap *Snapshot, v Variant) Result {
	policy := v.Policy
	if policy == nil {
		policy = deals.DefaultPolicy()
	}

	res := Result{
		Variant:   v.Name,
		Decisions: make(map[deals.Decision]int),
		Deals:     make([]deals.Deal, 0, len(snap.Products)),
	}

	totalScore := 0
	for i := range snap.Products {
		p := &snap.Products[i]
		if !p.Exists() {
			res.Skipped++
			continue
		}

		b, risks := deals.Normalize(p, policy)
		d := deals.BuildDeal(b, risks, policy)
		res.Deals = append(res.Deals, d)
		res.Evaluated++
		res.Decisions[d.Decision]++
		totalScore += d.Score

		if !b.PriceResolved {
			res.NoPrice++
			continue
		}
		if d.Decision == deals.DecisionBuy {
			res.BuyCapital = res.BuyCapital.Add(b.LandedCost)
			res.BuyProfit = res.BuyProfit.Add(b.Profit)
		}
	}

	if res.Evaluated > 0 {
		res.AvgScore = decimal.NewFromInt(int64(totalScore)).Div(decimal.NewFromInt(int64(res.Evaluated))).Round(2)
	}
	if res.BuyCapital.IsPositive() {
		res.BuyROI = res.BuyProfit.Div(res.BuyCapital).Round(4)
	}
	pipeline.Rank(res.Deals)
	return res
}

// Diff lists products whose decision differs from base to other, ordered by
// ASIN.
func Diff(base, other Result) []Change {
	before := make(map[string]deals.Deal, len(base.Deals))
	for _, d := range base.Deals {
		before[d.ASIN] = d
	}

	var changes []Change
	for _, d := range other.Deals {
		prev, ok := before[d.ASIN]
		if !ok || prev.Decision == d.Decision {
			continue
		}
		changes = append(changes, Change{
			ASIN:      d.ASIN,
			From:      prev.Decision,
			To:        d.Decision,
			FromScore: prev.Score,
			ToScore:   d.Score,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].ASIN < changes[j].ASIN })
	return changes
}
