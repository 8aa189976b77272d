// dealeval replays recorded Keepa product snapshots through the deal policy
// and compares threshold variants offline.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/keepa"
	"github.com/phenomenon0/dealscout/pkg/replay"
)

var (
	// Input flags
	dataPath   = flag.String("data", "", "Snapshot file or directory of *.json snapshots")
	capture    = flag.String("capture", "", "Comma-separated ASINs to fetch from Keepa and save to -data before replaying")
	outputFile = flag.String("output", "", "Output file for results (JSON or CSV)")
	verbose    = flag.Bool("verbose", false, "Print every deal and decision change")

	// Variant flags
	buyMinROI       = flag.String("buy-min-roi", "", "BUY ROI threshold for the candidate variant")
	buyMinProfit    = flag.String("buy-min-profit", "", "BUY profit threshold for the candidate variant")
	buyMaxCompeting = flag.Int("buy-max-competing", -1, "BUY competing FBA offer ceiling for the candidate variant")
	acquisitionRate = flag.String("acquisition-rate", "", "Buy cost as a fraction of sale price for the candidate variant")
)

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *capture != "" {
		if err := captureSnapshot(logger); err != nil {
			logger.Error("capture failed", "error", err)
			os.Exit(1)
		}
	}

	if *dataPath == "" {
		logger.Info("no snapshot provided, running demo with synthetic products")
		runDemo()
		return
	}

	snap, err := replay.Load(*dataPath)
	if err != nil {
		logger.Error("failed to load snapshot", "path", *dataPath, "error", err)
		os.Exit(1)
	}

	candidate, changed, err := candidatePolicy()
	if err != nil {
		logger.Error("invalid variant flags", "error", err)
		os.Exit(1)
	}

	variants := []replay.Variant{{Name: "default", Policy: deals.DefaultPolicy()}}
	if changed {
		variants = append(variants, replay.Variant{Name: "candidate", Policy: candidate})
	}

	results := replay.Run(snap, variants...)
	for _, r := range results {
		printResult(r)
	}
	if len(results) == 2 {
		printChanges(replay.Diff(results[0], results[1]))
	}

	if *outputFile != "" {
		if err := exportResults(results, *outputFile); err != nil {
			logger.Error("failed to export results", "error", err)
		} else {
			logger.Info("results exported", "file", *outputFile)
		}
	}
}

// candidatePolicy applies the variant flags to the default policy. changed
// reports whether any flag was set.
func candidatePolicy() (*deals.Policy, bool, error) {
	p := deals.DefaultPolicy()
	changed := false

	setDec := func(name, raw string, dst *decimal.Decimal) error {
		if raw == "" {
			return nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("-%s: not a number: %q", name, raw)
		}
		*dst = d
		changed = true
		return nil
	}

	if err := setDec("buy-min-roi", *buyMinROI, &p.Thresholds.BuyMinROI); err != nil {
		return nil, false, err
	}
	if err := setDec("buy-min-profit", *buyMinProfit, &p.Thresholds.BuyMinProfit); err != nil {
		return nil, false, err
	}
	if err := setDec("acquisition-rate", *acquisitionRate, &p.AcquisitionRate); err != nil {
		return nil, false, err
	}
	if *buyMaxCompeting >= 0 {
		p.Thresholds.BuyMaxCompeting = *buyMaxCompeting
		changed = true
	}
	return p, changed, nil
}

func captureSnapshot(logger *slog.Logger) error {
	if *dataPath == "" {
		return errors.New("-capture needs -data to name the output file")
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	key := strings.TrimSpace(os.Getenv("KEEPA_API_KEY"))
	if key == "" {
		return errors.New("missing required configuration: KEEPA_API_KEY")
	}

	var asins []string
	for _, a := range strings.Split(*capture, ",") {
		if a = keepa.NormalizeASIN(a); a != "" {
			asins = append(asins, a)
		}
	}
	if len(asins) > keepa.MaxProductsPerRequest {
		return fmt.Errorf("at most %d ASINs per capture, got %d", keepa.MaxProductsPerRequest, len(asins))
	}

	client := keepa.NewClient(key)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	products, err := client.Products(ctx, asins)
	if err != nil {
		return err
	}

	snap := &replay.Snapshot{CapturedAt: time.Now().UTC(), Domain: keepa.DomainUS, Products: products}
	if err := replay.Save(snap, *dataPath); err != nil {
		return err
	}
	logger.Info("snapshot captured", "file", *dataPath, "products", len(products), "tokens_left", client.TokensLeft())
	return nil
}

func printResult(r replay.Result) {
	fmt.Println()
	fmt.Printf("==================== %s ====================\n", strings.ToUpper(r.Variant))
	fmt.Println()
	fmt.Printf("  Evaluated:       %d (skipped %d, no price %d)\n", r.Evaluated, r.Skipped, r.NoPrice)
	fmt.Printf("  BUY / WATCH / PASS: %d / %d / %d\n",
		r.Decisions[deals.DecisionBuy],
		r.Decisions[deals.DecisionWatch],
		r.Decisions[deals.DecisionPass])
	fmt.Printf("  Avg Score:       %s\n", r.AvgScore.StringFixed(1))
	fmt.Println()
	fmt.Printf("  BUY Capital:     $%s\n", r.BuyCapital.StringFixed(2))
	fmt.Printf("  BUY Profit:      $%s\n", r.BuyProfit.StringFixed(2))
	fmt.Printf("  BUY ROI:         %s%%\n", r.BuyROI.Mul(decimal.NewFromInt(100)).StringFixed(1))

	if *verbose && len(r.Deals) > 0 {
		fmt.Println()
		for i, d := range r.Deals {
			fmt.Printf("  %3d. %s %-5s score %3d  profit $%7.2f  roi %6.1f%%  %s\n",
				i+1, d.ASIN, d.Decision, d.Score, d.Profit, d.ROI*100, strings.Join(d.Risks, "; "))
		}
	}
}

func printChanges(changes []replay.Change) {
	fmt.Println()
	fmt.Printf("Decision changes (default -> candidate): %d\n", len(changes))
	if !*verbose {
		return
	}
	for _, c := range changes {
		fmt.Printf("  %s  %s -> %s  (score %d -> %d)\n", c.ASIN, c.From, c.To, c.FromScore, c.ToScore)
	}
}

func exportResults(results []replay.Result, filename string) error {
	if strings.HasSuffix(filename, ".csv") {
		return exportCSV(results, filename)
	}
	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	return os.WriteFile(filename, data, 0o644)
}

func exportCSV(results []replay.Result, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	w.Write([]string{"variant", "asin", "decision", "score", "sale_price", "buy_cost", "fees", "profit", "roi", "risks"})
	for _, r := range results {
		for _, d := range r.Deals {
			w.Write([]string{
				r.Variant,
				d.ASIN,
				string(d.Decision),
				strconv.Itoa(d.Score),
				strconv.FormatFloat(d.SalePrice, 'f', 2, 64),
				strconv.FormatFloat(d.BuyCost, 'f', 2, 64),
				strconv.FormatFloat(d.Fees.Total, 'f', 2, 64),
				strconv.FormatFloat(d.Profit, 'f', 2, 64),
				strconv.FormatFloat(d.ROI, 'f', 4, 64),
				strings.Join(d.Risks, "; "),
			})
		}
	}
	w.Flush()
	return w.Error()
}

// runDemo replays a synthetic snapshot under a few threshold variants.
func runDemo() {
	fmt.Println()
	fmt.Println("DEALSCOUT REPLAY DEMO")
	fmt.Println("=====================")
	fmt.Println()

	snap := &replay.Snapshot{CapturedAt: time.Now().UTC(), Domain: keepa.DomainUS}
	for i := 0; i < 40; i++ {
		price := int64(1000 + (i*373)%9000) // $10 to $100
		drops := int64(i % 45)
		fba := int64(i % 11)
		snap.Products = append(snap.Products, keepa.Product{
			ASIN:               fmt.Sprintf("B0DEMO%04d", i),
			Title:              fmt.Sprintf("Demo product %d", i),
			BuyBoxPriceHistory: []keepa.Int{keepa.Known(1), keepa.Known(price)},
			Stats: &keepa.Stats{
				SalesRankDrops90: keepa.Known(drops),
				OfferCountFBA:    keepa.Known(fba),
			},
		})
	}

	loose := deals.DefaultPolicy()
	loose.Thresholds.BuyMinROI = decimal.NewFromFloat(0.20)
	strict := deals.DefaultPolicy()
	strict.Thresholds.BuyMinROI = decimal.NewFromFloat(0.50)
	strict.Thresholds.BuyMaxCompeting = 3
	cheap := deals.DefaultPolicy()
	cheap.AcquisitionRate = decimal.NewFromFloat(0.25)

	results := replay.Run(snap,
		replay.Variant{Name: "Default", Policy: deals.DefaultPolicy()},
		replay.Variant{Name: "Loose ROI 20%", Policy: loose},
		replay.Variant{Name: "Strict ROI 50%", Policy: strict},
		replay.Variant{Name: "Buy at 25%", Policy: cheap},
	)

	fmt.Println("Replaying 40 synthetic products ($10 to $100) under four policies")
	fmt.Println()
	for _, r := range results {
		fmt.Printf("%-16s | BUY %2d | WATCH %2d | PASS %2d | Profit: $%8s | ROI: %6s%%\n",
			r.Variant,
			r.Decisions[deals.DecisionBuy],
			r.Decisions[deals.DecisionWatch],
			r.Decisions[deals.DecisionPass],
			r.BuyProfit.StringFixed(2),
			r.BuyROI.Mul(decimal.NewFromInt(100)).StringFixed(1))
	}

	fmt.Println()
	fmt.Println("To replay recorded data, use:")
	fmt.Println("  dealeval -capture B000000001,B000000002 -data snapshot.json")
	fmt.Println("  dealeval -data snapshot.json -buy-min-roi 0.4 -verbose")
	fmt.Println()
}
