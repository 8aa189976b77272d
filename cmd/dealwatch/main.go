// dealwatch follows a dealsd event stream and prints deals as reports and
// digests arrive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/pipeline"
	"github.com/phenomenon0/dealscout/pkg/streaming"
	"github.com/phenomenon0/dealscout/pkg/wss"
)

var (
	serverURL = flag.String("url", "ws://localhost:8080/deals/stream", "dealsd stream endpoint")
	apiKey    = flag.String("key", "", "API key (defaults to ACTION_API_KEY)")
	decision  = flag.String("decision", "BUY", "Only print deals with this decision; empty prints all")
	minScore  = flag.Int("min-score", 0, "Only print deals scoring at least this")
	digests   = flag.Bool("digests-only", false, "Ignore on-demand reports")
)

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	key := *apiKey
	if key == "" {
		key = os.Getenv("ACTION_API_KEY")
	}

	var want deals.Decision
	if *decision != "" {
		d, err := deals.ParseDecision(*decision)
		if err != nil {
			logger.Error("invalid -decision", "error", err)
			os.Exit(1)
		}
		want = d
	}

	events := []streaming.EventType{streaming.EventTypeDigest, streaming.EventTypeError}
	if !*digests {
		events = append(events, streaming.EventTypeReport)
	}

	config := wss.DefaultConfig(*serverURL, key)
	config.Events = events

	client := wss.NewClient(config, wss.Handlers{
		OnConnect: func() { logger.Info("connected", "url", *serverURL) },
		OnDisconnect: func(err error) {
			logger.Warn("disconnected", "error", err)
		},
		OnError: func(err error) { logger.Debug("stream error", "error", err) },
		OnEvent: func(ev wss.Event) { handleEvent(logger, ev, want) },
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil {
		logger.Error("stream stopped", "error", err)
		os.Exit(1)
	}
}

func handleEvent(logger *slog.Logger, ev wss.Event, want deals.Decision) {
	switch ev.Type {
	case streaming.EventTypeError:
		var body struct {
			Error   string `json:"error"`
			Context string `json:"context"`
		}
		if err := json.Unmarshal(ev.Data, &body); err == nil {
			logger.Warn("server error", "context", body.Context, "error", body.Error)
		}

	case streaming.EventTypeReport, streaming.EventTypeDigest:
		var report pipeline.Report
		if err := json.Unmarshal(ev.Data, &report); err != nil {
			logger.Warn("undecodable report", "type", ev.Type, "error", err)
			return
		}
		printReport(ev.Type, &report, want)
	}
}

func printReport(kind streaming.EventType, r *pipeline.Report, want deals.Decision) {
	var shown []deals.Deal
	for _, d := range r.Deals {
		if want != "" && d.Decision != want {
			continue
		}
		if d.Score < *minScore {
			continue
		}
		shown = append(shown, d)
	}
	if len(shown) == 0 {
		return
	}

	fmt.Println()
	fmt.Printf("%s %s  %s  (%d of %d)\n", strings.ToUpper(string(kind)), r.RunID, r.GeneratedAt.Local().Format("2006-01-02 15:04:05"), len(shown), r.Count)
	fmt.Println(strings.Repeat("-", 72))
	for _, d := range shown {
		title := d.Title
		if r := []rune(title); len(r) > 40 {
			title = string(r[:37]) + "..."
		}
		fmt.Printf("%s %-5s %3d  $%7.2f  %5.1f%%  %s\n", d.ASIN, d.Decision, d.Score, d.Profit, d.ROI*100, title)
		if len(d.Risks) > 0 {
			fmt.Printf("           risks: %s\n", strings.Join(d.Risks, "; "))
		}
	}
}
