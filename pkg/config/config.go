// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/dealscout/pkg/deals"
	"github.com/phenomenon0/dealscout/pkg/keepa"
	"github.com/phenomenon0/dealscout/pkg/pipeline"
)

// Config is built once at startup and passed down explicitly.
type Config struct {
	Port         int
	KeepaAPIKey  string
	ActionAPIKey string

	// Keepa client
	KeepaBaseURL    string
	KeepaDomain     int
	KeepaTimeout    time.Duration
	KeepaRateLimit  float64
	KeepaBurst      int
	KeepaMaxRetries int

	// Pipeline
	BatchSize               int
	Workers                 int
	AllowFallbackCandidates bool
	FallbackASINs           []string
	RequireFBAOffer         bool
	PriceBandMin            decimal.Decimal
	PriceBandMax            decimal.Decimal

	// Policy
	Thresholds deals.DecisionThresholds
	MinRating  float64
	MinReviews int

	// Digest
	DigestSchedule string
	KafkaBrokers   []string
	KafkaTopic     string

	LogLevel  string
	LogFormat string
}

// Load reads configuration through getenv. Every missing required key and
// every malformed value is reported in the returned error.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	r := &reader{getenv: getenv}

	th := deals.DefaultDecisionThresholds()
	policy := deals.DefaultPolicy()

	c := &Config{
		KeepaAPIKey:  r.required("KEEPA_API_KEY"),
		ActionAPIKey: r.required("ACTION_API_KEY"),
		Port:         r.integer("PORT", 8080),

		KeepaBaseURL:    r.str("KEEPA_BASE_URL", keepa.DefaultBaseURL),
		KeepaDomain:     r.integer("KEEPA_DOMAIN", keepa.DomainUS),
		KeepaTimeout:    r.dur("KEEPA_TIMEOUT", keepa.DefaultTimeout),
		KeepaRateLimit:  r.number("KEEPA_RATE_LIMIT", 1),
		KeepaBurst:      r.integer("KEEPA_BURST", 5),
		KeepaMaxRetries: r.integer("KEEPA_MAX_RETRIES", 0),

		BatchSize:               r.integer("DEALS_BATCH_SIZE", keepa.MaxProductsPerRequest),
		Workers:                 r.integer("DEALS_WORKERS", 8),
		AllowFallbackCandidates: r.flag("ALLOW_FALLBACK_CANDIDATES", false),
		FallbackASINs:           r.list("FALLBACK_ASINS"),
		RequireFBAOffer:         r.flag("REQUIRE_FBA_OFFER", false),
		PriceBandMin:            r.dec("PRICE_BAND_MIN", decimal.NewFromInt(10)),
		PriceBandMax:            r.dec("PRICE_BAND_MAX", decimal.NewFromInt(200)),

		Thresholds: deals.DecisionThresholds{
			BuyMinROI:       r.dec("BUY_MIN_ROI", th.BuyMinROI),
			BuyMinProfit:    r.dec("BUY_MIN_PROFIT", th.BuyMinProfit),
			BuyMaxCompeting: r.integer("BUY_MAX_COMPETING", th.BuyMaxCompeting),
			WatchMinROI:     r.dec("WATCH_MIN_ROI", th.WatchMinROI),
			WatchMinProfit:  r.dec("WATCH_MIN_PROFIT", th.WatchMinProfit),
		},
		MinRating:  r.number("MIN_RATING", policy.MinRating),
		MinReviews: r.integer("MIN_REVIEWS", policy.MinReviews),

		DigestSchedule: r.str("DIGEST_SCHEDULE", ""),
		KafkaBrokers:   r.list("KAFKA_BROKERS"),
		KafkaTopic:     r.str("KAFKA_TOPIC", "deals.digest"),

		LogLevel:  r.str("LOG_LEVEL", "info"),
		LogFormat: r.str("LOG_FORMAT", "text"),
	}

	c.validate(r)
	return c, r.err()
}

func (c *Config) validate(r *reader) {
	if c.Port <= 0 || c.Port > 65535 {
		r.fail("PORT", fmt.Errorf("out of range: %d", c.Port))
	}
	if c.BatchSize <= 0 || c.BatchSize > keepa.MaxProductsPerRequest {
		r.fail("DEALS_BATCH_SIZE", fmt.Errorf("must be 1..%d, got %d", keepa.MaxProductsPerRequest, c.BatchSize))
	}
	if c.Workers <= 0 {
		r.fail("DEALS_WORKERS", fmt.Errorf("must be positive, got %d", c.Workers))
	}
	if c.KeepaRateLimit <= 0 {
		r.fail("KEEPA_RATE_LIMIT", fmt.Errorf("must be positive, got %v", c.KeepaRateLimit))
	}
	if c.KeepaBurst <= 0 {
		r.fail("KEEPA_BURST", fmt.Errorf("must be positive, got %d", c.KeepaBurst))
	}
	if c.KeepaTimeout <= 0 {
		r.fail("KEEPA_TIMEOUT", fmt.Errorf("must be positive, got %s", c.KeepaTimeout))
	}
	if c.KeepaMaxRetries < 0 {
		r.fail("KEEPA_MAX_RETRIES", fmt.Errorf("must not be negative, got %d", c.KeepaMaxRetries))
	}
	if c.PriceBandMax.IsPositive() && c.PriceBandMin.GreaterThan(c.PriceBandMax) {
		r.fail("PRICE_BAND_MIN", fmt.Errorf("%s exceeds PRICE_BAND_MAX %s", c.PriceBandMin, c.PriceBandMax))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		r.fail("LOG_LEVEL", err)
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		r.fail("LOG_FORMAT", fmt.Errorf("want text or json, got %q", c.LogFormat))
	}
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Policy builds the evaluation policy from the configured thresholds.
func (c *Config) Policy() *deals.Policy {
	p := deals.DefaultPolicy()
	p.Thresholds = c.Thresholds
	p.MinRating = c.MinRating
	p.MinReviews = c.MinReviews
	return p
}

// PipelineConfig builds the orchestrator configuration.
func (c *Config) PipelineConfig() *pipeline.Config {
	return &pipeline.Config{
		BatchSize:       c.BatchSize,
		Workers:         c.Workers,
		RequireFBAOffer: c.RequireFBAOffer,
		PriceBandMin:    c.PriceBandMin,
		PriceBandMax:    c.PriceBandMax,
		Policy:          c.Policy(),
	}
}

// DiscoveryConfig builds the product finder configuration. The finder price
// window follows the pre-filter band.
func (c *Config) DiscoveryConfig() pipeline.DiscoveryConfig {
	dc := pipeline.DefaultDiscoveryConfig()
	dc.PerPage = c.BatchSize
	dc.AllowFallback = c.AllowFallbackCandidates
	dc.FallbackASINs = c.FallbackASINs
	if c.PriceBandMin.IsPositive() {
		dc.MinPriceCents = int(c.PriceBandMin.Mul(decimal.NewFromInt(100)).IntPart())
	}
	if c.PriceBandMax.IsPositive() {
		dc.MaxPriceCents = int(c.PriceBandMax.Mul(decimal.NewFromInt(100)).IntPart())
	}
	return dc
}

// KeepaOptions returns client options for the configured endpoint and limits.
func (c *Config) KeepaOptions() []keepa.ClientOption {
	return []keepa.ClientOption{
		keepa.WithBaseURL(c.KeepaBaseURL),
		keepa.WithDomain(c.KeepaDomain),
		keepa.WithTimeout(c.KeepaTimeout),
		keepa.WithRateLimit(c.KeepaRateLimit, c.KeepaBurst),
		keepa.WithMaxRetries(c.KeepaMaxRetries),
	}
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// NewLogger builds the process logger.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// reader collects missing keys and parse errors while reading.
type reader struct {
	getenv  func(string) string
	missing []string
	errs    []error
}

func (r *reader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(r.getenv(key))
	return v, v != ""
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
}

func (r *reader) required(key string) string {
	v, ok := r.lookup(key)
	if !ok {
		r.missing = append(r.missing, key)
	}
	return v
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, fmt.Errorf("not an integer: %q", v))
		return def
	}
	return n
}

func (r *reader) number(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, fmt.Errorf("not a number: %q", v))
		return def
	}
	return f
}

func (r *reader) dec(key string, def decimal.Decimal) decimal.Decimal {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.fail(key, fmt.Errorf("not a number: %q", v))
		return def
	}
	return d
}

func (r *reader) flag(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, fmt.Errorf("not a boolean: %q", v))
		return def
	}
	return b
}

func (r *reader) dur(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare numbers are seconds.
		secs, nerr := strconv.Atoi(v)
		if nerr != nil {
			r.fail(key, fmt.Errorf("not a duration: %q", v))
			return def
		}
		d = time.Duration(secs) * time.Second
	}
	return d
}

func (r *reader) list(key string) []string {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *reader) err() error {
	var errs []error
	if len(r.missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required configuration: %s", strings.Join(r.missing, ", ")))
	}
	errs = append(errs, r.errs...)
	return errors.Join(errs...)
}
