package keepa

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the Keepa API base URL
	DefaultBaseURL = "https://api.keepa.com"

	// DefaultTimeout bounds every outbound call.
	DefaultTimeout = 25 * time.Second

	// Keepa meters by tokens per minute; stay well under a basic plan.
	defaultRateLimit = 1.0 // requests per second
	defaultBurst     = 5

	// MaxProductsPerRequest is the Keepa per-call ASIN limit.
	MaxProductsPerRequest = 100

	defaultStatsDays = 90
	defaultOffers    = 20
)

// ErrUnavailable marks failures worth retrying later: timeouts, transport
// errors, throttling and 5xx answers.
var ErrUnavailable = errors.New("keepa unavailable")

// errThrottled marks a request the local limiter could not admit before its
// deadline. Retrying it cannot succeed.
var errThrottled = errors.New("throttled")

// Is lets errors.Is(err, ErrUnavailable) match throttling and server errors.
func (e *APIError) Is(target error) bool {
	return target == ErrUnavailable && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500)
}

// Observer receives one callback per HTTP round trip.
type Observer interface {
	ObserveRequest(endpoint, status string, d time.Duration)
	ObserveTokensLeft(tokens int)
}

// Client is a Keepa API client.
type Client struct {
	apiKey     string
	baseURL    string
	domain     int
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	observer   Observer

	tokensLeft atomic.Int64
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit sets custom rate limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithDomain selects the Amazon marketplace.
func WithDomain(domain int) ClientOption {
	return func(c *Client) {
		c.domain = domain
	}
}

// WithMaxRetries retries transport failures with exponential backoff.
// Zero disables retries.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithObserver installs a request observer (metrics).
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient creates a new Keepa API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		domain:  DomainUS,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
	c.tokensLeft.Store(-1)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// TokensLeft returns the token balance from the last response, or -1.
func (c *Client) TokensLeft() int {
	return int(c.tokensLeft.Load())
}

// Query runs the product finder and returns matching ASINs.
func (c *Client) Query(ctx context.Context, sel Selection) (*FinderResult, error) {
	raw, err := json.Marshal(sel)
	if err != nil {
		return nil, fmt.Errorf("encode selection: %w", err)
	}

	params := url.Values{}
	params.Set("selection", string(raw))

	var resp queryResponse
	if err := c.get(ctx, "/query", params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Type: resp.Error.Type, Message: resp.Error.Message}
	}
	c.recordTokens(resp.TokensLeft)

	return &FinderResult{ASINs: resp.ASINList, TotalResults: resp.TotalResults}, nil
}

// Products fetches product records for up to MaxProductsPerRequest ASINs in
// one call, with 90-day stats and live offers.
func (c *Client) Products(ctx context.Context, asins []string) ([]Product, error) {
	if len(asins) == 0 {
		return nil, nil
	}
	if len(asins) > MaxProductsPerRequest {
		return nil, fmt.Errorf("too many asins: %d (max %d)", len(asins), MaxProductsPerRequest)
	}

	params := url.Values{}
	params.Set("asin", strings.Join(asins, ","))
	params.Set("stats", strconv.Itoa(defaultStatsDays))
	params.Set("offers", strconv.Itoa(defaultOffers))
	params.Set("buybox", "1")

	var resp productResponse
	if err := c.get(ctx, "/product", params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Type: resp.Error.Type, Message: resp.Error.Message}
	}
	c.recordTokens(resp.TokensLeft)

	return resp.Products, nil
}

// Product fetches a single product. A nil product with a nil error means
// Keepa has no record for the ASIN.
func (c *Client) Product(ctx context.Context, asin string) (*Product, error) {
	products, err := c.Products(ctx, []string{asin})
	if err != nil {
		return nil, err
	}
	for i := range products {
		if strings.EqualFold(products[i].ASIN, asin) && products[i].Exists() {
			return &products[i], nil
		}
	}
	return nil, nil
}

func (c *Client) recordTokens(tokens *int) {
	if tokens == nil {
		return
	}
	c.tokensLeft.Store(int64(*tokens))
	if c.observer != nil {
		c.observer.ObserveTokensLeft(*tokens)
	}
}

// get performs a GET request with rate limiting and optional retries.
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.apiKey)
	params.Set("domain", strconv.Itoa(c.domain))
	u := c.baseURL + path + "?" + params.Encode()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)

	return backoff.Retry(func() error {
		err := c.do(ctx, path, u, result)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) || errors.Is(err, errThrottled) || !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *Client) do(ctx context.Context, endpoint, u string, result interface{}) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("rate limiter: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %w: rate limiter: %v", ErrUnavailable, errThrottled, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(endpoint, "error", start)
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("http request: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, redact(err))
	}
	defer resp.Body.Close()
	c.observe(endpoint, strconv.Itoa(resp.StatusCode), start)

	body, err := decodedBody(resp)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnavailable, endpoint, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: read %s: %v", ErrUnavailable, endpoint, err)
		}
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) observe(endpoint, status string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(strings.TrimPrefix(endpoint, "/"), status, time.Since(start))
	}
}

// statusError builds an APIError from a non-200 answer, preferring the
// structured error object when Keepa sent one.
func statusError(status int, data []byte) error {
	var payload struct {
		Error *APIErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != nil {
		return &APIError{StatusCode: status, Type: payload.Error.Type, Message: payload.Error.Message}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}

// decodedBody unwraps gzip or brotli bodies. Setting Accept-Encoding by hand
// turns off the transport's transparent gzip handling.
func decodedBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// redact strips the api key from errors that echo the request URL.
func redact(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}
