// Package marketdata fetches item prices and trading volumes from the price API.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/pricealert/internal/logger"
	"github.com/rewired-gh/pricealert/internal/models"
)

// ErrEmptySnapshot is returned when the latest-prices endpoint answers with no items.
var ErrEmptySnapshot = errors.New("empty price snapshot")

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL         string
	UserAgent       string
	Timeout         time.Duration
	RequestsPerSec  int
	MaxRetries      int
	MaxRetryElapsed time.Duration
}

// Client provides access to the price API
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	maxElapsed time.Duration
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) from %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// NewClient creates a new price API client
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pricealert/1.0"
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		userAgent:  opts.UserAgent,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.RequestsPerSec),
		maxRetries: opts.MaxRetries,
		maxElapsed: opts.MaxRetryElapsed,
	}
}

type latestQuote struct {
	High     *float64 `json:"high"`
	HighTime *int64   `json:"highTime"`
	Low      *float64 `json:"low"`
	LowTime  *int64   `json:"lowTime"`
}

type latestResponse struct {
	Data map[string]latestQuote `json:"data"`
}

type bucketQuote struct {
	AvgHighPrice    *float64 `json:"avgHighPrice"`
	HighPriceVolume *float64 `json:"highPriceVolume"`
	AvgLowPrice     *float64 `json:"avgLowPrice"`
	LowPriceVolume  *float64 `json:"lowPriceVolume"`
}

type bucketResponse struct {
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]bucketQuote `json:"data"`
}

type timeseriesPoint struct {
	Timestamp       int64    `json:"timestamp"`
	AvgHighPrice    *float64 `json:"avgHighPrice"`
	AvgLowPrice     *float64 `json:"avgLowPrice"`
	HighPriceVolume *float64 `json:"highPriceVolume"`
	LowPriceVolume  *float64 `json:"lowPriceVolume"`
}

type timeseriesResponse struct {
	Data []timeseriesPoint `json:"data"`
}

// FetchSnapshot retrieves the latest high/low price of every item.
func (c *Client) FetchSnapshot(ctx context.Context) (*models.PriceSnapshot, error) {
	var body latestResponse
	if err := c.getJSON(ctx, "/latest", nil, &body); err != nil {
		return nil, fmt.Errorf("failed to fetch latest prices: %w", err)
	}

	snap := &models.PriceSnapshot{
		Items:     make(map[int]models.ItemPrice, len(body.Data)),
		FetchedAt: time.Now(),
	}
	skipped := 0
	for key, q := range body.Data {
		id, err := strconv.Atoi(key)
		if err != nil {
			skipped++
			continue
		}
		snap.Items[id] = models.ItemPrice{
			High:     deref(q.High),
			Low:      deref(q.Low),
			HighTime: unixTime(q.HighTime),
			LowTime:  unixTime(q.LowTime),
		}
	}
	if skipped > 0 {
		logger.Debug("Skipped %d non-numeric item ids in latest prices", skipped)
	}
	if len(snap.Items) == 0 {
		return nil, ErrEmptySnapshot
	}
	return snap, nil
}

// FetchVolumeBuckets retrieves one aggregated bucket per item for window "5m" or "1h".
func (c *Client) FetchVolumeBuckets(ctx context.Context, window string) ([]models.VolumeBucket, error) {
	switch window {
	case "5m", "1h":
	default:
		return nil, fmt.Errorf("unsupported bucket window %q", window)
	}

	var body bucketResponse
	if err := c.getJSON(ctx, "/"+window, nil, &body); err != nil {
		return nil, fmt.Errorf("failed to fetch %s volumes: %w", window, err)
	}

	at := time.Unix(body.Timestamp, 0).UTC()
	if body.Timestamp == 0 {
		at = time.Now()
	}
	buckets := make([]models.VolumeBucket, 0, len(body.Data))
	for key, q := range body.Data {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		buckets = append(buckets, models.VolumeBucket{
			ItemID:       id,
			AvgHighPrice: deref(q.AvgHighPrice),
			AvgLowPrice:  deref(q.AvgLowPrice),
			HighVolume:   deref(q.HighPriceVolume),
			LowVolume:    deref(q.LowPriceVolume),
			At:           at,
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].ItemID < buckets[j].ItemID })
	return buckets, nil
}

// FetchHistoricalSeries retrieves an item's timeseries at the given timestep, oldest first.
func (c *Client) FetchHistoricalSeries(ctx context.Context, itemID int, timestep string) ([]models.HistoricalPoint, error) {
	q := url.Values{}
	q.Set("id", strconv.Itoa(itemID))
	q.Set("timestep", timestep)

	var body timeseriesResponse
	if err := c.getJSON(ctx, "/timeseries", q, &body); err != nil {
		return nil, fmt.Errorf("failed to fetch timeseries for item %d: %w", itemID, err)
	}

	points := make([]models.HistoricalPoint, 0, len(body.Data))
	for _, p := range body.Data {
		points = append(points, models.HistoricalPoint{
			Timestamp:    time.Unix(p.Timestamp, 0).UTC(),
			AvgHighPrice: p.AvgHighPrice,
			AvgLowPrice:  p.AvgLowPrice,
			HighVolume:   p.HighPriceVolume,
			LowVolume:    p.LowPriceVolume,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := c.doRequest(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// doRequest performs a rate-limited GET with exponential backoff. Client errors are not retried.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)

		r, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			statusErr := &StatusError{StatusCode: r.StatusCode, URL: urlStr}
			if r.StatusCode >= 400 && r.StatusCode < 500 && r.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}
		resp = r
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = 200 * time.Millisecond
	strategy.MaxElapsedTime = c.maxElapsed

	var policy backoff.BackOff = strategy
	policy = backoff.WithMaxRetries(policy, uint64(c.maxRetries))
	policy = backoff.WithContext(policy, ctx)

	notify := func(err error, wait time.Duration) {
		logger.Warn("Request to %s failed, retrying in %s: %v", urlStr, wait, err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func unixTime(v *int64) time.Time {
	if v == nil || *v <= 0 {
		return time.Time{}
	}
	return time.Unix(*v, 0).UTC()
}
