package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/marloweh/powercontroller/timeutils"
)

// Client fetches half-hourly price intervals from the spot price API. The API
// returns a mixture of settled (actual), in-progress (current) and forecast
// intervals, authenticated by bearer token.
type Client struct {
	baseURL string
	siteID  string
	apiKey  string
	client  http.Client
}

// NewClient returns a price API client with the given bounded timeout.
func NewClient(baseURL, siteID, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		siteID:  siteID,
		apiKey:  apiKey,
		client:  http.Client{Timeout: timeout},
	}
}

// priceInterval mirrors one element of the API's interval array.
type priceInterval struct {
	Start       time.Time `json:"start"`
	DurationMin int       `json:"duration"`
	ChannelType string    `json:"channelType"`
	PerKwh      float64   `json:"perKwh"`
	Quality     string    `json:"quality"`
}

// usageInterval mirrors one element of the API's usage array.
type usageInterval struct {
	Start       time.Time `json:"start"`
	ChannelType string    `json:"channelType"`
	EnergyWh    float64   `json:"kwh"`
	Cost        float64   `json:"cost"`
}

// FetchPrices pulls the interval window around now: `previous` half-hours of
// history and `next` half-hours of forecast.
func (c *Client) FetchPrices(ctx context.Context, previous, next int) ([]PricePoint, error) {
	endpoint := fmt.Sprintf("%s/sites/%s/prices/current", c.baseURL, url.PathEscape(c.siteID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}
	q := req.URL.Query()
	q.Set("previous", fmt.Sprintf("%d", previous))
	q.Set("next", fmt.Sprintf("%d", next))
	q.Set("resolution", "30")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("price API returned %d: %s", resp.StatusCode, body)
	}

	var intervals []priceInterval
	if err = json.NewDecoder(resp.Body).Decode(&intervals); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	points := make([]PricePoint, 0, len(intervals))
	for _, interval := range intervals {
		quality := Quality(interval.Quality)
		switch quality {
		case QualityActual, QualityCurrent, QualityForecast:
		default:
			// Unknown qualities are treated as forecasts so they can always
			// be replaced by something better.
			quality = QualityForecast
		}
		duration := time.Duration(interval.DurationMin) * time.Minute
		if duration == 0 {
			duration = timeutils.SlotDuration
		}
		points = append(points, PricePoint{
			Start:    interval.Start.UTC(),
			Duration: duration,
			Channel:  Channel(interval.ChannelType),
			PriceKwh: interval.PerKwh,
			Quality:  quality,
		})
	}
	return points, nil
}

// FetchUsage pulls hourly usage/cost rows for the given day range, if the
// plan includes usage reporting. A 404 means the site has no usage data and
// is not an error.
func (c *Client) FetchUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error) {
	endpoint := fmt.Sprintf("%s/sites/%s/usage", c.baseURL, url.PathEscape(c.siteID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	q := req.URL.Query()
	q.Set("startDate", from.Format("2006-01-02"))
	q.Set("endDate", to.Format("2006-01-02"))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("usage API returned %d: %s", resp.StatusCode, body)
	}

	var intervals []usageInterval
	if err = json.NewDecoder(resp.Body).Decode(&intervals); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}

	rows := make([]UsageRecord, 0, len(intervals))
	for _, interval := range intervals {
		rows = append(rows, UsageRecord{
			Start:    interval.Start.UTC(),
			Channel:  Channel(interval.ChannelType),
			EnergyWh: interval.EnergyWh * 1000,
			Cost:     interval.Cost,
		})
	}
	return rows, nil
}
