// Package geocode turns coordinates into a short street address using a
// Nominatim reverse geocoding endpoint.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DefaultURL = "https://nominatim.openstreetmap.org"

var ErrNoAddress = errors.New("no address for coordinates")

type address struct {
	Province    string `json:"province"`
	City        string `json:"city"`
	County      string `json:"county"`
	Road        string `json:"road"`
	HouseNumber string `json:"house_number"`
	Suburb      string `json:"suburb"`
}

type reverseResponse struct {
	DisplayName string  `json:"display_name"`
	Address     address `json:"address"`
	Error       string  `json:"error"`
}

// Client is a Nominatim reverse geocoder.
type Client struct {
	http     *resty.Client
	language string
	logger   *zap.Logger
}

func NewClient(baseURL, language string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if language == "" {
		language = "ko"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(5*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "suyang-alert/1.0")
	return &Client{http: rc, language: language, logger: logger}
}

// Reverse returns a compact address for (lat, lng): province, city or
// county, road, house number and suburb, falling back to the full display
// name when none of those are present.
func (c *Client) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	var out reverseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept-Language", c.language).
		SetQueryParams(map[string]string{
			"format":         "json",
			"lat":            strconv.FormatFloat(lat, 'f', -1, 64),
			"lon":            strconv.FormatFloat(lng, 'f', -1, 64),
			"zoom":           "18",
			"addressdetails": "1",
		}).
		SetResult(&out).
		Get("/reverse")
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("reverse geocode: status %d", resp.StatusCode())
	}
	if out.Error != "" || out.DisplayName == "" {
		return "", ErrNoAddress
	}
	if short := shortAddress(out.Address); short != "" {
		return short, nil
	}
	return out.DisplayName, nil
}

// shortAddress joins the address parts used for the short label.
func shortAddress(a address) string {
	city := a.City
	if city == "" {
		city = a.County
	}
	return strings.Join(strings.Fields(strings.Join([]string{a.Province, city, a.Road, a.HouseNumber, a.Suburb}, " ")), " ")
}

// CoordinateLabel is the address used when no geocoder answer is available.
func CoordinateLabel(lat, lng float64) string {
	return fmt.Sprintf("위치: %.4f, %.4f", lat, lng)
}

// BestEffort resolves an address and never fails: any error yields the
// coordinate label.
func (c *Client) BestEffort(ctx context.Context, lat, lng float64) string {
	addr, err := c.Reverse(ctx, lat, lng)
	if err != nil {
		c.logger.Debug("reverse geocode unavailable", zap.Float64("lat", lat), zap.Float64("lng", lng), zap.Error(err))
		return CoordinateLabel(lat, lng)
	}
	return addr
}
