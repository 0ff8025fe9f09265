package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

const (
	defaultBaseURL   = "https://nominatim.openstreetmap.org"
	defaultUserAgent = "MedicalSchedulingBot/1.0"
	defaultTimeout   = 3 * time.Second
)

// errNoMatch is returned by a tier that completed but found nothing.
var errNoMatch = errors.New("geocode: no match")

// Recorder receives one observation per tier attempt.
type Recorder interface {
	ObserveGeocode(tier int, result string, elapsed time.Duration)
}

// Options configure a Client.
type Options struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	HTTPClient *http.Client
	Recorder   Recorder
	Logger     *logging.Logger
}

// Client looks up addresses against a Nominatim search endpoint. It never
// fails: when both query tiers come back empty the caller's input is returned
// lightly normalized.
type Client struct {
	baseURL    string
	userAgent  string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
	recorder   Recorder
	logger     *logging.Logger
}

// NewClient builds a geocoder client. RatePerSec <= 0 disables pacing.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		userAgent:  opts.UserAgent,
		timeout:    opts.Timeout,
		limiter:    rate.NewLimiter(limit, 1),
		httpClient: opts.HTTPClient,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
	}
}

// Budget is the longest Suggest can take, one deadline per tier.
func (c *Client) Budget() time.Duration {
	return 2 * c.timeout
}

// Suggest returns a normalized address for q. At most two lookups are made:
// the full query, then a reduced one if the first errors, times out or finds
// nothing. Each runs under its own deadline.
func (c *Client) Suggest(ctx context.Context, q Query) Suggestion {
	original := q.Raw()
	if original == "" {
		return Suggestion{}
	}
	for i, query := range q.tiers() {
		if ctx.Err() != nil {
			break
		}
		tier := i + 1
		start := time.Now()
		place, err := c.lookup(ctx, query)
		c.observe(tier, err, time.Since(start))
		if err != nil {
			if !errors.Is(err, errNoMatch) {
				c.logger.Warn("geocode lookup failed", "tier", tier, "error", err)
			}
			continue
		}
		s := place.suggestion(q)
		s.Original = original
		s.Tier = tier
		return s
	}
	return Suggestion{
		Original:  original,
		Formatted: q.normalized(),
	}
}

func (c *Client) lookup(ctx context.Context, query string) (*place, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("geocode: rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("addressdetails", "1")
	params.Set("limit", "1")
	params.Set("countrycodes", "us")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("geocode: create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode: search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("geocode: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode: unexpected status %d", resp.StatusCode)
	}

	var places []place
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, fmt.Errorf("geocode: unmarshal response: %w", err)
	}
	if len(places) == 0 {
		return nil, errNoMatch
	}
	return &places[0], nil
}

func (c *Client) observe(tier int, err error, elapsed time.Duration) {
	if c.recorder == nil {
		return
	}
	result := "match"
	switch {
	case err == nil:
	case errors.Is(err, errNoMatch):
		result = "no_match"
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	default:
		result = "error"
	}
	c.recorder.ObserveGeocode(tier, result, elapsed)
}

type place struct {
	DisplayName string       `json:"display_name"`
	Address     placeAddress `json:"address"`
}

type placeAddress struct {
	HouseNumber string `json:"house_number"`
	Road        string `json:"road"`
	City        string `json:"city"`
	Town        string `json:"town"`
	Village     string `json:"village"`
	Hamlet      string `json:"hamlet"`
	State       string `json:"state"`
	StateCode   string `json:"ISO3166-2-lvl4"`
	Postcode    string `json:"postcode"`
}

func (p *place) suggestion(q Query) Suggestion {
	a := p.Address
	s := Suggestion{Found: true}

	switch {
	case a.HouseNumber != "" && a.Road != "":
		s.Street = a.HouseNumber + " " + a.Road
	case strings.TrimSpace(q.Street) != "":
		s.Street = collapse(q.Street)
	default:
		s.Street = a.Road
	}
	if unit := collapse(q.Unit); unit != "" && s.Street != "" {
		s.Street += " " + unit
	}

	s.City = firstNonEmpty(a.City, a.Town, a.Village, a.Hamlet, collapse(q.City))
	switch {
	case len(strings.TrimSpace(q.State)) == 2:
		s.State = strings.ToUpper(strings.TrimSpace(q.State))
	case strings.HasPrefix(a.StateCode, "US-"):
		s.State = strings.TrimPrefix(a.StateCode, "US-")
	default:
		s.State = a.State
	}
	s.Postcode = firstNonEmpty(a.Postcode, strings.TrimSpace(q.Zip))

	s.Formatted = formatParts(s.Street, s.City, s.State, s.Postcode)
	if s.Formatted == "" {
		s.Formatted = p.DisplayName
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
