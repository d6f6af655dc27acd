package emulatorv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/trackpipe/internal/integrations/carrier"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Client talks to the carrier emulator v1 API for a single carrier.
type Client struct {
	baseURL string
	apiKey  string
	code    models.Carrier
	httpc   *http.Client
	limiter *rate.Limiter
}

// New builds a client; rps <= 0 disables client-side throttling.
func New(baseURL, apiKey string, code models.Carrier, rps float64) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		code:    code,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

type respBody struct {
	Carrier     string     `json:"carrier"`
	TrackNumber string     `json:"track_number"`
	Status      string     `json:"status"`
	StatusRaw   string     `json:"status_raw"`
	StatusAt    *time.Time `json:"status_at"`
	Location    *string    `json:"location,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (c *Client) FetchTracking(ctx context.Context, trackingNumber string) (carrier.Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return carrier.Result{}, carrier.Transient(errors.Wrap(err, "rate limiter wait"))
		}
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.Result{}, carrier.Permanent(errors.Wrap(err, "parse base url"))
	}
	u.Path = fmt.Sprintf("/v1/tracking/%s/%s", url.PathEscape(string(c.code)), url.PathEscape(trackingNumber))
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.Result{}, carrier.Permanent(errors.Wrap(err, "new request"))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.Result{}, carrier.Transient(errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.Result{}, carrier.ClassifyHTTPStatus(resp.StatusCode,
			fmt.Errorf("carrier emulator %s http %d", c.code, resp.StatusCode))
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.Result{}, carrier.Transient(errors.Wrap(err, "decode"))
	}
	if rb.Error != "" {
		return carrier.Result{}, carrier.Permanent(fmt.Errorf("carrier emulator %s: %s", c.code, rb.Error))
	}

	raw := rb.StatusRaw
	if raw == "" {
		raw = rb.Status
	}
	return carrier.Result{
		Status:    models.NormalizeStatus(rb.Status),
		StatusRaw: raw,
		Location:  rb.Location,
		StatusAt:  rb.StatusAt,
	}, nil
}
