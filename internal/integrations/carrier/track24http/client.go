package track24http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/trackpipe/internal/integrations/carrier"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type Client struct {
	baseURL string
	apiKey  string
	domain  string
	code    models.Carrier
	httpc   *http.Client
	limiter *rate.Limiter
}

func New(baseURL, apiKey, domain string, code models.Carrier, rps float64) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		domain:  domain,
		code:    code,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return c
}

type track24Resp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Events []struct {
			OperationDateTime        string `json:"operationDateTime"`
			OperationAttribute       string `json:"operationAttribute"`
			OperationType            string `json:"operationType"`
			OperationPlaceName       string `json:"operationPlaceName"`
			OperationPlacePostalCode string `json:"operationPlacePostalCode"`
			Source                   string `json:"source"`
		} `json:"events"`
	} `json:"data"`
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
	u.Path = "/tracking.json.php"

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("domain", c.domain)
	q.Set("code", trackingNumber)
	// Службу передаём явно: автоопределение по формату номера не используем.
	q.Set("service", strings.ToLower(string(c.code)))
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
			fmt.Errorf("track24 http %d", resp.StatusCode))
	}

	var r track24Resp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return carrier.Result{}, carrier.Transient(errors.Wrap(err, "decode"))
	}
	if r.Status != "ok" {
		return carrier.Result{}, classifyAPIStatus(r.Status, r.Message)
	}

	now := time.Now().UTC()
	res := carrier.Result{
		Status:   models.TrackingStatusPending,
		StatusAt: &now,
	}
	if len(r.Data.Events) == 0 {
		return res, nil
	}

	last := r.Data.Events[len(r.Data.Events)-1]
	res.StatusRaw = last.OperationAttribute
	res.Location = strPtr(last.OperationPlaceName)
	res.Status = models.TrackingStatusInTransit
	if containsDeliveredHint(last.OperationAttribute) {
		res.Status = models.TrackingStatusDelivered
	}
	// Track24 пример: "02.07.2014 19:16:00"
	if last.OperationDateTime != "" {
		if t, err := time.ParseInLocation("02.01.2006 15:04:05", last.OperationDateTime, time.UTC); err == nil {
			at := t.UTC()
			res.StatusAt = &at
		}
	}
	return res, nil
}

// classifyAPIStatus: "error" с сообщением о неверном номере не имеет смысла повторять.
func classifyAPIStatus(status, message string) error {
	err := fmt.Errorf("track24 status=%s: %s", status, message)
	low := strings.ToLower(message)
	if strings.Contains(low, "invalid") || strings.Contains(low, "not found") || strings.Contains(low, "неверн") {
		return carrier.Permanent(err)
	}
	return carrier.Transient(err)
}

func containsDeliveredHint(s string) bool {
	low := strings.ToLower(s)
	return strings.Contains(low, "вруч") || strings.Contains(low, "достав") || strings.Contains(low, "delivered")
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
