package emulatorv1

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/trackpipe/internal/integrations/carrier"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchTracking_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tracking/UPS/1Z123", r.URL.Path)
		require.Equal(t, "k", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "carrier": "UPS",
  "track_number": "1Z123",
  "status": "DELIVERED",
  "status_raw": "Delivered to front door",
  "status_at": "2025-01-01T00:00:00Z",
  "location": "Louisville, KY"
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", models.CarrierUPS, 0)
	res, err := c.FetchTracking(context.Background(), "1Z123")
	require.NoError(t, err)
	require.Equal(t, models.TrackingStatusDelivered, res.Status)
	require.Equal(t, "Delivered to front door", res.StatusRaw)
	require.NotNil(t, res.Location)
	require.Equal(t, "Louisville, KY", *res.Location)
	require.NotNil(t, res.StatusAt)
	require.WithinDuration(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *res.StatusAt, time.Second)
}

func TestClient_FetchTracking_429IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", models.CarrierFedEx, 0)
	_, err := c.FetchTracking(context.Background(), "123")
	require.Error(t, err)
	require.False(t, carrier.IsPermanent(err))
}

func TestClient_FetchTracking_404IsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", models.CarrierUSPS, 0)
	_, err := c.FetchTracking(context.Background(), "bad")
	require.Error(t, err)
	require.True(t, carrier.IsPermanent(err))
}

func TestClient_FetchTracking_BodyErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid tracking number"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", models.CarrierDHL, 0)
	_, err := c.FetchTracking(context.Background(), "bad")
	require.True(t, carrier.IsPermanent(err))
	require.Contains(t, err.Error(), "invalid tracking number")
}

func TestClient_FetchTracking_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, "", models.CarrierUPS, 5)
	_, err := c.FetchTracking(context.Background(), "1Z")
	require.Error(t, err)
	require.False(t, carrier.IsPermanent(err))
}
