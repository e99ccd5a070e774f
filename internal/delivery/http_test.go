package delivery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/eventrelay/internal/delivery"
	"github.com/snehjoshi/eventrelay/internal/types"
)

func newClient(url string) *delivery.HTTPClient {
	return delivery.NewHTTPClient(delivery.HTTPConfig{
		Endpoint:       url + "/api/v1/batch/events",
		SiteUUID:       "site-123",
		PublishableKey: "pub",
		SecretKey:      "sec",
		RequestTimeout: 2 * time.Second,
		ConnectTimeout: time.Second,
	})
}

func TestHTTPClient_SendsBatchOfOne(t *testing.T) {
	var (
		gotPath, gotSite, gotUser, gotPass, gotSig string
		gotBody                                    map[string][]types.Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSite = r.URL.Query().Get("site_uuid")
		gotUser, gotPass, _ = r.BasicAuth()
		gotSig = r.Header.Get("X-EventRelay-Signature")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := types.Envelope{
		Type:    "user_registration",
		Email:   "a@example.com",
		Fields:  map[string]string{"first_name": "Ada"},
		Details: map[string]any{"plan": "pro"},
	}
	require.NoError(t, newClient(srv.URL).Deliver(context.Background(), env))

	assert.Equal(t, "/api/v1/batch/events", gotPath)
	assert.Equal(t, "site-123", gotSite)
	assert.Equal(t, "pub", gotUser)
	assert.Equal(t, "sec", gotPass)
	assert.True(t, strings.HasPrefix(gotSig, "sha256="))
	require.Len(t, gotBody["events"], 1)
	assert.Equal(t, "user_registration", gotBody["events"][0].Type)
	assert.Equal(t, "Ada", gotBody["events"][0].Fields["first_name"])
}

func TestHTTPClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   delivery.Kind
		class  delivery.Class
	}{
		{http.StatusBadRequest, delivery.KindValidation, delivery.Permanent},
		{http.StatusUnauthorized, delivery.KindAuth, delivery.Permanent},
		{http.StatusForbidden, delivery.KindAuth, delivery.Permanent},
		{http.StatusNotFound, delivery.KindClientError, delivery.Permanent},
		{http.StatusUnprocessableEntity, delivery.KindValidation, delivery.Permanent},
		{http.StatusTooManyRequests, delivery.KindRateLimited, delivery.Retryable},
		{http.StatusInternalServerError, delivery.KindServerError, delivery.Retryable},
		{http.StatusBadGateway, delivery.KindServerError, delivery.Retryable},
		{http.StatusServiceUnavailable, delivery.KindUnavailable, delivery.Retryable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			err := newClient(srv.URL).Deliver(context.Background(), types.Envelope{Type: "t", Email: "a@example.com"})
			require.Error(t, err)

			var de *delivery.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.kind, de.Kind)
			assert.Equal(t, tt.status, de.Status)
			assert.Equal(t, tt.class, delivery.Classify(err))
			// The text heuristic agrees with the typed decision.
			assert.Equal(t, tt.class, delivery.ClassifyText(err.Error()))
		})
	}
}

func TestHTTPClient_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := delivery.NewHTTPClient(delivery.HTTPConfig{
		Endpoint:       srv.URL,
		RequestTimeout: 50 * time.Millisecond,
	})
	err := c.Deliver(context.Background(), types.Envelope{Type: "t", Email: "a@example.com"})
	require.Error(t, err)
	assert.Equal(t, delivery.KindTimeout, delivery.KindOf(err))
	assert.Equal(t, delivery.Retryable, delivery.Classify(err))
}

func TestHTTPClient_ConnectionRefusedIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := delivery.NewHTTPClient(delivery.HTTPConfig{Endpoint: url}).
		Deliver(context.Background(), types.Envelope{Type: "t", Email: "a@example.com"})
	require.Error(t, err)
	assert.Equal(t, delivery.KindNetwork, delivery.KindOf(err))
	assert.Equal(t, delivery.Retryable, delivery.Classify(err))
}
