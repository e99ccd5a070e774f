package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snehjoshi/eventrelay/internal/types"
)

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	Endpoint       string
	SiteUUID       string
	PublishableKey string
	SecretKey      string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
}

// HTTPClient delivers envelopes to a batch events endpoint. Each call sends
// a batch of one; the worker already controls pacing.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

var _ Deliverer = (*HTTPClient)(nil)

// NewHTTPClient returns a client applying cfg's connect and request timeouts.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
	}
}

// batchPayload is the JSON body POSTed to the events endpoint.
type batchPayload struct {
	Events []types.Envelope `json:"events"`
}

// Deliver implements Deliverer. It returns nil only for a 2xx response.
func (c *HTTPClient) Deliver(ctx context.Context, env types.Envelope) error {
	body, err := json.Marshal(batchPayload{Events: []types.Envelope{env}})
	if err != nil {
		return &Error{Kind: KindValidation, Msg: "invalid envelope", Err: err}
	}

	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return &Error{Kind: KindValidation, Msg: "invalid endpoint", Err: err}
	}
	if c.cfg.SiteUUID != "" {
		q := u.Query()
		q.Set("site_uuid", c.cfg.SiteUUID)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindValidation, Msg: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.PublishableKey != "" || c.cfg.SecretKey != "" {
		req.SetBasicAuth(c.cfg.PublishableKey, c.cfg.SecretKey)
	}
	if c.cfg.SecretKey != "" {
		mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
		mac.Write(body)
		req.Header.Set("X-EventRelay-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return statusError(resp.StatusCode, strings.TrimSpace(string(excerpt)))
}

// statusError maps a non-2xx response onto a Kind. The message starts with
// the status code so the text classifier reaches the same decision.
func statusError(status int, excerpt string) *Error {
	e := &Error{Status: status, Msg: strings.ToLower(http.StatusText(status))}
	if excerpt != "" {
		e.Msg += ": " + excerpt
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	case status == http.StatusRequestTimeout:
		e.Kind = KindTimeout
	case status == http.StatusServiceUnavailable:
		e.Kind = KindUnavailable
	case status >= 500:
		e.Kind = KindServerError
	default:
		e.Kind = KindClientError
	}
	return e
}

func transportError(err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, Msg: "request timeout", Err: err}
	}
	return &Error{Kind: KindNetwork, Msg: "connection failed", Err: err}
}
