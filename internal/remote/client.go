// Package remote is the HTTP client for the sales backend that
// queued operations are pushed to.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/wesm/offlinesales/internal/payload"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "offlinesales"
	maxErrorBody   = 512

	// APIMajor is the backend API major version this client
	// speaks.
	APIMajor = "v1"
)

// ErrIncompatibleAPI is returned by Ping when the backend
// advertises a different API major version.
var ErrIncompatibleAPI = errors.New("incompatible backend API")

// StatusError is returned when the backend answers with a
// non-2xx status.
type StatusError struct {
	Call string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Call, e.Code)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Call, e.Code, e.Body)
}

// Temporary reports whether retrying the same request may
// succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client talks to the backend. Every write carries an
// Idempotency-Key derived from the local operation id so that a
// replay after an ambiguous timeout is not applied twice.
type Client struct {
	base     *url.URL
	token    string
	deviceID string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDeviceID identifies this installation to the backend.
func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("remote url %q: missing host", baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type createResponse struct {
	ID string `json:"id"`
}

// CreateOrder posts an order and returns the backend's id for it.
func (c *Client) CreateOrder(
	ctx context.Context, id string, o payload.Order,
) (string, error) {
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/orders", id, o, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type adjustRequest struct {
	OrderID string         `json:"orderId"`
	Items   []payload.Item `json:"items"`
}

// AdjustStock decrements the backend's stock for an order's
// line items.
func (c *Client) AdjustStock(
	ctx context.Context, id string, items []payload.Item,
) error {
	return c.do(ctx, http.MethodPost, "/stock/adjust", id+":adjust",
		adjustRequest{OrderID: id, Items: items}, nil)
}

// CreateWriteoff posts a stock write-off and returns the
// backend's id for it.
func (c *Client) CreateWriteoff(
	ctx context.Context, id string, w payload.Writeoff,
) (string, error) {
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/writeoffs", id, w, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// FetchStock returns the backend's current stock levels by
// product id.
func (c *Client) FetchStock(ctx context.Context) (map[string]int, error) {
	levels := make(map[string]int)
	if err := c.do(ctx, http.MethodGet, "/stock", "", nil, &levels); err != nil {
		return nil, err
	}
	return levels, nil
}

// Ping checks that the backend is reachable and speaks a
// compatible API. It satisfies connectivity.Probe, so an
// incompatible backend reads as offline and nothing is pushed
// to it.
func (c *Client) Ping(ctx context.Context) error {
	hdr, err := c.send(ctx, http.MethodHead, "/health", "", nil, nil)
	if err != nil {
		return err
	}
	return checkAPIVersion(hdr.Get("X-API-Version"))
}

// checkAPIVersion accepts "1.4.0" or "v1.4.0". Backends that do
// not send the header are assumed to speak v1.
func checkAPIVersion(v string) error {
	if v == "" {
		return nil
	}
	sv := v
	if !strings.HasPrefix(sv, "v") {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return fmt.Errorf("%w: unparseable version %q", ErrIncompatibleAPI, v)
	}
	if major := semver.Major(sv); major != APIMajor {
		return fmt.Errorf("%w: backend speaks %s, want %s",
			ErrIncompatibleAPI, major, APIMajor)
	}
	return nil
}

func (c *Client) do(
	ctx context.Context, method, path, idemKey string,
	in, out any,
) error {
	_, err := c.send(ctx, method, path, idemKey, in, out)
	return err
}

// send performs one request and returns the response headers.
func (c *Client) send(
	ctx context.Context, method, path, idemKey string,
	in, out any,
) (http.Header, error) {
	call := method + " " + path

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding body: %w", call, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", call, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header, &StatusError{
			Call: call,
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(msg)),
		}
	}

	if out == nil || method == http.MethodHead {
		return resp.Header, nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil && !errors.Is(err, io.EOF) {
		return resp.Header, fmt.Errorf("%s: parsing response: %w", call, err)
	}
	return resp.Header, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = u.Path + path
	return u.String()
}
