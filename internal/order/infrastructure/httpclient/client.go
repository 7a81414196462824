// Package httpclient talks to the order HTTP API on behalf of orderctl.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is an error response returned by the order API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

var (
	ErrUnavailable = &APIError{Status: http.StatusServiceUnavailable, Message: "service unavailable"}
	ErrInternal    = &APIError{Status: http.StatusInternalServerError, Message: "internal error"}
)

type Client struct {
	base  string
	token string
	http  *http.Client
}

func New(base, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), token: token, http: hc}
}

func (c *Client) GetOrder(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil)
}

func (c *Client) GetOrderByNumber(ctx context.Context, number string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/orders/by-number/"+url.PathEscape(number), nil)
}

func (c *Client) ListOrders(ctx context.Context, status, customer string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if customer != "" {
		q.Set("customer_id", customer)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/v1/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) Transition(ctx context.Context, id, event, reason string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/transitions",
		map[string]string{"event": event, "reason": reason})
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/orders/"+url.PathEscape(id)+"/cancel",
		map[string]string{"reason": reason})
}

func (c *Client) Saga(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id)+"/saga", nil)
}

// do sends one request. Upstream error responses come back as *APIError
// with their status and message; transport failures as ErrUnavailable;
// anything else as ErrInternal.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, ErrInternal
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, ErrInternal
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Message: message(raw, resp.Status)}
	}
	if !json.Valid(raw) {
		return nil, ErrInternal
	}
	return raw, nil
}

func message(raw []byte, fallback string) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 200 {
		return s
	}
	return fallback
}

func classify(err error) error {
	var netErr net.Error
	var opErr *net.OpError
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &opErr),
		errors.As(err, &netErr),
		errors.As(err, &urlErr):
		return ErrUnavailable
	default:
		return ErrInternal
	}
}
