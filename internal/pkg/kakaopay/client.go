package kakaopay

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
	"os"
	"strings"
	"syscall"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	DefaultCID     = "TC0ONETIME"
)

var (
	// ErrTimeout marks requests that hit the client or context deadline.
	ErrTimeout = errors.New("kakaopay timeout")
	// ErrNetwork marks connection-level failures.
	ErrNetwork = errors.New("kakaopay network error")
	// ErrConfig marks a client that cannot issue requests.
	ErrConfig = errors.New("kakaopay config error")
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int
	Code       int    `json:"error_code"`
	Message    string `json:"error_message"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("kakaopay http error: status=%d code=%d message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("kakaopay http error: status=%d body=%s", e.StatusCode, e.Body)
}

// Client is the KakaoPay online payment HTTP client.
type Client struct {
	baseURL   string
	secretKey string
	cid       string
	http      *http.Client
}

// NewClient creates a new KakaoPay client.
func NewClient(baseURL, secretKey, cid string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cid == "" {
		cid = DefaultCID
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		cid:       cid,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// ReadyRequest opens a payment session.
type ReadyRequest struct {
	PartnerOrderID string
	PartnerUserID  string
	ItemName       string
	Quantity       int
	TotalAmount    int
	ApprovalURL    string
	CancelURL      string
	FailURL        string
}

// ReadyResponse carries the gateway transaction id and the redirect targets.
type ReadyResponse struct {
	TID                   string `json:"tid"`
	NextRedirectPCURL     string `json:"next_redirect_pc_url"`
	NextRedirectMobileURL string `json:"next_redirect_mobile_url"`
	NextRedirectAppURL    string `json:"next_redirect_app_url"`
	CreatedAt             string `json:"created_at"`
}

// ApproveRequest confirms a session with the pg_token from the approval redirect.
type ApproveRequest struct {
	TID            string
	PartnerOrderID string
	PartnerUserID  string
	PGToken        string
}

// Amount is the amount breakdown returned by the gateway.
type Amount struct {
	Total    int `json:"total"`
	TaxFree  int `json:"tax_free"`
	VAT      int `json:"vat"`
	Point    int `json:"point"`
	Discount int `json:"discount"`
}

// ApproveResponse is the confirmed payment.
type ApproveResponse struct {
	AID               string `json:"aid"`
	TID               string `json:"tid"`
	PartnerOrderID    string `json:"partner_order_id"`
	PaymentMethodType string `json:"payment_method_type"`
	Amount            Amount `json:"amount"`
	ApprovedAt        string `json:"approved_at"`
}

// CancelRequest refunds all or part of a payment.
type CancelRequest struct {
	TID          string
	CancelAmount int
}

// CancelResponse is the refund outcome.
type CancelResponse struct {
	TID            string `json:"tid"`
	Status         string `json:"status"`
	Amount         Amount `json:"amount"`
	CanceledAmount Amount `json:"canceled_amount"`
}

// Ready calls POST /ready.
func (c *Client) Ready(ctx context.Context, req ReadyRequest) (*ReadyResponse, error) {
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	body := map[string]interface{}{
		"cid":              c.cid,
		"partner_order_id": req.PartnerOrderID,
		"partner_user_id":  req.PartnerUserID,
		"item_name":        req.ItemName,
		"quantity":         quantity,
		"total_amount":     req.TotalAmount,
		"tax_free_amount":  0,
		"approval_url":     req.ApprovalURL,
		"cancel_url":       req.CancelURL,
		"fail_url":         req.FailURL,
	}
	var out ReadyResponse
	if err := c.post(ctx, "/ready", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve calls POST /approve.
func (c *Client) Approve(ctx context.Context, req ApproveRequest) (*ApproveResponse, error) {
	body := map[string]interface{}{
		"cid":              c.cid,
		"tid":              req.TID,
		"partner_order_id": req.PartnerOrderID,
		"partner_user_id":  req.PartnerUserID,
		"pg_token":         req.PGToken,
	}
	var out ApproveResponse
	if err := c.post(ctx, "/approve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel calls POST /cancel.
func (c *Client) Cancel(ctx context.Context, req CancelRequest) (*CancelResponse, error) {
	body := map[string]interface{}{
		"cid":                    c.cid,
		"tid":                    req.TID,
		"cancel_amount":          req.CancelAmount,
		"cancel_tax_free_amount": 0,
	}
	var out CancelResponse
	if err := c.post(ctx, "/cancel", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if c == nil || c.http == nil {
		return fmt.Errorf("%w: client is nil", ErrConfig)
	}
	if c.baseURL == "" || c.secretKey == "" {
		return fmt.Errorf("%w: base url or secret key is empty", ErrConfig)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kakaopay request error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("kakaopay request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "SECRET_KEY "+c.secretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyRequestError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("kakaopay decode error: %w", err)
	}
	return nil
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("kakaopay request error: %w", err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
