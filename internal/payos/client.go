// Package payos is a client for the PayOS merchant API: payment link
// creation, lookup and cancellation, plus webhook signature verification.
package payos

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
)

// DefaultBaseURL is the PayOS merchant API endpoint.
const DefaultBaseURL = "https://api-merchant.payos.vn"

// codeSuccess is the PayOS response code for a successful call.
const codeSuccess = "00"

// Payment link statuses reported by PayOS.
const (
	StatusPending   = "PENDING"
	StatusPaid      = "PAID"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
)

// APIError is returned when PayOS answers with a non-success code.
type APIError struct {
	HTTPStatus int
	Code       string
	Desc       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payos: %s (code %s, http %d)", e.Desc, e.Code, e.HTTPStatus)
}

// IsAPIError reports whether err carries a PayOS API error.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Options configures a Client.
type Options struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
	BaseURL     string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client talks to the PayOS merchant API.
type Client struct {
	clientID string
	apiKey   string
	signer   *Signer
	baseURL  string
	http     *http.Client
}

// NewClient creates a PayOS client.
func NewClient(opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.APIKey == "" || opts.ChecksumKey == "" {
		return nil, fmt.Errorf("payos: client id, api key and checksum key are required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		clientID: opts.ClientID,
		apiKey:   opts.APIKey,
		signer:   NewSigner(opts.ChecksumKey),
		baseURL:  baseURL,
		http:     hc,
	}, nil
}

// Item is a line item shown on the PayOS checkout page.
type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// CheckoutRequest describes a payment link to create.
type CheckoutRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	BuyerName   string `json:"buyerName,omitempty"`
	BuyerEmail  string `json:"buyerEmail,omitempty"`
	Items       []Item `json:"items,omitempty"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt,omitempty"` // unix seconds
	Signature   string `json:"signature"`
}

// CheckoutResponse is the data returned for a created payment link.
type CheckoutResponse struct {
	Bin           string `json:"bin"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	OrderCode     int64  `json:"orderCode"`
	Currency      string `json:"currency"`
	PaymentLinkID string `json:"paymentLinkId"`
	Status        string `json:"status"`
	CheckoutURL   string `json:"checkoutUrl"`
	QRCode        string `json:"qrCode"`
}

// PaymentLink is the state of a payment link as reported by PayOS.
type PaymentLink struct {
	ID                 string        `json:"id"`
	OrderCode          int64         `json:"orderCode"`
	Amount             int64         `json:"amount"`
	AmountPaid         int64         `json:"amountPaid"`
	AmountRemaining    int64         `json:"amountRemaining"`
	Status             string        `json:"status"`
	CreatedAt          string        `json:"createdAt"`
	Transactions       []Transaction `json:"transactions"`
	CancellationReason *string       `json:"cancellationReason"`
	CanceledAt         *string       `json:"canceledAt"`
}

// Transaction is a bank transfer matched to a payment link.
type Transaction struct {
	Reference           string `json:"reference"`
	Amount              int64  `json:"amount"`
	AccountNumber       string `json:"accountNumber"`
	Description         string `json:"description"`
	TransactionDateTime string `json:"transactionDateTime"`
}

type envelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature,omitempty"`
}

// CreatePaymentLink creates a payment link. The request signature is
// computed by the client.
func (c *Client) CreatePaymentLink(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	if req.OrderCode <= 0 {
		return nil, fmt.Errorf("payos: order code must be positive")
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("payos: amount must be positive")
	}
	req.Signature = c.signer.SignCheckout(req)

	var out CheckoutResponse
	if err := c.do(ctx, http.MethodPost, "/v2/payment-requests", req, &out); err != nil {
		return nil, fmt.Errorf("create payment link: %w", err)
	}
	return &out, nil
}

// GetPaymentLink returns the current state of a payment link. id may be the
// payment link ID or the order code.
func (c *Client) GetPaymentLink(ctx context.Context, id string) (*PaymentLink, error) {
	var out PaymentLink
	if err := c.do(ctx, http.MethodGet, "/v2/payment-requests/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get payment link: %w", err)
	}
	return &out, nil
}

// CancelPaymentLink cancels a pending payment link.
func (c *Client) CancelPaymentLink(ctx context.Context, id, reason string) (*PaymentLink, error) {
	body := map[string]string{}
	if reason != "" {
		body["cancellationReason"] = reason
	}
	var out PaymentLink
	if err := c.do(ctx, http.MethodPost, "/v2/payment-requests/"+url.PathEscape(id)+"/cancel", body, &out); err != nil {
		return nil, fmt.Errorf("cancel payment link: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-api-key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{HTTPStatus: resp.StatusCode, Code: "", Desc: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode >= 300 || env.Code != codeSuccess {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Desc: env.Desc}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
