package payos

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidSignature is returned when a webhook signature does not match.
var ErrInvalidSignature = errors.New("payos: invalid signature")

// Signer computes and checks PayOS HMAC-SHA256 signatures.
type Signer struct {
	key []byte
}

// NewSigner creates a signer for the given checksum key.
func NewSigner(checksumKey string) *Signer {
	return &Signer{key: []byte(checksumKey)}
}

// SignCheckout signs the fields of a payment link request.
func (s *Signer) SignCheckout(req CheckoutRequest) string {
	payload := "amount=" + strconv.FormatInt(req.Amount, 10) +
		"&cancelUrl=" + req.CancelURL +
		"&description=" + req.Description +
		"&orderCode=" + strconv.FormatInt(req.OrderCode, 10) +
		"&returnUrl=" + req.ReturnURL
	return s.sign(payload)
}

// SignData signs a JSON object: keys sorted alphabetically, joined as
// k=v&k=v, null rendered as an empty string.
func (s *Signer) SignData(data json.RawMessage) (string, error) {
	payload, err := canonicalData(data)
	if err != nil {
		return "", err
	}
	return s.sign(payload), nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookData is the payment notification carried by a PayOS webhook.
type WebhookData struct {
	OrderCode              int64  `json:"orderCode"`
	Amount                 int64  `json:"amount"`
	Description            string `json:"description"`
	AccountNumber          string `json:"accountNumber"`
	Reference              string `json:"reference"`
	TransactionDateTime    string `json:"transactionDateTime"`
	Currency               string `json:"currency"`
	PaymentLinkID          string `json:"paymentLinkId"`
	Code                   string `json:"code"`
	Desc                   string `json:"desc"`
	CounterAccountBankID   string `json:"counterAccountBankId"`
	CounterAccountBankName string `json:"counterAccountBankName"`
	CounterAccountName     string `json:"counterAccountName"`
	CounterAccountNumber   string `json:"counterAccountNumber"`
	VirtualAccountName     string `json:"virtualAccountName"`
	VirtualAccountNumber   string `json:"virtualAccountNumber"`
}

// Webhook is a verified PayOS webhook.
type Webhook struct {
	Code    string
	Desc    string
	Success bool
	Data    WebhookData
}

// Paid reports whether both the envelope and the payment carry the success code.
func (w *Webhook) Paid() bool {
	return w.Code == codeSuccess && w.Data.Code == codeSuccess
}

type webhookBody struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// VerifyWebhook parses a webhook body and checks its signature.
func (s *Signer) VerifyWebhook(body []byte) (*Webhook, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("payos: decode webhook: %w", err)
	}
	if len(wb.Data) == 0 || string(wb.Data) == "null" || wb.Signature == "" {
		return nil, ErrInvalidSignature
	}

	expected, err := s.SignData(wb.Data)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(wb.Signature))) {
		return nil, ErrInvalidSignature
	}

	wh := &Webhook{Code: wb.Code, Desc: wb.Desc, Success: wb.Success}
	if err := json.Unmarshal(wb.Data, &wh.Data); err != nil {
		return nil, fmt.Errorf("payos: decode webhook data: %w", err)
	}
	return wh, nil
}

// VerifyWebhook checks a webhook with the client's checksum key.
func (c *Client) VerifyWebhook(body []byte) (*Webhook, error) {
	return c.signer.VerifyWebhook(body)
}

func canonicalData(data json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return "", fmt.Errorf("payos: decode signed data: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		v, err := formatValue(fields[k])
		if err != nil {
			return "", err
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func formatValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		if x == "null" || x == "undefined" {
			return "", nil
		}
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		out, err := json.Marshal(x)
		if err != nil {
			return "", fmt.Errorf("payos: encode signed value: %w", err)
		}
		return string(out), nil
	}
}
