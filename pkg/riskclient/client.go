// Package riskclient is a Go client for the risk gateway. It signs every request the
// way the gateway authenticator expects and verifies webhook signatures.
package riskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vanshika/fintrace/riskpipe/internal/auth"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	AssessPath     = "/v1/transaction/assess"
	HealthPath     = "/health"
)

// TransactionRequest is the payload submitted for assessment.
type TransactionRequest struct {
	TxnID             string          `json:"txnId,omitempty"`
	UserID            string          `json:"userId"`
	ReceiverID        string          `json:"receiverId"`
	Amount            decimal.Decimal `json:"-"`
	Currency          string          `json:"currency,omitempty"`
	MerchantID        string          `json:"merchantId,omitempty"`
	TxnType           string          `json:"txnType,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
}

// MarshalJSON writes Amount as a bare JSON number.
func (r TransactionRequest) MarshalJSON() ([]byte, error) {
	type plain TransactionRequest
	return json.Marshal(struct {
		plain
		Amount json.RawMessage `json:"amount"`
	}{plain: plain(r), Amount: json.RawMessage(r.Amount.String())})
}

// UnmarshalJSON accepts amount as a JSON number or a quoted decimal.
func (r *TransactionRequest) UnmarshalJSON(data []byte) error {
	type plain TransactionRequest
	aux := struct {
		*plain
		Amount decimal.Decimal `json:"amount"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Amount = aux.Amount
	return nil
}

// TransactionResponse is the gateway acknowledgement.
type TransactionResponse struct {
	TxnID   string `json:"txnId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// GatewayError is returned for non-2xx gateway responses.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error: %d - %s", e.StatusCode, e.Message)
}

// Signature holds the values placed in x-timestamp and x-signature.
type Signature struct {
	Timestamp string
	Signature string
}

// BuildSignature signs body for method and path at the given instant.
func BuildSignature(secret, method, path string, body []byte, at time.Time) Signature {
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	return Signature{Timestamp: ts, Signature: auth.Sign(secret, ts, method, path, body)}
}

// VerifyWebhook checks an X-Webhook-Signature value against the received body.
func VerifyWebhook(secret string, body []byte, signature string) bool {
	return auth.VerifyMAC(secret, body, signature)
}

// Options configures a Client.
type Options struct {
	ClientID   string
	Secret     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the gateway.
type Client struct {
	clientID string
	secret   string
	baseURL  string
	http     *http.Client
	now      func() time.Time
}

// New builds a Client.
func New(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		clientID: opts.ClientID,
		secret:   opts.Secret,
		baseURL:  baseURL,
		http:     hc,
		now:      time.Now,
	}
}

// AssessTransaction submits req for asynchronous scoring.
func (c *Client) AssessTransaction(ctx context.Context, req TransactionRequest) (TransactionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TransactionResponse{}, fmt.Errorf("encode request: %w", err)
	}
	return c.AssessRaw(ctx, body)
}

// AssessRaw submits an already serialized body. The signature covers these exact bytes.
func (c *Client) AssessRaw(ctx context.Context, body []byte) (TransactionResponse, error) {
	var out TransactionResponse
	if err := c.do(ctx, http.MethodPost, AssessPath, body, &out); err != nil {
		return TransactionResponse{}, err
	}
	return out, nil
}

// Get performs a signed GET and decodes the JSON response into dst.
func (c *Client) Get(ctx context.Context, path string, dst any) error {
	return c.do(ctx, http.MethodGet, path, nil, dst)
}

// Health reports whether the gateway answers its health probe.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, dst any) error {
	sig := BuildSignature(c.secret, method, path, body, c.now())

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderClientID, c.clientID)
	req.Header.Set(auth.HeaderTimestamp, sig.Timestamp)
	req.Header.Set(auth.HeaderSignature, sig.Signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &GatewayError{StatusCode: resp.StatusCode, Message: msg}
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
