package venue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// RPC — подписанный HTTP-клиент к внешнему сервису подписи/бродкаста.
// Протокол узкий: POST /v1/orders и GET /v1/orders/{hash}.
type RPC struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
}

func NewRPC(baseURL, apiKey, apiSecret string, timeout time.Duration) *RPC {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPC{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *RPC) sign(ts, method, path, body string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (c *RPC) Submit(ctx context.Context, order *Order) (*Submission, error) {
	payload, err := sonic.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("venue.Submit marshal: %w", err)
	}

	const requestPath = "/v1/orders"
	data, err := c.do(ctx, http.MethodPost, requestPath, payload)
	if err != nil {
		return nil, err
	}

	var r struct {
		Hash   string `json:"hash"`
		Status string `json:"status"`
		Code   string `json:"code"`
		Msg    string `json:"msg"`
	}
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("venue.Submit decode: %w; body=%s", err, string(data))
	}
	if r.Code != "" && r.Code != "0" {
		return nil, classify(r.Code, r.Msg)
	}
	if r.Hash == "" {
		return nil, fmt.Errorf("venue.Submit: empty hash, body=%s", string(data))
	}
	return &Submission{Hash: r.Hash, Status: TxStatus(r.Status)}, nil
}

func (c *RPC) Status(ctx context.Context, hash string) (*Receipt, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/orders/"+hash, nil)
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("venue.Status decode: %w; body=%s", err, string(data))
	}
	return &r, nil
}

func (c *RPC) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	sign := c.sign(ts, method, path, string(payload))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("venue request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-API-SIGN", sign)
	req.Header.Set("X-API-TIMESTAMP", ts)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, fmt.Errorf("venue http: %v: %w", err, ErrRPCUnavailable)
		}
		return nil, fmt.Errorf("venue http: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 == 5 {
		return nil, fmt.Errorf("venue http %d: %s: %w", resp.StatusCode, string(data), ErrRPCUnavailable)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("venue http %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// classify переводит коды исполнителя в ошибки ядра.
func classify(code, msg string) error {
	switch code {
	case "nonce_conflict":
		return fmt.Errorf("venue: %s: %w", msg, ErrNonceConflict)
	case "insufficient_funds":
		return fmt.Errorf("venue: %s: %w", msg, ErrInsufficientFunds)
	case "reverted":
		return fmt.Errorf("venue: %s: %w", msg, ErrReverted)
	default:
		return fmt.Errorf("venue: code=%s msg=%s: %w", code, msg, ErrRPCUnavailable)
	}
}

var _ Venue = (*RPC)(nil)
