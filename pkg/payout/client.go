package payout

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chainsafe/offramp-middleware/internal/metrics"
	"github.com/chainsafe/offramp-middleware/pkg/config"
)

const (
	payoutsPath       = "/v1/payouts"
	idempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 4 << 10
)

type payoutRequest struct {
	Reference     string `json:"reference"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	AccountName   string `json:"account_name"`
	Narration     string `json:"narration,omitempty"`
}

type payoutResponse struct {
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Client is an HTTP implementation of Gateway
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a payout gateway client
func NewClient(cfg *config.PayoutConfig, logger *zap.Logger) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("payout"),
	}
}

// InitiatePayout submits a payout with Idempotency-Key set to the request id
func (c *Client) InitiatePayout(ctx context.Context, in Instruction) (*Result, error) {
	if in.RequestID == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrPayoutRejected)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrPayoutRejected)
	}

	body, err := json.Marshal(payoutRequest{
		Reference:     in.RequestID,
		Amount:        in.Amount.String(),
		Currency:      in.Currency,
		AccountNumber: in.AccountNumber,
		BankCode:      in.BankCode,
		AccountName:   in.AccountName,
		Narration:     in.Narration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payout: %w", err)
	}

	res, err := c.do(ctx, "initiate", http.MethodPost, payoutsPath, in.RequestID, body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Payout initiated",
		zap.String("request_id", in.RequestID),
		zap.String("reference", res.Reference),
		zap.String("status", string(res.Status)))
	return res, nil
}

// CheckPayoutStatus fetches the payout for requestID
func (c *Client) CheckPayoutStatus(ctx context.Context, requestID string) (*Result, error) {
	return c.do(ctx, "status", http.MethodGet, payoutsPath+"/"+url.PathEscape(requestID), requestID, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, requestID string, body []byte) (res *Result, err error) {
	defer func() {
		metrics.PayoutCalls.WithLabelValues(op, resultLabel(err)).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build payout request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(idempotencyHeader, requestID)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return nil, ErrPayoutNotFound
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s: status %d", ErrGatewayUnavailable, op, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrPayoutRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out payoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// A 2xx we cannot read is still an unknown outcome.
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrGatewayUnavailable, op, err)
	}

	status, err := parseStatus(out.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}
	reference := out.Reference
	if reference == "" {
		reference = requestID
	}
	return &Result{Reference: reference, Status: status, FailureReason: out.FailureReason}, nil
}

func parseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "pending", "processing", "queued", "new":
		return StatusPending, nil
	case "success", "successful", "completed", "paid":
		return StatusSuccess, nil
	case "failed", "reversed", "rejected", "cancelled":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown payout status %q", s)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPayoutNotFound):
		return "not_found"
	case errors.Is(err, ErrPayoutRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
