package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/pkg/config"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(&config.PayoutConfig{
		BaseURL: srv.URL + "/",
		APIKey:  "secret-key",
		Timeout: 2 * time.Second,
	}, zap.NewNop())
}

func instruction() Instruction {
	return Instruction{
		RequestID:     "req-1",
		AccountNumber: "0123456789",
		BankCode:      "058",
		AccountName:   "Ada Obi",
		Amount:        decimal.RequireFromString("15000.50"),
		Currency:      "NGN",
	}
}

func TestInitiatePayout_SendsIdempotencyKey(t *testing.T) {
	var got payoutRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payouts", r.URL.Path)
		assert.Equal(t, "req-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(payoutResponse{Reference: "PAY-9", Status: "processing"})
	}))

	res, err := c.InitiatePayout(context.Background(), instruction())
	require.NoError(t, err)
	assert.Equal(t, "PAY-9", res.Reference)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, "15000.5", got.Amount)
	assert.Equal(t, "req-1", got.Reference)
}

func TestInitiatePayout_ReplayReturnsSamePayout(t *testing.T) {
	var mu sync.Mutex
	var creates int
	payouts := map[string]string{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		key := r.Header.Get("Idempotency-Key")
		if _, ok := payouts[key]; !ok {
			creates++
			payouts[key] = "PAY-1"
		}
		_ = json.NewEncoder(w).Encode(payoutResponse{Reference: payouts[key], Status: "pending"})
	}))

	first, err := c.InitiatePayout(context.Background(), instruction())
	require.NoError(t, err)
	second, err := c.InitiatePayout(context.Background(), instruction())
	require.NoError(t, err)

	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, 1, creates)
}

func TestInitiatePayout_ErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "validation error", status: http.StatusUnprocessableEntity, want: ErrPayoutRejected},
		{name: "bad request", status: http.StatusBadRequest, want: ErrPayoutRejected},
		{name: "server error", status: http.StatusBadGateway, want: ErrGatewayUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, want: ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			_, err := c.InitiatePayout(context.Background(), instruction())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInitiatePayout_RejectsNonPositiveAmount(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("gateway must not be called")
	}))
	in := instruction()
	in.Amount = decimal.Zero

	_, err := c.InitiatePayout(context.Background(), in)
	assert.ErrorIs(t, err, ErrPayoutRejected)
}

func TestInitiatePayout_TimeoutIsUnknownOutcome(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	c := NewClient(&config.PayoutConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())

	_, err := c.InitiatePayout(context.Background(), instruction())
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestCheckPayoutStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/v1/payouts/req-1":
			_ = json.NewEncoder(w).Encode(payoutResponse{Reference: "PAY-1", Status: "successful"})
		case "/v1/payouts/req-2":
			_ = json.NewEncoder(w).Encode(payoutResponse{Reference: "PAY-2", Status: "reversed", FailureReason: "account closed"})
		default:
			http.NotFound(w, r)
		}
	}))

	res, err := c.CheckPayoutStatus(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	res, err = c.CheckPayoutStatus(context.Background(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "account closed", res.FailureReason)

	_, err = c.CheckPayoutStatus(context.Background(), "req-3")
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestCheckPayoutStatus_UnknownStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(payoutResponse{Reference: "PAY-1", Status: "teleported"})
	}))

	_, err := c.CheckPayoutStatus(context.Background(), "req-1")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}
