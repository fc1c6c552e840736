package intake

import (
	"time"

	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

// CreateRequest is the intake payload of a new off-ramp
type CreateRequest struct {
	UserIdentifier    string `json:"user_identifier" validate:"required,max=256"`
	BankAccountNumber string `json:"bank_account_number" validate:"required,numeric,min=6,max=20"`
	BankCode          string `json:"bank_code" validate:"required,alphanum,max=16"`
	AccountName       string `json:"account_name" validate:"required,max=128"`
	FiatAmount        string `json:"fiat_amount" validate:"required,numeric"`
	FiatCurrency      string `json:"fiat_currency,omitempty" validate:"omitempty,len=3,alpha"`
}

// CreateResponse tells the user where to deposit
type CreateResponse struct {
	RequestID      string         `json:"request_id"`
	DepositAddress string         `json:"deposit_address"`
	Status         offramp.Status `json:"status"`
	// Existing is true when the user's pending request was returned instead of a new one
	Existing bool `json:"existing"`
}

// ResetRequest is an operator override
type ResetRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"required,max=512"`
}

// DeleteRequest carries the reason for an operator deletion
type DeleteRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

// Trail holds the settlement references of a request
type Trail struct {
	TxHashDeposit    string `json:"tx_hash_deposit,omitempty"`
	TxHashGasFunding string `json:"tx_hash_gas_funding,omitempty"`
	TxHashSwap       string `json:"tx_hash_swap,omitempty"`
	TxHashSweep      string `json:"tx_hash_sweep,omitempty"`
	PayoutReference  string `json:"payout_reference,omitempty"`
	SwapVia          string `json:"swap_via,omitempty"`
}

// Timestamps of the lifecycle of a request
type Timestamps struct {
	CreatedAt         time.Time  `json:"created_at"`
	TokenReceivedAt   *time.Time `json:"token_received_at,omitempty"`
	SwappedAt         *time.Time `json:"swapped_at,omitempty"`
	SweptAt           *time.Time `json:"swept_at,omitempty"`
	PayoutInitiatedAt *time.Time `json:"payout_initiated_at,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RequestView is the status of a request as shown to clients. Bank details are masked.
type RequestView struct {
	RequestID            string         `json:"request_id"`
	Status               offramp.Status `json:"status"`
	DepositAddress       string         `json:"deposit_address"`
	BankAccount          string         `json:"bank_account"`
	FiatAmountRequested  string         `json:"fiat_amount_requested"`
	FiatCurrency         string         `json:"fiat_currency"`
	TokenAddress         string         `json:"token_address,omitempty"`
	TokenAmountDetected  string         `json:"token_amount_detected,omitempty"`
	StableAmountReceived string         `json:"stable_amount_received,omitempty"`
	ExchangeRateUsed     string         `json:"exchange_rate_used,omitempty"`
	FiatAmountPayout     string         `json:"fiat_amount_payout,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	Attempts             int            `json:"attempts"`
	Trail                Trail          `json:"trail"`
	Timestamps           Timestamps     `json:"timestamps"`
}

// EventView is one audit record
type EventView struct {
	From      offramp.Status `json:"from,omitempty"`
	To        offramp.Status `json:"to"`
	Actor     string         `json:"actor"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewRequestView renders r for clients
func NewRequestView(r *offramp.Request) *RequestView {
	v := &RequestView{
		RequestID:           r.RequestID,
		Status:              r.Status,
		DepositAddress:      r.DepositAddress,
		BankAccount:         maskAccount(r.BankAccountNumber),
		FiatAmountRequested: r.FiatAmountRequested.String(),
		FiatCurrency:        r.FiatCurrency,
		TokenAddress:        r.TokenAddress,
		ErrorMessage:        r.ErrorMessage,
		Attempts:            r.VerificationAttempts,
		Trail: Trail{
			TxHashDeposit:    r.TxHashDeposit,
			TxHashGasFunding: r.TxHashGasFunding,
			TxHashSwap:       r.TxHashSwap,
			TxHashSweep:      r.TxHashSweep,
			PayoutReference:  r.PayoutReference,
			SwapVia:          r.SwapVia,
		},
		Timestamps: Timestamps{
			CreatedAt:         r.CreatedAt,
			TokenReceivedAt:   r.TokenReceivedAt,
			SwappedAt:         r.SwappedAt,
			SweptAt:           r.SweptAt,
			PayoutInitiatedAt: r.PayoutInitiatedAt,
			PaidAt:            r.PaidAt,
			UpdatedAt:         r.UpdatedAt,
		},
	}
	if r.TokenAmountDetected != nil {
		v.TokenAmountDetected = r.TokenAmountDetected.String()
	}
	if r.StableAmountReceived != nil {
		v.StableAmountReceived = r.StableAmountReceived.String()
	}
	if r.ExchangeRateUsed != nil {
		v.ExchangeRateUsed = r.ExchangeRateUsed.String()
	}
	if r.FiatAmountPayout != nil {
		v.FiatAmountPayout = r.FiatAmountPayout.String()
	}
	return v
}

func newEventView(e *offramp.Event) EventView {
	return EventView{
		From:      e.FromStatus,
		To:        e.ToStatus,
		Actor:     e.Actor,
		Reason:    e.Reason,
		CreatedAt: e.CreatedAt,
	}
}

func maskAccount(n string) string {
	if len(n) <= 4 {
		return "****"
	}
	return "******" + n[len(n)-4:]
}
