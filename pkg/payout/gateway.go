// Package payout adapts the fiat payout provider. Every payout is keyed by the off-ramp request
// id, so a retried initiation can never pay twice.
package payout

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPayoutNotFound means the provider has no payout for the request id.
	ErrPayoutNotFound = errors.New("payout not found")
	// ErrPayoutRejected means the provider refused the instruction permanently.
	ErrPayoutRejected = errors.New("payout rejected")
	// ErrGatewayUnavailable means the outcome is unknown: the call failed, timed out, or the
	// provider answered with a server error.
	ErrGatewayUnavailable = errors.New("payout gateway unavailable")
)

// Status is the provider-side state of a payout
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Instruction is a request to pay fiat into a bank account
type Instruction struct {
	// RequestID is the off-ramp request id, used as the idempotency key and merchant reference.
	RequestID     string
	AccountNumber string
	BankCode      string
	AccountName   string
	Amount        decimal.Decimal
	Currency      string
	Narration     string
}

// Result is the provider's view of a payout
type Result struct {
	Reference     string
	Status        Status
	FailureReason string
}

// Gateway initiates payouts and reports their state
type Gateway interface {
	// InitiatePayout submits the instruction. Submitting the same RequestID twice returns the
	// existing payout.
	InitiatePayout(ctx context.Context, in Instruction) (*Result, error)
	// CheckPayoutStatus looks a payout up by request id. It returns ErrPayoutNotFound when
	// the provider never received the instruction.
	CheckPayoutStatus(ctx context.Context, requestID string) (*Result, error)
}
