// Package offramp holds the domain model of an off-ramp settlement request: its lifecycle
// states, the fields each state requires, and the rules for updating them.
package offramp

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("off-ramp request not found")
	ErrStaleTransition   = errors.New("stale transition: request was modified concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrFieldAlreadySet   = errors.New("field already set")
	ErrActiveRequest     = errors.New("user already has an active off-ramp request")
	ErrMissingField      = errors.New("required field missing")
)

// Request is a single off-ramp request tracked through the settlement pipeline.
type Request struct {
	RequestID         string
	UserIdentifier    string
	DerivationIndex   uint32
	DerivationVersion int
	DepositAddress    string

	BankAccountNumber string
	BankCode          string
	AccountName       string

	FiatAmountRequested decimal.Decimal
	FiatCurrency        string

	// TokenAddress is the ERC-20 contract of the detected deposit.
	TokenAddress         string
	TokenAmountDetected  *big.Int
	StableAmountReceived *big.Int
	ExchangeRateUsed     *decimal.Decimal
	FiatAmountPayout     *decimal.Decimal

	// ScanFromBlock is the first block not yet scanned for deposits.
	ScanFromBlock uint64
	// InitialScanBlock is where the deposit scan started. A reset to pending rewinds to it.
	InitialScanBlock uint64
	SwapVia          string

	Status               Status
	ErrorMessage         string
	VerificationAttempts int
	Version              int64

	TxHashDeposit    string
	TxHashGasFunding string
	TxHashSwap       string
	TxHashSweep      string
	PayoutReference  string

	CreatedAt         time.Time
	TokenReceivedAt   *time.Time
	SwappedAt         *time.Time
	SweptAt           *time.Time
	PayoutInitiatedAt *time.Time
	PaidAt            *time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := *r
	if r.TokenAmountDetected != nil {
		c.TokenAmountDetected = new(big.Int).Set(r.TokenAmountDetected)
	}
	if r.StableAmountReceived != nil {
		c.StableAmountReceived = new(big.Int).Set(r.StableAmountReceived)
	}
	c.ExchangeRateUsed = cloneDecimal(r.ExchangeRateUsed)
	c.FiatAmountPayout = cloneDecimal(r.FiatAmountPayout)
	c.TokenReceivedAt = cloneTime(r.TokenReceivedAt)
	c.SwappedAt = cloneTime(r.SwappedAt)
	c.SweptAt = cloneTime(r.SweptAt)
	c.PayoutInitiatedAt = cloneTime(r.PayoutInitiatedAt)
	c.PaidAt = cloneTime(r.PaidAt)
	return &c
}

// Validate checks that every field required by the request's current status is populated.
func (r *Request) Validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s is required in status %s", ErrMissingField, name, r.Status)
	}
	if r.RequestID == "" {
		return missing("request_id")
	}
	if r.DepositAddress == "" {
		return missing("deposit_address")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Status == StatusFailed || r.Status == StatusPending {
		return nil
	}

	s := stage[r.Status]
	if s >= stage[StatusTokenReceived] {
		switch {
		case r.TokenAmountDetected == nil || r.TokenAmountDetected.Sign() <= 0:
			return missing("token_amount_detected")
		case r.TxHashDeposit == "":
			return missing("tx_hash_deposit")
		case r.TokenAddress == "":
			return missing("token_address")
		case r.TokenReceivedAt == nil:
			return missing("token_received_at")
		}
	}
	if s >= stage[StatusSwapped] {
		switch {
		case r.TxHashSwap == "":
			return missing("tx_hash_swap")
		case r.StableAmountReceived == nil || r.StableAmountReceived.Sign() <= 0:
			return missing("stable_amount_received")
		case r.SwappedAt == nil:
			return missing("swapped_at")
		}
	}
	if s >= stage[StatusSwept] {
		switch {
		case r.TxHashSweep == "":
			return missing("tx_hash_sweep")
		case r.SweptAt == nil:
			return missing("swept_at")
		}
	}
	if s >= stage[StatusPayoutInitiated] {
		switch {
		case r.PayoutReference == "":
			return missing("payout_reference")
		case r.ExchangeRateUsed == nil:
			return missing("exchange_rate_used")
		case r.FiatAmountPayout == nil:
			return missing("fiat_amount_payout")
		case r.PayoutInitiatedAt == nil:
			return missing("payout_initiated_at")
		}
	}
	if s >= stage[StatusPaid] && r.PaidAt == nil {
		return missing("paid_at")
	}
	return nil
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
