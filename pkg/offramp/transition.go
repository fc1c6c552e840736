package offramp

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Fields holds the optional field updates applied together with a status transition.
// A nil pointer leaves the stored value untouched. Trail fields and amounts are write-once:
// setting them to a different value than the one already stored is rejected.
type Fields struct {
	TokenAddress         *string
	TokenAmountDetected  *big.Int
	StableAmountReceived *big.Int
	ExchangeRateUsed     *decimal.Decimal
	FiatAmountPayout     *decimal.Decimal
	ScanFromBlock        *uint64
	InitialScanBlock     *uint64
	SwapVia              *string

	TxHashDeposit    *string
	TxHashGasFunding *string
	TxHashSwap       *string
	TxHashSweep      *string
	PayoutReference  *string

	TokenReceivedAt   *time.Time
	SwappedAt         *time.Time
	SweptAt           *time.Time
	PayoutInitiatedAt *time.Time
	PaidAt            *time.Time

	// ErrorMessage replaces the stored message; an empty string clears it.
	ErrorMessage *string
	// IncrementAttempts bumps VerificationAttempts by one.
	IncrementAttempts bool
}

// Transition is a compare-and-set request: it applies only while the stored request still has
// status From and version Version.
type Transition struct {
	RequestID string
	From      Status
	To        Status
	Version   int64
	Fields    Fields

	// Broadcasts are write-ahead rows persisted in the same unit as the transition.
	Broadcasts []*Broadcast
	// BroadcastUpdates change the status of previously recorded broadcasts.
	BroadcastUpdates []BroadcastUpdate

	Actor  string
	Reason string
}

// Next builds a transition from the current snapshot of r.
func Next(r *Request, to Status, f Fields) Transition {
	return Transition{
		RequestID: r.RequestID,
		From:      r.Status,
		To:        to,
		Version:   r.Version,
		Fields:    f,
	}
}

// Apply validates t against r and, when it is allowed, returns the updated copy of r.
// r itself is never modified.
func Apply(r *Request, t Transition, now time.Time) (*Request, error) {
	if r.Status != t.From || r.Version != t.Version {
		return nil, ErrStaleTransition
	}
	if !CanTransition(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}

	n := r.Clone()
	f := t.Fields

	if err := setOnceString("token_address", &n.TokenAddress, f.TokenAddress); err != nil {
		return nil, err
	}
	if err := setOnceString("tx_hash_deposit", &n.TxHashDeposit, f.TxHashDeposit); err != nil {
		return nil, err
	}
	if err := setOnceString("tx_hash_gas_funding", &n.TxHashGasFunding, f.TxHashGasFunding); err != nil {
		return nil, err
	}
	if err := setOnceString("tx_hash_swap", &n.TxHashSwap, f.TxHashSwap); err != nil {
		return nil, err
	}
	if err := setOnceString("tx_hash_sweep", &n.TxHashSweep, f.TxHashSweep); err != nil {
		return nil, err
	}
	if err := setOnceString("payout_reference", &n.PayoutReference, f.PayoutReference); err != nil {
		return nil, err
	}
	if err := setOnceString("swap_via", &n.SwapVia, f.SwapVia); err != nil {
		return nil, err
	}
	if err := setOnceInt("token_amount_detected", &n.TokenAmountDetected, f.TokenAmountDetected); err != nil {
		return nil, err
	}
	if err := setOnceInt("stable_amount_received", &n.StableAmountReceived, f.StableAmountReceived); err != nil {
		return nil, err
	}
	if err := setOnceDecimal("exchange_rate_used", &n.ExchangeRateUsed, f.ExchangeRateUsed); err != nil {
		return nil, err
	}
	if err := setOnceDecimal("fiat_amount_payout", &n.FiatAmountPayout, f.FiatAmountPayout); err != nil {
		return nil, err
	}

	if f.ScanFromBlock != nil {
		if *f.ScanFromBlock < n.ScanFromBlock {
			return nil, fmt.Errorf("%w: scan cursor cannot move backwards", ErrInvalidTransition)
		}
		n.ScanFromBlock = *f.ScanFromBlock
	}
	if f.InitialScanBlock != nil {
		if n.InitialScanBlock != 0 && n.InitialScanBlock != *f.InitialScanBlock {
			return nil, fmt.Errorf("%w: initial_scan_block", ErrFieldAlreadySet)
		}
		n.InitialScanBlock = *f.InitialScanBlock
	}
	setTime(&n.TokenReceivedAt, f.TokenReceivedAt)
	setTime(&n.SwappedAt, f.SwappedAt)
	setTime(&n.SweptAt, f.SweptAt)
	setTime(&n.PayoutInitiatedAt, f.PayoutInitiatedAt)
	setTime(&n.PaidAt, f.PaidAt)

	if f.ErrorMessage != nil {
		n.ErrorMessage = *f.ErrorMessage
	}
	if f.IncrementAttempts {
		n.VerificationAttempts++
	}

	n.Status = t.To
	n.Version++
	n.UpdatedAt = now

	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Reset returns a copy of r moved to status to, with every field that is not valid in the
// target state cleared. Attempts and the error message are cleared so that the request is
// retried from scratch. A reset to pending rewinds the deposit scan to where it started.
func Reset(r *Request, to Status, now time.Time) (*Request, error) {
	if !CanReset(r.Status, to) {
		return nil, fmt.Errorf("%w: reset %s -> %s", ErrInvalidTransition, r.Status, to)
	}

	n := r.Clone()
	if to != StatusFailed {
		target := stage[to]
		if target < stage[StatusPayoutInitiated] {
			n.PayoutReference = ""
			n.ExchangeRateUsed = nil
			n.FiatAmountPayout = nil
			n.PayoutInitiatedAt = nil
			n.PaidAt = nil
		}
		if target < stage[StatusSwept] {
			n.TxHashSweep = ""
			n.SweptAt = nil
		}
		if target < stage[StatusSwapped] {
			n.TxHashSwap = ""
			n.TxHashGasFunding = ""
			n.SwapVia = ""
			n.StableAmountReceived = nil
			n.SwappedAt = nil
		}
		if target < stage[StatusTokenReceived] {
			n.TokenAddress = ""
			n.TokenAmountDetected = nil
			n.TxHashDeposit = ""
			n.TokenReceivedAt = nil
			n.ScanFromBlock = n.InitialScanBlock
		}
	}

	n.Status = to
	n.ErrorMessage = ""
	n.VerificationAttempts = 0
	n.Version++
	n.UpdatedAt = now
	return n, nil
}

// InvalidatedKinds lists the broadcast kinds a reset to status to abandons.
func InvalidatedKinds(to Status) []BroadcastKind {
	switch to {
	case StatusPending, StatusTokenReceived:
		return []BroadcastKind{KindGasFunding, KindApprove, KindSwap, KindSweep}
	case StatusSwapped:
		return []BroadcastKind{KindSweep}
	default:
		return nil
	}
}

func setOnceString(name string, dst *string, v *string) error {
	if v == nil {
		return nil
	}
	if *dst != "" && *dst != *v {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, name)
	}
	*dst = *v
	return nil
}

func setOnceInt(name string, dst **big.Int, v *big.Int) error {
	if v == nil {
		return nil
	}
	if *dst != nil && (*dst).Cmp(v) != 0 {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, name)
	}
	*dst = new(big.Int).Set(v)
	return nil
}

func setOnceDecimal(name string, dst **decimal.Decimal, v *decimal.Decimal) error {
	if v == nil {
		return nil
	}
	if *dst != nil && !(*dst).Equal(*v) {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, name)
	}
	c := *v
	*dst = &c
	return nil
}

func setTime(dst **time.Time, v *time.Time) {
	if v == nil || *dst != nil {
		return
	}
	c := *v
	*dst = &c
}
