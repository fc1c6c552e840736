package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/pkg/offramp"
	"github.com/chainsafe/offramp-middleware/pkg/payout"
)

// FiatAmount converts a settlement token amount in base units to fiat at rate, rounded
// down to payoutDecimals places.
func FiatAmount(stable *big.Int, stableDecimals int32, rate decimal.Decimal, payoutDecimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(stable, -stableDecimals).Mul(rate).Truncate(payoutDecimals)
}

// initiatePayout asks the gateway for an existing payout before creating one; both calls are
// keyed by the request id. A new payout is only sent by the worker whose same-state claim
// succeeds, and that claim fixes the exchange rate on first use.
func (e *Engine) initiatePayout(ctx context.Context, s *step) Result {
	currency := s.req.FiatCurrency
	if currency == "" {
		currency = e.cfg.FiatCurrency
	}

	res, err := e.gateway.CheckPayoutStatus(ctx, s.req.RequestID)
	switch {
	case err == nil:
		s.logger.Info("Payout already known to gateway", zap.String("reference", res.Reference))
		if s.req.ExchangeRateUsed == nil || s.req.FiatAmountPayout == nil {
			if out, ok := e.claimPayout(ctx, s, currency); !ok {
				return out
			}
		}
	case errors.Is(err, payout.ErrPayoutNotFound):
		if out, ok := e.claimPayout(ctx, s, currency); !ok {
			return out
		}
		res, err = e.gateway.InitiatePayout(ctx, payout.Instruction{
			RequestID:     s.req.RequestID,
			AccountNumber: s.req.BankAccountNumber,
			BankCode:      s.req.BankCode,
			AccountName:   s.req.AccountName,
			Amount:        *s.req.FiatAmountPayout,
			Currency:      currency,
			Narration:     "Off-ramp " + s.req.RequestID,
		})
		if errors.Is(err, payout.ErrPayoutRejected) {
			return e.fail(ctx, s, err.Error())
		}
		if err != nil {
			return e.retry(ctx, s, err)
		}
	default:
		return e.retry(ctx, s, err)
	}

	now := e.now()
	ref := res.Reference
	out := e.advanceTo(ctx, s, offramp.StatusPayoutInitiated, offramp.Fields{
		PayoutReference:   &ref,
		PayoutInitiatedAt: &now,
	})
	if out.Outcome != OutcomeAdvanced {
		return out
	}
	return e.settlePayout(ctx, s, res)
}

// claimPayout bumps the request version before the gateway is called, fixing the rate and
// fiat amount if they are not set yet. It reports ok=false with the result to return when
// the claim is lost or the payout cannot go ahead.
func (e *Engine) claimPayout(ctx context.Context, s *step, currency string) (Result, bool) {
	f := offramp.Fields{}
	if s.req.ExchangeRateUsed == nil || s.req.FiatAmountPayout == nil {
		rate, err := e.rates.Rate(ctx, e.cfg.StableSymbol, currency)
		if err != nil {
			return e.retry(ctx, s, err), false
		}
		amount := FiatAmount(s.req.StableAmountReceived, e.cfg.StableDecimals, rate, e.cfg.PayoutDecimals)
		if !amount.IsPositive() {
			return e.fail(ctx, s, fmt.Sprintf("payout amount rounds to zero at rate %s", rate)), false
		}
		f.ExchangeRateUsed, f.FiatAmountPayout = &rate, &amount
		s.logger.Info("Fixing exchange rate",
			zap.String("rate", rate.String()), zap.String("fiat_amount", amount.String()), zap.String("currency", currency))
	}
	if err := e.apply(ctx, s, offramp.Next(s.req, s.req.Status, f)); err != nil {
		return e.transitionError(err), false
	}
	return Result{}, true
}

// confirmPayout polls the gateway until the payout settles or the confirmation timeout passes
func (e *Engine) confirmPayout(ctx context.Context, s *step) Result {
	res, err := e.gateway.CheckPayoutStatus(ctx, s.req.RequestID)
	if err != nil {
		if e.payoutExpired(s) {
			return e.fail(ctx, s, fmt.Sprintf("payout not confirmed within %s: %v", e.cfg.PayoutTimeout, err))
		}
		return e.transient(ctx, s, err)
	}
	if res.Status == payout.StatusPending {
		if e.payoutExpired(s) {
			return e.fail(ctx, s, fmt.Sprintf("payout %s not confirmed within %s", res.Reference, e.cfg.PayoutTimeout))
		}
		if s.req.ErrorMessage != "" {
			cleared := ""
			if err := e.apply(ctx, s, offramp.Next(s.req, s.req.Status, offramp.Fields{ErrorMessage: &cleared})); err != nil {
				return e.transitionError(err)
			}
		}
		return Result{Outcome: OutcomeWaiting}
	}
	return e.settlePayout(ctx, s, res)
}

// settlePayout applies a final gateway status. A pending payout is left for the next pass.
func (e *Engine) settlePayout(ctx context.Context, s *step, res *payout.Result) Result {
	switch res.Status {
	case payout.StatusSuccess:
		now := e.now()
		s.logger.Info("Payout confirmed", zap.String("reference", res.Reference))
		return e.advanceTo(ctx, s, offramp.StatusPaid, offramp.Fields{PaidAt: &now})
	case payout.StatusFailed:
		msg := "payout failed"
		if res.FailureReason != "" {
			msg += ": " + res.FailureReason
		}
		return e.fail(ctx, s, msg)
	default:
		return Result{Outcome: OutcomeAdvanced}
	}
}

func (e *Engine) payoutExpired(s *step) bool {
	if e.cfg.PayoutTimeout <= 0 || s.req.PayoutInitiatedAt == nil {
		return false
	}
	return e.now().Sub(*s.req.PayoutInitiatedAt) > e.cfg.PayoutTimeout
}
