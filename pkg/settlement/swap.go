package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/pkg/ethereum"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
	"github.com/chainsafe/offramp-middleware/pkg/swap"
)

// executeSwap converts the detected deposit into the settlement token. A recorded swap that
// may still be in flight is always resumed; a new one is only signed when none is live.
func (e *Engine) executeSwap(ctx context.Context, s *step) Result {
	broadcasts, err := e.store.ListBroadcasts(ctx, s.req.RequestID)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	if sw := offramp.LatestLive(broadcasts, offramp.KindSwap); sw != nil {
		s.logger.Info("Resuming recorded swap", zap.String("tx_hash", sw.TxHash))
		return e.awaitSwap(ctx, s, offramp.LatestLive(broadcasts, offramp.KindApprove), sw)
	}

	tokenIn := common.HexToAddress(s.req.TokenAddress)
	amountIn := s.req.TokenAmountDetected

	route, err := e.router.FindRoute(ctx, tokenIn, e.cfg.StableToken)
	if errors.Is(err, swap.ErrNoRoute) {
		return e.park(ctx, s, err)
	}
	if err != nil {
		return e.transient(ctx, s, err)
	}
	quote, err := e.router.Quote(ctx, route, amountIn)
	if errors.Is(err, swap.ErrNoLiquidity) {
		return e.park(ctx, s, err)
	}
	if err != nil {
		return e.transient(ctx, s, err)
	}
	minOut := e.router.MinAmountOut(quote)
	if minOut.Sign() <= 0 {
		return e.park(ctx, s, fmt.Errorf("%w: quote %s leaves no minimum output", swap.ErrNoLiquidity, quote))
	}

	balance, err := e.chain.BalanceOf(ctx, tokenIn, s.key.Address)
	if err != nil {
		return e.transient(ctx, s, err)
	}
	if balance.Cmp(amountIn) < 0 {
		return e.retry(ctx, s, fmt.Errorf("deposit balance %s is below detected amount %s", balance, amountIn))
	}

	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return e.transient(ctx, s, err)
	}
	// Fund the sweep together with the swap so the next step rarely needs a second top-up.
	if res, ok := e.ensureGas(ctx, s, e.router.GasLimit()+e.cfg.SweepGas, gasPrice); !ok {
		return res
	}

	signer, err := e.signer(s)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	nonce, err := e.chain.PendingNonce(ctx, s.key.Address)
	if err != nil {
		return e.transient(ctx, s, err)
	}
	txs, err := e.router.BuildSwapTxs(swap.SwapParams{
		Route:        route,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		Signer:       signer,
		Nonce:        nonce,
		GasPrice:     gasPrice,
	})
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}

	approve := newBroadcast(s.req.RequestID, offramp.KindApprove, txs.Approve)
	sw := newBroadcast(s.req.RequestID, offramp.KindSwap, txs.Swap)
	if err := e.claim(ctx, s, approve, sw); err != nil {
		return e.transitionError(err)
	}

	s.logger.Info("Swapping deposit",
		zap.String("route", string(route.Kind)),
		zap.String("amount_in", amountIn.String()),
		zap.String("quote", quote.String()),
		zap.String("min_out", minOut.String()),
		zap.String("tx_hash", sw.TxHash))
	return e.awaitSwap(ctx, s, approve, sw)
}

// awaitSwap (re)sends the recorded approve and swap and settles the request on the swap receipt
func (e *Engine) awaitSwap(ctx context.Context, s *step, approve, sw *offramp.Broadcast) Result {
	if approve != nil && approve.Status == offramp.BroadcastPending {
		if err := e.send(ctx, s, approve); err != nil {
			return e.retry(ctx, s, err)
		}
	}
	if err := e.send(ctx, s, sw); err != nil {
		return e.retry(ctx, s, err)
	}

	receipt, err := e.awaitReceipt(ctx, sw.TxHash)
	switch {
	case errors.Is(err, errReceiptTimeout):
		return e.retry(ctx, s, fmt.Errorf("swap %s: %w", sw.TxHash, err))
	case err != nil:
		return e.transient(ctx, s, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		updates := []offramp.BroadcastUpdate{markBroadcast(sw, offramp.BroadcastReverted)}
		if approve != nil {
			updates = append(updates, markBroadcast(approve, offramp.BroadcastAbandoned))
		}
		return e.retry(ctx, s, fmt.Errorf("swap transaction %s reverted", sw.TxHash), updates...)
	}

	updates := []offramp.BroadcastUpdate{markBroadcast(sw, offramp.BroadcastConfirmed)}
	if approve != nil && approve.Status == offramp.BroadcastPending {
		updates = append(updates, markBroadcast(approve, offramp.BroadcastConfirmed))
	}

	received := ethereum.TransferredTo(receipt, e.cfg.StableToken, s.key.Address)
	if received.Sign() <= 0 {
		return e.fail(ctx, s, fmt.Sprintf("swap %s delivered no settlement token", sw.TxHash), updates...)
	}

	now := e.now()
	f := offramp.Fields{
		TxHashSwap:           &sw.TxHash,
		StableAmountReceived: received,
		SwappedAt:            &now,
	}
	if path, err := swap.PathFromRawTx(sw.RawTx); err == nil && len(path) == swap.MaxHops+1 {
		via := path[1].Hex()
		f.SwapVia = &via
	}

	s.logger.Info("Swap confirmed",
		zap.String("tx_hash", sw.TxHash), zap.String("stable_amount", received.String()))
	return e.advanceTo(ctx, s, offramp.StatusSwapped, f, updates...)
}

// park moves the request to stale_no_route. Missing routes do not use up attempts; the
// request is retried every pass until a pool appears.
func (e *Engine) park(ctx context.Context, s *step, cause error) Result {
	msg := cause.Error()
	if s.req.Status == offramp.StatusStaleNoRoute && s.req.ErrorMessage == msg {
		return Result{Outcome: OutcomeNoRoute}
	}
	return e.advanceTo(ctx, s, offramp.StatusStaleNoRoute, offramp.Fields{ErrorMessage: &msg})
}
