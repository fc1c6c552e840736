package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/pkg/ethereum"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

// sweep transfers exactly the swap output from the deposit address to the pool wallet
func (e *Engine) sweep(ctx context.Context, s *step) Result {
	broadcasts, err := e.store.ListBroadcasts(ctx, s.req.RequestID)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}

	amount := s.req.StableAmountReceived
	b := offramp.LatestLive(broadcasts, offramp.KindSweep)
	if b == nil {
		balance, err := e.chain.BalanceOf(ctx, e.cfg.StableToken, s.key.Address)
		if err != nil {
			return e.transient(ctx, s, err)
		}
		if balance.Cmp(amount) < 0 {
			return e.retry(ctx, s, fmt.Errorf("settlement token balance %s is below swap output %s", balance, amount))
		}

		gasPrice, err := e.chain.SuggestGasPrice(ctx)
		if err != nil {
			return e.transient(ctx, s, err)
		}
		data, err := ethereum.ERC20TransferData(e.cfg.PoolWallet, amount)
		if err != nil {
			return Result{Outcome: OutcomeError, Err: fmt.Errorf("failed to pack sweep transfer: %w", err)}
		}
		gas := e.sweepGas(ctx, s, data)
		if res, ok := e.ensureGas(ctx, s, gas, gasPrice); !ok {
			return res
		}

		b, err = e.signSweep(ctx, s, data, gas, gasPrice)
		if err != nil {
			return e.transient(ctx, s, err)
		}
		if err := e.claim(ctx, s, b); err != nil {
			return e.transitionError(err)
		}
		s.logger.Info("Sweeping to pool wallet",
			zap.String("amount", amount.String()), zap.String("tx_hash", b.TxHash))
	}

	if err := e.send(ctx, s, b); err != nil {
		return e.retry(ctx, s, err)
	}

	receipt, err := e.awaitReceipt(ctx, b.TxHash)
	switch {
	case errors.Is(err, errReceiptTimeout):
		return e.retry(ctx, s, fmt.Errorf("sweep %s: %w", b.TxHash, err))
	case err != nil:
		return e.transient(ctx, s, err)
	case receipt.Status != types.ReceiptStatusSuccessful:
		return e.retry(ctx, s, fmt.Errorf("sweep transaction %s reverted", b.TxHash),
			markBroadcast(b, offramp.BroadcastReverted))
	}

	confirmed := markBroadcast(b, offramp.BroadcastConfirmed)
	moved := ethereum.TransferredTo(receipt, e.cfg.StableToken, e.cfg.PoolWallet)
	if moved.Cmp(amount) != 0 {
		return e.fail(ctx, s, fmt.Sprintf("sweep %s moved %s, expected %s", b.TxHash, moved, amount), confirmed)
	}

	now := e.now()
	return e.advanceTo(ctx, s, offramp.StatusSwept, offramp.Fields{
		TxHashSweep: &b.TxHash,
		SweptAt:     &now,
	}, confirmed)
}

// sweepGas estimates the transfer with the gas buffer applied, capped at the configured
// sweep gas. The cap is also used when the node cannot estimate.
func (e *Engine) sweepGas(ctx context.Context, s *step, data []byte) uint64 {
	token := e.cfg.StableToken
	estimate, err := e.chain.EstimateGas(ctx, geth.CallMsg{From: s.key.Address, To: &token, Data: data})
	if err != nil || estimate == 0 {
		s.logger.Debug("Sweep gas estimate unavailable, using configured limit",
			zap.Uint64("sweep_gas", e.cfg.SweepGas), zap.Error(err))
		return e.cfg.SweepGas
	}
	gas := estimate * uint64(100+e.cfg.GasBufferPct) / 100
	if e.cfg.SweepGas > 0 && gas > e.cfg.SweepGas {
		gas = e.cfg.SweepGas
	}
	return gas
}

func (e *Engine) signSweep(ctx context.Context, s *step, data []byte, gas uint64, gasPrice *big.Int) (*offramp.Broadcast, error) {
	signer, err := e.signer(s)
	if err != nil {
		return nil, err
	}
	nonce, err := e.chain.PendingNonce(ctx, s.key.Address)
	if err != nil {
		return nil, err
	}
	tx, err := signer.Sign(ethereum.TxParams{
		Nonce:    nonce,
		To:       e.cfg.StableToken,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, err
	}
	return newBroadcast(s.req.RequestID, offramp.KindSweep, tx), nil
}
