package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/internal/metrics"
	"github.com/chainsafe/offramp-middleware/pkg/ethereum"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

var errReceiptTimeout = errors.New("transaction not mined within receipt timeout")

func newBroadcast(requestID string, kind offramp.BroadcastKind, tx *ethereum.SignedTx) *offramp.Broadcast {
	return &offramp.Broadcast{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Kind:      kind,
		From:      tx.From.Hex(),
		To:        tx.To.Hex(),
		Nonce:     tx.Nonce,
		TxHash:    tx.Hash.Hex(),
		RawTx:     tx.Raw,
		Status:    offramp.BroadcastPending,
	}
}

func markBroadcast(b *offramp.Broadcast, status offramp.BroadcastStatus) offramp.BroadcastUpdate {
	metrics.BroadcastsTotal.WithLabelValues(string(b.Kind), string(status)).Inc()
	return offramp.BroadcastUpdate{ID: b.ID, Status: status}
}

// claim records signed transactions through a same-state transition. Only the worker whose
// compare-and-set succeeds may send them.
func (e *Engine) claim(ctx context.Context, s *step, broadcasts ...*offramp.Broadcast) error {
	t := offramp.Next(s.req, s.req.Status, offramp.Fields{})
	t.Broadcasts = broadcasts
	if err := e.apply(ctx, s, t); err != nil {
		return err
	}
	for _, b := range broadcasts {
		metrics.BroadcastsTotal.WithLabelValues(string(b.Kind), string(offramp.BroadcastPending)).Inc()
	}
	return nil
}

// send submits the recorded bytes of b. Resending a transaction the node already knows, or
// one that was already mined, is not an error.
func (e *Engine) send(ctx context.Context, s *step, b *offramp.Broadcast) error {
	_, err := e.chain.SendRawTransaction(ctx, b.RawTx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.ErrNonceTooLow) {
		// Either this transaction or a replacement was mined; the receipt decides.
		s.logger.Debug("Nonce already used on resend", zap.String("kind", string(b.Kind)), zap.String("tx_hash", b.TxHash))
		return nil
	}
	return fmt.Errorf("failed to send %s transaction %s: %w", b.Kind, b.TxHash, err)
}

// awaitReceipt polls for the receipt of hash until the receipt timeout elapses
func (e *Engine) awaitReceipt(ctx context.Context, hash string) (*types.Receipt, error) {
	deadline := e.now().Add(e.cfg.ReceiptTimeout)
	for {
		receipt, err := e.chain.Receipt(ctx, common.HexToHash(hash))
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ethereum.ErrTxNotFound), errors.Is(err, ethereum.ErrUnavailable):
		default:
			return nil, err
		}
		if !e.now().Before(deadline) {
			return nil, errReceiptTimeout
		}
		if err := e.sleep(ctx, e.cfg.ReceiptPoll); err != nil {
			return nil, err
		}
	}
}

// ensureGas makes sure the deposit address can pay for gas units at gasPrice, topping it
// up from the funder when needed. It reports ok=false together with the result to return
// when the step cannot continue in this pass.
func (e *Engine) ensureGas(ctx context.Context, s *step, gas uint64, gasPrice *big.Int) (Result, bool) {
	deposit := s.key.Address
	need := ethereum.GasCost(gas, gasPrice, e.cfg.GasBufferPct)

	broadcasts, err := e.store.ListBroadcasts(ctx, s.req.RequestID)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}, false
	}
	funding := offramp.LatestLive(broadcasts, offramp.KindGasFunding)

	if funding == nil || funding.Status != offramp.BroadcastPending {
		balance, err := e.chain.NativeBalance(ctx, deposit)
		if err != nil {
			return e.transient(ctx, s, err), false
		}
		if balance.Cmp(need) >= 0 {
			return Result{}, true
		}
		if e.funder == nil {
			return e.retry(ctx, s, fmt.Errorf("deposit address needs %s wei for gas and no funder is configured", need)), false
		}

		funding, err = e.claimFunding(ctx, s, new(big.Int).Sub(need, balance), gasPrice)
		if err != nil {
			if errors.Is(err, offramp.ErrStaleTransition) {
				return e.transitionError(err), false
			}
			return e.transient(ctx, s, err), false
		}
		s.logger.Info("Funding deposit address with gas",
			zap.String("tx_hash", funding.TxHash), zap.Uint64("nonce", funding.Nonce), zap.String("need_wei", need.String()))
	}

	if err := e.send(ctx, s, funding); err != nil {
		return e.retry(ctx, s, err), false
	}

	receipt, err := e.awaitReceipt(ctx, funding.TxHash)
	switch {
	case errors.Is(err, errReceiptTimeout):
		return e.retry(ctx, s, fmt.Errorf("gas funding %s: %w", funding.TxHash, err)), false
	case err != nil:
		return e.transient(ctx, s, err), false
	case receipt.Status != types.ReceiptStatusSuccessful:
		return e.retry(ctx, s, fmt.Errorf("gas funding transaction %s reverted", funding.TxHash),
			markBroadcast(funding, offramp.BroadcastReverted)), false
	}

	f := offramp.Fields{}
	if s.req.TxHashGasFunding == "" {
		f.TxHashGasFunding = &funding.TxHash
	}
	t := offramp.Next(s.req, s.req.Status, f)
	t.BroadcastUpdates = []offramp.BroadcastUpdate{markBroadcast(funding, offramp.BroadcastConfirmed)}
	if err := e.apply(ctx, s, t); err != nil {
		return e.transitionError(err), false
	}
	return Result{}, true
}

// claimFunding records a value transfer from the funder to the deposit address. The funder
// nonce is allocated inside the claim, so a worker that loses the compare-and-set holds no
// nonce and has nothing to send.
func (e *Engine) claimFunding(ctx context.Context, s *step, amount, gasPrice *big.Int) (*offramp.Broadcast, error) {
	pending, err := e.chain.PendingNonce(ctx, e.funder.Address())
	if err != nil {
		return nil, err
	}
	slot := offramp.NonceSlot{
		ChainID:      e.chain.ChainID().Int64(),
		Address:      e.funder.Address().Hex(),
		ChainPending: pending,
	}

	var funding *offramp.Broadcast
	sign := func(nonce uint64) (*offramp.Broadcast, error) {
		tx, err := e.funder.Sign(ethereum.TxParams{
			Nonce:    nonce,
			To:       s.key.Address,
			Value:    amount,
			Gas:      fundingGas,
			GasPrice: gasPrice,
		})
		if err != nil {
			return nil, err
		}
		funding = newBroadcast(s.req.RequestID, offramp.KindGasFunding, tx)
		return funding, nil
	}

	updated, err := e.store.ClaimNonce(ctx, offramp.Next(s.req, s.req.Status, offramp.Fields{}), slot, sign)
	if err != nil {
		return nil, err
	}
	s.req = updated
	metrics.BroadcastsTotal.WithLabelValues(string(offramp.KindGasFunding), string(offramp.BroadcastPending)).Inc()
	return funding, nil
}

// signer returns a transaction signer for the request's deposit key
func (e *Engine) signer(s *step) (*ethereum.TxSigner, error) {
	return ethereum.NewTxSigner(s.key.PrivateKey, e.chain.ChainID())
}
