package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

// detectDeposit scans the next block window for an accepted token transfer into the
// deposit address. Only the first transfer counts; later deposits stay on the address.
func (e *Engine) detectDeposit(ctx context.Context, s *step) Result {
	head, err := e.chain.ConfirmedHead(ctx)
	if err != nil {
		return e.transient(ctx, s, err)
	}

	from := s.req.ScanFromBlock
	if from == 0 && head > e.cfg.LookbackBlocks {
		from = head - e.cfg.LookbackBlocks
	}
	if from > head {
		return Result{Outcome: OutcomeWaiting}
	}
	to := head
	if from+e.cfg.MaxBlockRange-1 < to {
		to = from + e.cfg.MaxBlockRange - 1
	}

	deposit := common.HexToAddress(s.req.DepositAddress)
	transfers, err := e.chain.DetectIncomingTransfers(ctx, deposit, e.cfg.tokenAddresses(), from, to)
	if err != nil {
		return e.transient(ctx, s, err)
	}

	var initial *uint64
	if s.req.InitialScanBlock == 0 && from > 0 {
		initial = &from
	}
	next := to + 1
	for _, t := range transfers {
		token, ok := e.cfg.DepositTokens[t.Token]
		if !ok || t.To != deposit || t.Amount == nil || t.Amount.Sign() <= 0 {
			continue
		}

		tokenAddr := t.Token.Hex()
		txHash := t.TxHash.Hex()
		cursor := t.BlockNumber + 1
		f := offramp.Fields{
			TokenAddress:        &tokenAddr,
			TokenAmountDetected: t.Amount,
			TxHashDeposit:       &txHash,
			ScanFromBlock:       &cursor,
			InitialScanBlock:    initial,
		}

		if t.Amount.Cmp(token.MinAmount) < 0 {
			msg := fmt.Sprintf("deposit of %s %s is below the minimum of %s", t.Amount, token.Symbol, token.MinAmount)
			f.ErrorMessage = &msg
			return e.advanceTo(ctx, s, offramp.StatusFailed, f)
		}

		now := e.now()
		f.TokenReceivedAt = &now
		s.logger.Info("Deposit detected",
			zap.String("token", token.Symbol),
			zap.String("amount", t.Amount.String()),
			zap.String("tx_hash", txHash),
			zap.Uint64("block", t.BlockNumber))
		return e.advanceTo(ctx, s, offramp.StatusTokenReceived, f)
	}

	f := offramp.Fields{ScanFromBlock: &next, InitialScanBlock: initial}
	if s.req.ErrorMessage != "" {
		cleared := ""
		f.ErrorMessage = &cleared
	}
	if err := e.apply(ctx, s, offramp.Next(s.req, s.req.Status, f)); err != nil {
		return e.transitionError(err)
	}
	return Result{Outcome: OutcomeWaiting}
}
