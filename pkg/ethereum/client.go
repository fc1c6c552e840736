// Package ethereum provides the EVM chain access used by the settlement engine: balances,
// ERC-20 deposit detection, gas pricing, receipts and raw transaction submission.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chainsafe/offramp-middleware/internal/metrics"
	"github.com/chainsafe/offramp-middleware/pkg/config"
)

// backend is the subset of ethclient.Client the Client depends on
type backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q geth.FilterQuery) ([]types.Log, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg geth.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Client represents an EVM chain client. It never retries on its own; failures are
// surfaced to the caller wrapped in ErrUnavailable.
type Client struct {
	config      *config.ChainConfig
	backend     backend
	limiter     *rate.Limiter
	chainID     *big.Int
	maxGasPrice *big.Int
	logger      *zap.Logger
}

// NewClient creates a new chain client
func NewClient(ctx context.Context, cfg *config.ChainConfig, logger *zap.Logger) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	defer cancel()

	ec, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain RPC: %w", err)
	}

	c, err := newClient(ec, cfg, logger)
	if err != nil {
		ec.Close()
		return nil, err
	}

	remoteID, err := ec.ChainID(dialCtx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if remoteID.Cmp(c.chainID) != 0 {
		ec.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %s, endpoint reports %s", c.chainID, remoteID)
	}

	logger.Info("Connected to chain",
		zap.Int64("chain_id", cfg.ChainID),
		zap.Uint64("confirmations", cfg.Confirmations))

	return c, nil
}

func newClient(b backend, cfg *config.ChainConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		config:  cfg,
		backend: b,
		chainID: big.NewInt(cfg.ChainID),
		logger:  logger,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.MaxGasPrice != "" {
		maxGasPrice, ok := new(big.Int).SetString(cfg.MaxGasPrice, 10)
		if !ok {
			return nil, fmt.Errorf("invalid max_gas_price %q", cfg.MaxGasPrice)
		}
		c.maxGasPrice = maxGasPrice
	}

	return c, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	if c.backend != nil {
		c.backend.Close()
	}
}

// ChainID returns the configured chain id
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// LatestBlock returns the latest block number
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, unavailable("latest block", err)
	}
	return header.Number.Uint64(), nil
}

// ConfirmedHead returns the highest block that has at least the configured number of
// confirmations. The block that includes a transaction counts as its first confirmation.
func (c *Client) ConfirmedHead(ctx context.Context) (uint64, error) {
	latest, err := c.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	depth := c.config.Confirmations
	if depth == 0 {
		depth = 1
	}
	if latest+1 < depth {
		return 0, nil
	}
	return latest + 1 - depth, nil
}

// BalanceOf returns the ERC-20 balance of holder
func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	out, err := c.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}

	values, err := ERC20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", values[0])
	}
	return balance, nil
}

// NativeBalance returns the native coin balance of addr
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	balance, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, unavailable("native balance", err)
	}
	return balance, nil
}

// Call executes a read-only contract call against the latest block
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	out, err := c.backend.CallContract(ctx, geth.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %v", ErrCallReverted, err)
		}
		return nil, unavailable("contract call", err)
	}
	return out, nil
}

// DetectIncomingTransfers returns the ERC-20 transfers of the given tokens to holder within
// [fromBlock, toBlock], ordered by block and log index.
func (c *Client) DetectIncomingTransfers(
	ctx context.Context,
	holder common.Address,
	tokens []common.Address,
	fromBlock, toBlock uint64,
) ([]Transfer, error) {
	if toBlock < fromBlock {
		return nil, nil
	}

	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := geth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: tokens,
		Topics: [][]common.Hash{
			{TransferTopic},
			nil,
			{common.BytesToHash(holder.Bytes())},
		},
	}

	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, unavailable("filter logs", err)
	}

	transfers := make([]Transfer, 0, len(logs))
	for i := range logs {
		t, ok := parseTransfer(&logs[i])
		if !ok || t.To != holder || t.Amount.Sign() <= 0 {
			continue
		}
		transfers = append(transfers, t)
	}
	metrics.ChainTransfersDetected.Add(float64(len(transfers)))
	return transfers, nil
}

// EstimateGas estimates the gas required by msg
func (c *Client) EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return 0, fmt.Errorf("%w: %v", ErrCallReverted, err)
		}
		return 0, unavailable("estimate gas", err)
	}
	return gas, nil
}

// SuggestGasPrice returns the node's gas price suggestion, capped by max_gas_price
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, unavailable("suggest gas price", err)
	}

	if c.maxGasPrice != nil && gasPrice.Cmp(c.maxGasPrice) > 0 {
		c.logger.Warn("Suggested gas price exceeds maximum",
			zap.String("suggested", gasPrice.String()),
			zap.String("max", c.maxGasPrice.String()))
		return new(big.Int).Set(c.maxGasPrice), nil
	}
	return gasPrice, nil
}

// PendingNonce returns the next nonce of addr including pending transactions
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()

	nonce, err := c.backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, unavailable("pending nonce", err)
	}
	return nonce, nil
}

// Receipt returns the receipt of hash, or ErrTxNotFound if it is not mined yet
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, geth.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, unavailable("transaction receipt", err)
	}
	return receipt, nil
}

// SendRawTransaction submits a signed transaction. Resubmitting a transaction the node
// already knows is not an error, so callers can safely rebroadcast recorded bytes.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("failed to decode raw transaction: %w", err)
	}

	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	defer cancel()

	err = c.backend.SendTransaction(ctx, tx)
	switch {
	case err == nil:
		metrics.ChainTransactionsSent.WithLabelValues("sent").Inc()
	case isAlreadyKnown(err):
		metrics.ChainTransactionsSent.WithLabelValues("already_known").Inc()
		c.logger.Debug("Transaction already known", zap.String("tx_hash", tx.Hash().Hex()))
	case strings.Contains(strings.ToLower(err.Error()), "nonce too low"):
		metrics.ChainTransactionsSent.WithLabelValues("nonce_too_low").Inc()
		return tx.Hash(), fmt.Errorf("%w: %v", ErrNonceTooLow, err)
	case isNodeRejection(err):
		metrics.ChainTransactionsSent.WithLabelValues("rejected").Inc()
		return tx.Hash(), fmt.Errorf("transaction rejected: %w", err)
	default:
		metrics.ChainTransactionsSent.WithLabelValues("error").Inc()
		return tx.Hash(), unavailable("send transaction", err)
	}
	return tx.Hash(), nil
}

// begin waits for the rate limiter and applies the per-call timeout
func (c *Client) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, unavailable("rate limiter", err)
		}
	}
	timeout := c.config.RPCTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, nil
}

func parseTransfer(l *types.Log) (Transfer, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic || len(l.Data) != 32 || l.Removed {
		return Transfer{}, false
	}
	return Transfer{
		Token:       l.Address,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Amount:      new(big.Int).SetBytes(l.Data),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}, true
}

// TransferredTo sums the token transfers to recipient recorded in a receipt's logs
func TransferredTo(receipt *types.Receipt, token, recipient common.Address) *big.Int {
	total := new(big.Int)
	if receipt == nil {
		return total
	}
	for _, l := range receipt.Logs {
		if l.Address != token {
			continue
		}
		t, ok := parseTransfer(l)
		if !ok || t.To != recipient {
			continue
		}
		total.Add(total, t.Amount)
	}
	return total
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isNodeRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"insufficient funds", "intrinsic gas too low", "replacement transaction underpriced", "exceeds block gas limit"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
