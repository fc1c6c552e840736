package settlement

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainsafe/offramp-middleware/pkg/config"
)

// fundingGas is the gas limit of a plain value transfer
const fundingGas = 21_000

// Token is an accepted deposit token
type Token struct {
	Symbol    string
	Address   common.Address
	Decimals  int32
	MinAmount *big.Int
}

// Config holds the engine settings
type Config struct {
	DepositTokens  map[common.Address]Token
	StableToken    common.Address
	StableSymbol   string
	StableDecimals int32
	PoolWallet     common.Address

	LookbackBlocks uint64
	MaxBlockRange  uint64

	SweepGas       uint64
	GasBufferPct   int64
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration

	MaxAttempts   int
	PayoutTimeout time.Duration

	FiatCurrency   string
	PayoutDecimals int32
}

// NewConfig derives the engine settings from the service configuration
func NewConfig(cfg *config.Config) (Config, error) {
	c := Config{
		DepositTokens:  make(map[common.Address]Token, len(cfg.Chain.DepositTokens)),
		StableToken:    common.HexToAddress(cfg.Chain.SettlementToken.Address),
		StableSymbol:   strings.ToUpper(cfg.Chain.SettlementToken.Symbol),
		StableDecimals: int32(cfg.Chain.SettlementToken.Decimals),
		PoolWallet:     common.HexToAddress(cfg.Chain.PoolWalletAddress),
		LookbackBlocks: cfg.Chain.LookbackBlocks,
		MaxBlockRange:  cfg.Chain.MaxBlockRange,
		SweepGas:       cfg.Swap.SweepGas,
		GasBufferPct:   cfg.Swap.GasBufferPct,
		ReceiptTimeout: cfg.Swap.ReceiptTimeout,
		ReceiptPoll:    cfg.Swap.ReceiptPoll,
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		PayoutTimeout:  cfg.Payout.ConfirmationTimeout,
		FiatCurrency:   strings.ToUpper(cfg.Rates.FiatCurrency),
		PayoutDecimals: cfg.Rates.PayoutDecimals,
	}
	if !common.IsHexAddress(cfg.Chain.SettlementToken.Address) {
		return Config{}, fmt.Errorf("invalid settlement token address %q", cfg.Chain.SettlementToken.Address)
	}

	for _, t := range cfg.Chain.DepositTokens {
		min, ok := new(big.Int).SetString(t.MinAmount, 10)
		if !ok || min.Sign() < 0 {
			return Config{}, fmt.Errorf("invalid min_amount %q for token %s", t.MinAmount, t.Symbol)
		}
		addr := common.HexToAddress(t.Address)
		if addr == c.StableToken {
			return Config{}, fmt.Errorf("deposit token %s must not be the settlement token", t.Symbol)
		}
		c.DepositTokens[addr] = Token{
			Symbol:    strings.ToUpper(t.Symbol),
			Address:   addr,
			Decimals:  int32(t.Decimals),
			MinAmount: min,
		}
	}

	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 2000
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c, nil
}

func (c Config) tokenAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.DepositTokens))
	for addr := range c.DepositTokens {
		out = append(out, addr)
	}
	return out
}
