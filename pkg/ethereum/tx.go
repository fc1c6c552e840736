package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxSigner signs transactions for one key on one chain
type TxSigner struct {
	opts *bind.TransactOpts
}

// NewTxSigner creates an EIP-155 signer for key
func NewTxSigner(key *ecdsa.PrivateKey, chainID *big.Int) (*TxSigner, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	return &TxSigner{opts: opts}, nil
}

// Address returns the signing account
func (s *TxSigner) Address() common.Address {
	return s.opts.From
}

// TxParams describes a legacy transaction
type TxParams struct {
	Nonce    uint64
	To       common.Address
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Data     []byte
}

// Sign builds and signs a legacy transaction
func (s *TxSigner) Sign(p TxParams) (*SignedTx, error) {
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    p.Nonce,
		To:       &p.To,
		Value:    value,
		Gas:      p.Gas,
		GasPrice: p.GasPrice,
		Data:     p.Data,
	})

	signed, err := s.opts.Signer(s.opts.From, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return &SignedTx{
		Hash:  signed.Hash(),
		Raw:   raw,
		From:  s.opts.From,
		To:    p.To,
		Nonce: p.Nonce,
	}, nil
}

// GasCost returns gas * gasPrice increased by bufferPct percent
func GasCost(gas uint64, gasPrice *big.Int, bufferPct int64) *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	if bufferPct > 0 {
		cost.Mul(cost, big.NewInt(100+bufferPct))
		cost.Div(cost, big.NewInt(100))
	}
	return cost
}
