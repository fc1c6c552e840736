package ethereum

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnavailable means the RPC endpoint could not answer. It is never reported as a zero value.
	ErrUnavailable = errors.New("chain rpc unavailable")
	// ErrTxNotFound means the node does not know the transaction (yet).
	ErrTxNotFound = errors.New("transaction not found")
	// ErrNonceTooLow means a transaction with the same nonce was already included.
	ErrNonceTooLow = errors.New("nonce too low")
	// ErrCallReverted means a read-only contract call reverted.
	ErrCallReverted = errors.New("contract call reverted")
)

// Transfer is an ERC-20 Transfer event
type Transfer struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Amount      *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// SignedTx is a signed transaction ready to be broadcast
type SignedTx struct {
	Hash  common.Hash
	Raw   []byte
	From  common.Address
	To    common.Address
	Nonce uint64
}
