package offramp

import "time"

// BroadcastKind identifies which settlement step a signed transaction belongs to.
type BroadcastKind string

const (
	KindGasFunding BroadcastKind = "gas_funding"
	KindApprove    BroadcastKind = "approve"
	KindSwap       BroadcastKind = "swap"
	KindSweep      BroadcastKind = "sweep"
)

// BroadcastStatus is the known on-chain outcome of a recorded transaction.
type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastConfirmed BroadcastStatus = "confirmed"
	BroadcastReverted  BroadcastStatus = "reverted"
	BroadcastAbandoned BroadcastStatus = "abandoned"
)

// Broadcast is a write-ahead record of a signed transaction. It is persisted before the
// transaction is sent so that a crash after sending can be recovered by re-checking the
// recorded hash instead of signing a new transaction.
type Broadcast struct {
	ID        string
	RequestID string
	Kind      BroadcastKind
	From      string
	To        string
	Nonce     uint64
	TxHash    string
	RawTx     []byte
	Status    BroadcastStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Live reports whether the broadcast may still be, or already is, included on-chain.
func (b *Broadcast) Live() bool {
	return b.Status == BroadcastPending || b.Status == BroadcastConfirmed
}

// BroadcastUpdate changes the status of a recorded broadcast.
type BroadcastUpdate struct {
	ID     string
	Status BroadcastStatus
}

// NonceSlot names a shared sender whose nonces are allocated by the store.
type NonceSlot struct {
	ChainID int64
	Address string
	// ChainPending is the node's pending nonce; allocation never goes below it.
	ChainPending uint64
}

// LatestLive returns the most recent live broadcast of the given kind, or nil.
func LatestLive(broadcasts []*Broadcast, kind BroadcastKind) *Broadcast {
	var found *Broadcast
	for _, b := range broadcasts {
		if b.Kind != kind || !b.Live() {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			found = b
		}
	}
	return found
}

// Event is an audit record of a status change or operator action.
type Event struct {
	ID         string
	RequestID  string
	FromStatus Status
	ToStatus   Status
	Actor      string
	Reason     string
	CreatedAt  time.Time
}

// AdminReset is an attributable operator override of a request's status.
type AdminReset struct {
	RequestID string
	To        Status
	Actor     string
	Reason    string
}
