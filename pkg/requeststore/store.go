// Package requeststore persists off-ramp requests, their write-ahead broadcasts and their audit
// trail. Transition is the only way a request's lifecycle fields change.
package requeststore

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

var (
	// ErrNotFound is returned when a lookup finds no matching request.
	ErrNotFound = offramp.ErrNotFound
	// ErrStaleTransition is returned when the stored status or version no longer matches.
	ErrStaleTransition = offramp.ErrStaleTransition
	// ErrActiveRequest is returned when the user already has a non-terminal request.
	ErrActiveRequest = offramp.ErrActiveRequest
	// ErrDepositAddressInUse is returned when a live request already owns the deposit address.
	ErrDepositAddressInUse = errors.New("deposit address is in use by another active request")
	// ErrActorRequired is returned when an operator action carries no identity.
	ErrActorRequired = errors.New("operator identity is required")
	// ErrInFlight is returned when deleting a request that may still move funds.
	ErrInFlight = errors.New("request is in flight and cannot be deleted")
)

// ActorSystem attributes transitions performed by the settlement engine itself.
const ActorSystem = "system"

// Store defines the interface for off-ramp request persistence
type Store interface {
	Create(ctx context.Context, r *offramp.Request) error
	GetByRequestID(ctx context.Context, requestID string) (*offramp.Request, error)
	// GetByDepositAddress returns the most recent request for the address.
	GetByDepositAddress(ctx context.Context, address string) (*offramp.Request, error)
	GetActiveByUser(ctx context.Context, userIdentifier string) (*offramp.Request, error)
	ListReadyForProcessing(ctx context.Context, statuses []offramp.Status, limit int) ([]*offramp.Request, error)

	// Transition applies t atomically. The request row, the audit event and any broadcast
	// rows or broadcast status changes are written in one database transaction, and only if
	// the stored status and version still equal t.From and t.Version.
	Transition(ctx context.Context, t offramp.Transition) (*offramp.Request, error)
	// ClaimNonce is Transition for a shared sender: once the compare-and-set succeeds it
	// allocates the sender's next nonce and records the broadcast sign builds for it, in the
	// same database transaction. A failed compare-and-set allocates nothing and never calls sign.
	ClaimNonce(ctx context.Context, t offramp.Transition, slot offramp.NonceSlot,
		sign func(nonce uint64) (*offramp.Broadcast, error)) (*offramp.Request, error)
	ListBroadcasts(ctx context.Context, requestID string) ([]*offramp.Broadcast, error)

	AdminReset(ctx context.Context, reset offramp.AdminReset) (*offramp.Request, error)
	Delete(ctx context.Context, requestID, actor, reason string) error
	ListEvents(ctx context.Context, requestID string) ([]*offramp.Event, error)

	// NextNonce allocates the next transaction nonce for a shared sender. The allocation is
	// never lower than chainPending, the node's pending nonce for the address.
	NextNonce(ctx context.Context, chainID int64, address string, chainPending uint64) (uint64, error)
}

func errInvalidAmount(s string) error {
	return fmt.Errorf("invalid stored amount %q", s)
}
