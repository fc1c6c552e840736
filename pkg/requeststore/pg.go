package requeststore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/chainsafe/offramp-middleware/internal/metrics"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

const (
	activeUserIndex    = "idx_offramp_requests_active_user"
	activeAddressIndex = "idx_offramp_requests_active_deposit_address"

	statusDeleted = "deleted"
	pgUniqueCode  = "23505"
)

// immutableColumns never change after Create.
var immutableColumns = []string{
	"request_id",
	"user_identifier",
	"derivation_index",
	"derivation_version",
	"deposit_address",
	"bank_account_number",
	"bank_code",
	"account_name",
	"fiat_amount_requested",
	"fiat_currency",
	"created_at",
}

type pgStore struct {
	db  *bun.DB
	now func() time.Time
}

// NewStore creates a new postgres implementation of the request store
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *pgStore) Create(ctx context.Context, r *offramp.Request) error {
	if r.Status != offramp.StatusPending {
		return fmt.Errorf("%w: new requests start in %s", offramp.ErrInvalidTransition, offramp.StatusPending)
	}
	if err := r.Validate(); err != nil {
		return err
	}

	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	dao := toRequestDao(r)

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(dao).Exec(ctx); err != nil {
			return mapCreateError(err)
		}
		return insertEvent(ctx, tx, &EventDao{
			ID:         uuid.NewString(),
			RequestID:  r.RequestID,
			FromStatus: "",
			ToStatus:   string(offramp.StatusPending),
			Actor:      ActorSystem,
			Reason:     optString("created"),
			CreatedAt:  now,
		})
	})
}

func (s *pgStore) GetByRequestID(ctx context.Context, requestID string) (*offramp.Request, error) {
	return s.getRequest(ctx, s.db, requestID)
}

func (s *pgStore) GetByDepositAddress(ctx context.Context, address string) (*offramp.Request, error) {
	dao := new(RequestDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("lower(deposit_address) = lower(?)", address).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request by deposit address: %w", err)
	}
	return toRequest(dao)
}

func (s *pgStore) GetActiveByUser(ctx context.Context, userIdentifier string) (*offramp.Request, error) {
	dao := new(RequestDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("user_identifier = ?", userIdentifier).
		Where("status IN (?)", bun.In(statusStrings(offramp.ActiveStatuses))).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active request: %w", err)
	}
	return toRequest(dao)
}

func (s *pgStore) ListReadyForProcessing(
	ctx context.Context,
	statuses []offramp.Status,
	limit int,
) ([]*offramp.Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	var daos []RequestDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("status IN (?)", bun.In(statusStrings(statuses))).
		Order("updated_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	out := make([]*offramp.Request, 0, len(daos))
	for i := range daos {
		r, err := toRequest(&daos[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *pgStore) Transition(ctx context.Context, t offramp.Transition) (*offramp.Request, error) {
	return s.transition(ctx, t, nil, nil)
}

func (s *pgStore) ClaimNonce(
	ctx context.Context,
	t offramp.Transition,
	slot offramp.NonceSlot,
	sign func(nonce uint64) (*offramp.Broadcast, error),
) (*offramp.Request, error) {
	if sign == nil {
		return nil, fmt.Errorf("nonce claim for %s needs a sign function", t.RequestID)
	}
	return s.transition(ctx, t, &slot, sign)
}

// transition applies t in one database transaction. With a slot, the nonce is allocated after
// the compare-and-set succeeds and the broadcast sign builds for it is recorded with t's own.
func (s *pgStore) transition(
	ctx context.Context,
	t offramp.Transition,
	slot *offramp.NonceSlot,
	sign func(nonce uint64) (*offramp.Broadcast, error),
) (*offramp.Request, error) {
	var updated *offramp.Request

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.getRequest(ctx, tx, t.RequestID)
		if err != nil {
			return err
		}

		now := s.now()
		next, err := offramp.Apply(current, t, now)
		if err != nil {
			return err
		}

		if err := updateRequest(ctx, tx, next, t.From, t.Version); err != nil {
			return err
		}

		broadcasts := t.Broadcasts
		if slot != nil {
			nonce, err := nextNonce(ctx, tx, *slot)
			if err != nil {
				return err
			}
			b, err := sign(nonce)
			if err != nil {
				return fmt.Errorf("failed to sign claimed transaction: %w", err)
			}
			broadcasts = append(append([]*offramp.Broadcast(nil), broadcasts...), b)
		}

		if len(broadcasts) > 0 {
			daos := make([]*BroadcastDao, 0, len(broadcasts))
			for _, b := range broadcasts {
				if b.ID == "" {
					b.ID = uuid.NewString()
				}
				b.RequestID = t.RequestID
				b.CreatedAt, b.UpdatedAt = now, now
				daos = append(daos, toBroadcastDao(b))
			}
			if _, err := tx.NewInsert().Model(&daos).Exec(ctx); err != nil {
				return fmt.Errorf("failed to record broadcasts: %w", err)
			}
		}

		for _, u := range t.BroadcastUpdates {
			if err := updateBroadcastStatus(ctx, tx, t.RequestID, u, now); err != nil {
				return err
			}
		}

		if t.From != t.To || t.Reason != "" {
			actor := t.Actor
			if actor == "" {
				actor = ActorSystem
			}
			if err := insertEvent(ctx, tx, &EventDao{
				ID:         uuid.NewString(),
				RequestID:  t.RequestID,
				FromStatus: string(t.From),
				ToStatus:   string(t.To),
				Actor:      actor,
				Reason:     optString(t.Reason),
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if t.From != t.To {
		metrics.TransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	}
	return updated, nil
}

func (s *pgStore) ListBroadcasts(ctx context.Context, requestID string) ([]*offramp.Broadcast, error) {
	var daos []BroadcastDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("request_id = ?", requestID).
		Order("created_at ASC", "nonce ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}

	out := make([]*offramp.Broadcast, len(daos))
	for i := range daos {
		out[i] = toBroadcast(&daos[i])
	}
	return out, nil
}

func (s *pgStore) AdminReset(ctx context.Context, reset offramp.AdminReset) (*offramp.Request, error) {
	if strings.TrimSpace(reset.Actor) == "" {
		return nil, ErrActorRequired
	}

	var updated *offramp.Request
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.getRequest(ctx, tx, reset.RequestID)
		if err != nil {
			return err
		}

		now := s.now()
		next, err := offramp.Reset(current, reset.To, now)
		if err != nil {
			return err
		}
		if err := updateRequest(ctx, tx, next, current.Status, current.Version); err != nil {
			return err
		}

		if kinds := offramp.InvalidatedKinds(reset.To); len(kinds) > 0 {
			kindNames := make([]string, len(kinds))
			for i, k := range kinds {
				kindNames[i] = string(k)
			}
			_, err := tx.NewUpdate().
				Model((*BroadcastDao)(nil)).
				Set("status = ?", string(offramp.BroadcastAbandoned)).
				Set("updated_at = ?", now).
				Where("request_id = ?", reset.RequestID).
				Where("kind IN (?)", bun.In(kindNames)).
				Where("status IN (?)", bun.In([]string{
					string(offramp.BroadcastPending),
					string(offramp.BroadcastConfirmed),
				})).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to abandon broadcasts: %w", err)
			}
		}

		reason := "admin reset"
		if reset.Reason != "" {
			reason = "admin reset: " + reset.Reason
		}
		if err := insertEvent(ctx, tx, &EventDao{
			ID:         uuid.NewString(),
			RequestID:  reset.RequestID,
			FromStatus: string(current.Status),
			ToStatus:   string(reset.To),
			Actor:      reset.Actor,
			Reason:     &reason,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *pgStore) Delete(ctx context.Context, requestID, actor, reason string) error {
	if strings.TrimSpace(actor) == "" {
		return ErrActorRequired
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if current.Status != offramp.StatusPending && !current.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrInFlight, current.Status)
		}

		res, err := tx.NewDelete().
			Model((*RequestDao)(nil)).
			Where("request_id = ?", requestID).
			Where("version = ?", current.Version).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStaleTransition
		}

		if _, err := tx.NewDelete().
			Model((*BroadcastDao)(nil)).
			Where("request_id = ?", requestID).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete broadcasts: %w", err)
		}

		return insertEvent(ctx, tx, &EventDao{
			ID:         uuid.NewString(),
			RequestID:  requestID,
			FromStatus: string(current.Status),
			ToStatus:   statusDeleted,
			Actor:      actor,
			Reason:     optString(reason),
			CreatedAt:  s.now(),
		})
	})
}

func (s *pgStore) ListEvents(ctx context.Context, requestID string) ([]*offramp.Event, error) {
	var daos []EventDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := make([]*offramp.Event, len(daos))
	for i := range daos {
		out[i] = toEvent(&daos[i])
	}
	return out, nil
}

func (s *pgStore) NextNonce(ctx context.Context, chainID int64, address string, chainPending uint64) (uint64, error) {
	return nextNonce(ctx, s.db, offramp.NonceSlot{ChainID: chainID, Address: address, ChainPending: chainPending})
}

func nextNonce(ctx context.Context, db bun.IDB, slot offramp.NonceSlot) (uint64, error) {
	// The stored value is the next free nonce; the returned value is the one just allocated.
	query := `
		INSERT INTO nonce_state (chain_id, address, nonce, updated_at)
		VALUES (?, ?, ?, NOW())
		ON CONFLICT (chain_id, address)
		DO UPDATE SET nonce = GREATEST(nonce_state.nonce + 1, EXCLUDED.nonce), updated_at = NOW()
		RETURNING nonce
	`
	var next int64
	err := db.NewRaw(query, slot.ChainID, strings.ToLower(slot.Address), int64(slot.ChainPending)+1).Scan(ctx, &next)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate nonce: %w", err)
	}
	return uint64(next - 1), nil
}

func (s *pgStore) getRequest(ctx context.Context, db bun.IDB, requestID string) (*offramp.Request, error) {
	dao := new(RequestDao)
	err := db.NewSelect().
		Model(dao).
		Where("request_id = ?", requestID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return toRequest(dao)
}

// updateRequest writes next only while the row still has the expected status and version.
func updateRequest(ctx context.Context, tx bun.Tx, next *offramp.Request, from offramp.Status, version int64) error {
	res, err := tx.NewUpdate().
		Model(toRequestDao(next)).
		ExcludeColumn(immutableColumns...).
		Where("request_id = ?", next.RequestID).
		Where("status = ?", string(from)).
		Where("version = ?", version).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

func updateBroadcastStatus(ctx context.Context, tx bun.Tx, requestID string, u offramp.BroadcastUpdate, now time.Time) error {
	res, err := tx.NewUpdate().
		Model((*BroadcastDao)(nil)).
		Set("status = ?", string(u.Status)).
		Set("updated_at = ?", now).
		Where("id = ?", u.ID).
		Where("request_id = ?", requestID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update broadcast: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("broadcast %s not found for request %s", u.ID, requestID)
	}
	return nil
}

func insertEvent(ctx context.Context, tx bun.Tx, e *EventDao) error {
	if _, err := tx.NewInsert().Model(e).Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func mapCreateError(err error) error {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.Field('C') == pgUniqueCode {
		switch pgErr.Field('n') {
		case activeUserIndex:
			return ErrActiveRequest
		case activeAddressIndex:
			return ErrDepositAddressInUse
		}
	}
	return fmt.Errorf("failed to create request: %w", err)
}

func statusStrings(statuses []offramp.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
