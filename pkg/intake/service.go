// Package intake accepts off-ramp requests, hands out deposit addresses and exposes request
// status and operator overrides.
package intake

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/offramp-middleware/pkg/app/errors"
	"github.com/chainsafe/offramp-middleware/pkg/auth"
	"github.com/chainsafe/offramp-middleware/pkg/custody"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
	"github.com/chainsafe/offramp-middleware/pkg/requeststore"
)

// Store is the narrow data-access interface of the intake service
type Store interface {
	Create(ctx context.Context, r *offramp.Request) error
	GetByRequestID(ctx context.Context, requestID string) (*offramp.Request, error)
	GetByDepositAddress(ctx context.Context, address string) (*offramp.Request, error)
	GetActiveByUser(ctx context.Context, userIdentifier string) (*offramp.Request, error)
	AdminReset(ctx context.Context, reset offramp.AdminReset) (*offramp.Request, error)
	Delete(ctx context.Context, requestID, actor, reason string) error
	ListEvents(ctx context.Context, requestID string) ([]*offramp.Event, error)
}

// AddressDeriver maps a derivation index onto its deposit address
type AddressDeriver interface {
	Address(index uint32) (common.Address, error)
}

// HeadReader reports the confirmed chain head. Deposit scanning for a new request starts
// after it, so transfers to a reused deposit address from an earlier request are not counted.
type HeadReader interface {
	ConfirmedHead(ctx context.Context) (uint64, error)
}

// Service defines the off-ramp intake and operator operations
type Service interface {
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)
	Get(ctx context.Context, requestID string) (*RequestView, error)
	GetByDepositAddress(ctx context.Context, address string) (*RequestView, error)
	Events(ctx context.Context, requestID string) ([]EventView, error)
	// Reset and Delete attribute the action to the actor stored in ctx.
	Reset(ctx context.Context, requestID string, req *ResetRequest) (*RequestView, error)
	Delete(ctx context.Context, requestID string, req *DeleteRequest) error
}

// Config holds intake settings
type Config struct {
	DefaultCurrency string
	MaxFiatAmount   decimal.Decimal
}

type intakeService struct {
	cfg      Config
	store    Store
	deriver  AddressDeriver
	head     HeadReader
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the intake service. head may be nil, in which case the first deposit scan
// starts the configured lookback behind the head.
func NewService(cfg Config, store Store, deriver AddressDeriver, head HeadReader, logger *zap.Logger) Service {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "NGN"
	}
	return &intakeService{
		cfg:      cfg,
		store:    store,
		deriver:  deriver,
		head:     head,
		validate: newValidator(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create issues a deposit address for a new off-ramp request. A user with a pending request
// gets that request back; a user whose request is already settling gets a conflict.
func (s *intakeService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	req.UserIdentifier = strings.TrimSpace(req.UserIdentifier)
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, validationMessage(err))
	}
	amount, err := decimal.NewFromString(req.FiatAmount)
	if err != nil || !amount.IsPositive() {
		return nil, apperrors.BadRequestError(err, "fiat_amount must be a positive decimal")
	}
	if s.cfg.MaxFiatAmount.IsPositive() && amount.GreaterThan(s.cfg.MaxFiatAmount) {
		return nil, apperrors.BadRequestError(nil, fmt.Sprintf("fiat_amount exceeds the maximum of %s", s.cfg.MaxFiatAmount))
	}
	currency := strings.ToUpper(req.FiatCurrency)
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	if resp, err := s.existing(ctx, req.UserIdentifier); resp != nil || err != nil {
		return resp, err
	}

	index := custody.DerivationIndex(req.UserIdentifier)
	address, err := s.deriver.Address(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive deposit address: %w", err)
	}

	var scanFrom uint64
	if s.head != nil {
		head, err := s.head.ConfirmedHead(ctx)
		if err != nil {
			return nil, apperrors.DependencyError(err, "chain unavailable, try again later")
		}
		scanFrom = head + 1
	}

	now := s.now()
	r := &offramp.Request{
		RequestID:           uuid.NewString(),
		UserIdentifier:      req.UserIdentifier,
		DerivationIndex:     index,
		DerivationVersion:   custody.DerivationVersion,
		DepositAddress:      address.Hex(),
		BankAccountNumber:   req.BankAccountNumber,
		BankCode:            req.BankCode,
		AccountName:         strings.TrimSpace(req.AccountName),
		FiatAmountRequested: amount,
		FiatCurrency:        currency,
		ScanFromBlock:       scanFrom,
		InitialScanBlock:    scanFrom,
		Status:              offramp.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = s.store.Create(ctx, r)
	switch {
	case errors.Is(err, requeststore.ErrActiveRequest):
		// Lost a race with a concurrent intake for the same user.
		if resp, err := s.existing(ctx, req.UserIdentifier); resp != nil || err != nil {
			return resp, err
		}
		return nil, apperrors.ConflictError(err, "user already has an active off-ramp request")
	case errors.Is(err, requeststore.ErrDepositAddressInUse):
		s.logger.Warn("Deposit address collision between users",
			zap.Uint32("derivation_index", index), zap.String("deposit_address", r.DepositAddress))
		return nil, apperrors.ConflictError(err, "deposit address is in use by another active request")
	case err != nil:
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return &CreateResponse{
		RequestID:      r.RequestID,
		DepositAddress: r.DepositAddress,
		Status:         r.Status,
	}, nil
}

// existing returns the user's pending request, a conflict when the user's request is past
// pending, or nil when the user has no live request.
func (s *intakeService) existing(ctx context.Context, user string) (*CreateResponse, error) {
	active, err := s.store.GetActiveByUser(ctx, user)
	if errors.Is(err, requeststore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check active request: %w", err)
	}
	if active.Status != offramp.StatusPending {
		return nil, apperrors.ConflictError(requeststore.ErrActiveRequest,
			fmt.Sprintf("request %s is already in progress (%s)", active.RequestID, active.Status))
	}
	return &CreateResponse{
		RequestID:      active.RequestID,
		DepositAddress: active.DepositAddress,
		Status:         active.Status,
		Existing:       true,
	}, nil
}

func (s *intakeService) Get(ctx context.Context, requestID string) (*RequestView, error) {
	if _, err := uuid.Parse(requestID); err != nil {
		return nil, apperrors.BadRequestError(err, "invalid request id")
	}
	r, err := s.store.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, lookupError(err)
	}
	return NewRequestView(r), nil
}

func (s *intakeService) GetByDepositAddress(ctx context.Context, address string) (*RequestView, error) {
	if !common.IsHexAddress(address) {
		return nil, apperrors.BadRequestError(nil, "invalid deposit address")
	}
	r, err := s.store.GetByDepositAddress(ctx, address)
	if err != nil {
		return nil, lookupError(err)
	}
	return NewRequestView(r), nil
}

func (s *intakeService) Events(ctx context.Context, requestID string) ([]EventView, error) {
	if _, err := uuid.Parse(requestID); err != nil {
		return nil, apperrors.BadRequestError(err, "invalid request id")
	}
	events, err := s.store.ListEvents(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if len(events) == 0 {
		return nil, apperrors.ResourceNotFoundError(nil, "off-ramp request not found")
	}
	out := make([]EventView, len(events))
	for i, e := range events {
		out[i] = newEventView(e)
	}
	return out, nil
}

func (s *intakeService) Reset(ctx context.Context, requestID string, req *ResetRequest) (*RequestView, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, apperrors.UnAuthorizedError(requeststore.ErrActorRequired, "operator identity required")
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.BadRequestError(err, validationMessage(err))
	}
	to := offramp.Status(req.Status)
	if !to.Valid() {
		return nil, apperrors.BadRequestError(nil, fmt.Sprintf("unknown status %q", req.Status))
	}

	r, err := s.store.AdminReset(ctx, offramp.AdminReset{
		RequestID: requestID,
		To:        to,
		Actor:     actor,
		Reason:    req.Reason,
	})
	switch {
	case errors.Is(err, offramp.ErrInvalidTransition):
		return nil, apperrors.BadRequestError(err, err.Error())
	case errors.Is(err, requeststore.ErrStaleTransition):
		return nil, apperrors.ConflictError(err, "request changed concurrently, retry")
	case err != nil:
		return nil, lookupError(err)
	}
	return NewRequestView(r), nil
}

func (s *intakeService) Delete(ctx context.Context, requestID string, req *DeleteRequest) error {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return apperrors.UnAuthorizedError(requeststore.ErrActorRequired, "operator identity required")
	}
	if err := s.validate.Struct(req); err != nil {
		return apperrors.BadRequestError(err, validationMessage(err))
	}

	err := s.store.Delete(ctx, requestID, actor, req.Reason)
	switch {
	case errors.Is(err, requeststore.ErrInFlight):
		return apperrors.ConflictError(err, "request is in flight and cannot be deleted")
	case errors.Is(err, requeststore.ErrStaleTransition):
		return apperrors.ConflictError(err, "request changed concurrently, retry")
	case err != nil:
		return lookupError(err)
	}
	return nil
}

func lookupError(err error) error {
	if errors.Is(err, requeststore.ErrNotFound) {
		return apperrors.ResourceNotFoundError(err, "off-ramp request not found")
	}
	return fmt.Errorf("failed to load request: %w", err)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	return fmt.Sprintf("invalid field %s: failed %s", fe.Field(), fe.Tag())
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
