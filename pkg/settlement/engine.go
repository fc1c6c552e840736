// Package settlement advances off-ramp requests through the settlement state machine:
// deposit detection, swap into the settlement token, sweep to the pool wallet and fiat payout.
//
// Every step is idempotent. Signed transactions are recorded before they are sent and
// a state change is only applied through a compare-and-set on the stored version, so a
// crashed or concurrent worker can never sign a second swap or initiate a second payout.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/internal/metrics"
	"github.com/chainsafe/offramp-middleware/pkg/custody"
	"github.com/chainsafe/offramp-middleware/pkg/ethereum"
	"github.com/chainsafe/offramp-middleware/pkg/events"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
	"github.com/chainsafe/offramp-middleware/pkg/payout"
	"github.com/chainsafe/offramp-middleware/pkg/rates"
	"github.com/chainsafe/offramp-middleware/pkg/swap"
)

// Store is the persistence the engine needs
type Store interface {
	GetByRequestID(ctx context.Context, requestID string) (*offramp.Request, error)
	Transition(ctx context.Context, t offramp.Transition) (*offramp.Request, error)
	ListBroadcasts(ctx context.Context, requestID string) ([]*offramp.Broadcast, error)
	ClaimNonce(ctx context.Context, t offramp.Transition, slot offramp.NonceSlot,
		sign func(nonce uint64) (*offramp.Broadcast, error)) (*offramp.Request, error)
}

// Chain is the EVM access the engine needs
type Chain interface {
	ChainID() *big.Int
	ConfirmedHead(ctx context.Context) (uint64, error)
	DetectIncomingTransfers(ctx context.Context, holder common.Address, tokens []common.Address, from, to uint64) ([]ethereum.Transfer, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

// Router resolves and builds swaps
type Router interface {
	FindRoute(ctx context.Context, tokenIn, tokenOut common.Address) (swap.Route, error)
	Quote(ctx context.Context, route swap.Route, amountIn *big.Int) (*big.Int, error)
	MinAmountOut(quote *big.Int) *big.Int
	BuildSwapTxs(p swap.SwapParams) (*swap.SwapTxs, error)
	GasLimit() uint64
}

// KeyDeriver re-derives deposit keys
type KeyDeriver interface {
	Derive(index uint32) (*custody.DepositKey, error)
	Verify(index uint32, address string) error
}

// Outcome summarises what one Advance call did
type Outcome string

const (
	// OutcomeAdvanced means the request moved to a later status.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeWaiting means nothing to do yet: no deposit, unmined transaction or pending payout.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeRetrying means a transient failure was recorded against the attempt budget.
	OutcomeRetrying Outcome = "retrying"
	// OutcomeNoRoute means the request is parked in stale_no_route.
	OutcomeNoRoute Outcome = "no_route"
	// OutcomeFailed means the request moved to failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means another worker changed the request first, or it is terminal.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeError means the step could not run. The cause is kept in the error message when
	// the request can still be written.
	OutcomeError Outcome = "error"
)

// Result is the outcome of advancing one request
type Result struct {
	RequestID string
	From      offramp.Status
	To        offramp.Status
	Outcome   Outcome
	Err       error
}

// Deps are the collaborators of the engine
type Deps struct {
	Store     Store
	Chain     Chain
	Router    Router
	Deriver   KeyDeriver
	Gateway   payout.Gateway
	Rates     rates.Provider
	Publisher events.Publisher
	// Funder tops up deposit addresses with native gas. Nil disables gas funding.
	Funder *ethereum.TxSigner
}

// Engine executes settlement steps
type Engine struct {
	cfg       Config
	store     Store
	chain     Chain
	router    Router
	deriver   KeyDeriver
	gateway   payout.Gateway
	rates     rates.Provider
	publisher events.Publisher
	funder    *ethereum.TxSigner
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a settlement engine
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		chain:     deps.Chain,
		router:    deps.Router,
		deriver:   deps.Deriver,
		gateway:   deps.Gateway,
		rates:     deps.Rates,
		publisher: publisher,
		funder:    deps.Funder,
		logger:    logger.Named("settlement"),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

// step carries the state of one Advance call
type step struct {
	req    *offramp.Request
	from   offramp.Status
	key    *custody.DepositKey
	logger *zap.Logger
}

// Advance loads a request and executes at most one pipeline step for it. It is safe to call
// concurrently for the same request: only the worker that wins the compare-and-set acts.
func (e *Engine) Advance(ctx context.Context, requestID string) Result {
	req, err := e.store.GetByRequestID(ctx, requestID)
	if err != nil {
		return Result{RequestID: requestID, Outcome: OutcomeError, Err: fmt.Errorf("failed to load request: %w", err)}
	}
	if req.Status.Terminal() {
		return Result{RequestID: requestID, From: req.Status, To: req.Status, Outcome: OutcomeSkipped}
	}

	start := time.Now()
	s := &step{
		req:  req,
		from: req.Status,
		logger: e.logger.With(
			zap.String("request_id", req.RequestID),
			zap.String("status", string(req.Status)),
		),
	}

	res := e.run(ctx, s)
	res.RequestID = requestID
	res.From = s.from
	if res.To == "" {
		res.To = s.req.Status
	}

	metrics.StepOutcomes.WithLabelValues(string(s.from), string(res.Outcome)).Inc()
	metrics.StepDuration.WithLabelValues(string(s.from)).Observe(time.Since(start).Seconds())

	switch res.Outcome {
	case OutcomeError, OutcomeRetrying:
		s.logger.Warn("Settlement step did not complete", zap.String("outcome", string(res.Outcome)), zap.Error(res.Err))
	case OutcomeFailed:
		s.logger.Error("Request failed", zap.String("error_message", s.req.ErrorMessage))
	case OutcomeSkipped:
		s.logger.Debug("Request changed concurrently, skipping")
	default:
		s.logger.Debug("Settlement step finished",
			zap.String("outcome", string(res.Outcome)), zap.String("to", string(res.To)))
	}
	return res
}

func (e *Engine) run(ctx context.Context, s *step) Result {
	if res, ok := e.verifyCustody(ctx, s); !ok {
		return res
	}

	switch s.req.Status {
	case offramp.StatusPending:
		return e.detectDeposit(ctx, s)
	case offramp.StatusTokenReceived, offramp.StatusStaleNoRoute:
		return e.executeSwap(ctx, s)
	case offramp.StatusSwapped:
		return e.sweep(ctx, s)
	case offramp.StatusSwept:
		return e.initiatePayout(ctx, s)
	case offramp.StatusPayoutInitiated:
		return e.confirmPayout(ctx, s)
	default:
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("no step for status %s", s.req.Status)}
	}
}

// verifyCustody re-derives the deposit key and checks it against the stored address. A
// mismatch means funds could be unreachable, so the request fails instead of signing anything.
func (e *Engine) verifyCustody(ctx context.Context, s *step) (Result, bool) {
	r := s.req
	index, err := custody.IndexFor(r.DerivationVersion, r.UserIdentifier)
	if err != nil {
		return e.fail(ctx, s, fmt.Sprintf("deposit key derivation: %v", err)), false
	}
	if index != r.DerivationIndex {
		return e.fail(ctx, s, fmt.Sprintf("derivation index mismatch: stored %d, computed %d", r.DerivationIndex, index)), false
	}
	if err := e.deriver.Verify(r.DerivationIndex, r.DepositAddress); err != nil {
		return e.fail(ctx, s, err.Error()), false
	}
	key, err := e.deriver.Derive(r.DerivationIndex)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}, false
	}
	s.key = key
	return Result{}, true
}

// apply runs a compare-and-set transition and publishes the status change, if any.
// It returns offramp.ErrStaleTransition when another worker got there first.
func (e *Engine) apply(ctx context.Context, s *step, t offramp.Transition) error {
	from := s.req.Status
	updated, err := e.store.Transition(ctx, t)
	if err != nil {
		return err
	}
	s.req = updated
	if updated.Status != from {
		s.logger.Info("Request status changed",
			zap.String("from", string(from)), zap.String("to", string(updated.Status)))
		if err := e.publisher.Publish(ctx, events.NewStatusEvent(updated, from)); err != nil {
			s.logger.Warn("Failed to publish status event", zap.Error(err))
		}
	}
	return nil
}

// advanceTo applies a transition and maps the result onto an outcome
func (e *Engine) advanceTo(ctx context.Context, s *step, to offramp.Status, f offramp.Fields, updates ...offramp.BroadcastUpdate) Result {
	if f.ErrorMessage == nil && s.req.ErrorMessage != "" && to != s.req.Status &&
		to != offramp.StatusFailed && to != offramp.StatusStaleNoRoute {
		cleared := ""
		f.ErrorMessage = &cleared
	}
	t := offramp.Next(s.req, to, f)
	t.BroadcastUpdates = updates
	if err := e.apply(ctx, s, t); err != nil {
		return e.transitionError(err)
	}
	switch to {
	case offramp.StatusFailed:
		return Result{Outcome: OutcomeFailed}
	case offramp.StatusStaleNoRoute:
		return Result{Outcome: OutcomeNoRoute}
	}
	return Result{Outcome: OutcomeAdvanced}
}

// fail moves the request to failed with msg
func (e *Engine) fail(ctx context.Context, s *step, msg string, updates ...offramp.BroadcastUpdate) Result {
	return e.advanceTo(ctx, s, offramp.StatusFailed, offramp.Fields{ErrorMessage: &msg}, updates...)
}

// retry records a transient failure. Once the attempt budget is spent the request fails.
func (e *Engine) retry(ctx context.Context, s *step, cause error, updates ...offramp.BroadcastUpdate) Result {
	msg := cause.Error()
	if s.req.VerificationAttempts+1 >= e.cfg.MaxAttempts {
		msg = fmt.Sprintf("max attempts reached: %s", msg)
		return e.advanceTo(ctx, s, offramp.StatusFailed,
			offramp.Fields{ErrorMessage: &msg, IncrementAttempts: true}, updates...)
	}

	t := offramp.Next(s.req, s.req.Status, offramp.Fields{ErrorMessage: &msg, IncrementAttempts: true})
	t.BroadcastUpdates = updates
	if err := e.apply(ctx, s, t); err != nil {
		return e.transitionError(err)
	}
	return Result{Outcome: OutcomeRetrying, Err: cause}
}

// transient records a chain or gateway failure on the request. Pending and payout_initiated
// requests are bounded by the deposit scan and the payout timeout, so they only keep the
// message; every other step counts the failure against the attempt budget.
func (e *Engine) transient(ctx context.Context, s *step, cause error) Result {
	switch s.req.Status {
	case offramp.StatusPending, offramp.StatusPayoutInitiated:
	default:
		return e.retry(ctx, s, cause)
	}
	if msg := cause.Error(); s.req.ErrorMessage != msg {
		if err := e.apply(ctx, s, offramp.Next(s.req, s.req.Status, offramp.Fields{ErrorMessage: &msg})); err != nil {
			return e.transitionError(err)
		}
	}
	return Result{Outcome: OutcomeError, Err: cause}
}

func (e *Engine) transitionError(err error) Result {
	if errors.Is(err, offramp.ErrStaleTransition) {
		return Result{Outcome: OutcomeSkipped}
	}
	return Result{Outcome: OutcomeError, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
