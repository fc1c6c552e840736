// Package swap resolves and executes token conversions through a Uniswap V2 style
// factory/router pair. Routes are either direct or go through exactly one intermediate asset.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsafe/offramp-middleware/pkg/config"
	"github.com/chainsafe/offramp-middleware/pkg/ethereum"
)

// MaxHops is the longest swap path considered. Deeper routing is not supported.
const MaxHops = 2

const bpsDenominator = 10_000

var (
	// ErrNoRoute means neither a direct pool nor a two-hop path through a canonical
	// intermediate exists. The condition can resolve once pools are created.
	ErrNoRoute = errors.New("no swap route")
	// ErrNoLiquidity means the route exists but cannot quote the requested amount.
	ErrNoLiquidity = errors.New("insufficient swap liquidity")
)

// RouteKind classifies a route
type RouteKind string

const (
	RouteNone   RouteKind = "none"
	RouteDirect RouteKind = "direct"
	RouteTwoHop RouteKind = "two_hop"
)

// Route is a resolved swap path
type Route struct {
	Kind RouteKind
	Path []common.Address
	// Via is the intermediate asset of a two-hop route
	Via common.Address
}

// Caller performs read-only contract calls
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Router talks to the swap venue contracts
type Router struct {
	caller        Caller
	factory       common.Address
	router        common.Address
	intermediates []common.Address
	slippageBps   int64
	deadline      time.Duration
	approveGas    uint64
	swapGas       uint64
	now           func() time.Time
}

// NewRouter creates a swap router from configuration
func NewRouter(caller Caller, cfg *config.SwapConfig) (*Router, error) {
	if len(cfg.Intermediates) > MaxHops {
		return nil, fmt.Errorf("at most %d intermediates are supported", MaxHops)
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps >= bpsDenominator {
		return nil, fmt.Errorf("invalid slippage %d bps", cfg.SlippageBps)
	}

	intermediates := make([]common.Address, 0, len(cfg.Intermediates))
	for _, a := range cfg.Intermediates {
		intermediates = append(intermediates, common.HexToAddress(a))
	}

	return &Router{
		caller:        caller,
		factory:       common.HexToAddress(cfg.FactoryAddress),
		router:        common.HexToAddress(cfg.RouterAddress),
		intermediates: intermediates,
		slippageBps:   cfg.SlippageBps,
		deadline:      cfg.Deadline,
		approveGas:    cfg.ApproveGas,
		swapGas:       cfg.SwapGas,
		now:           time.Now,
	}, nil
}

// Address returns the router contract address
func (r *Router) Address() common.Address {
	return r.router
}

// FindRoute checks for a direct pool first and then for both legs through each canonical
// intermediate, in configuration order.
func (r *Router) FindRoute(ctx context.Context, tokenIn, tokenOut common.Address) (Route, error) {
	if tokenIn == tokenOut {
		return Route{Kind: RouteNone}, fmt.Errorf("token in and token out are both %s", tokenIn.Hex())
	}

	direct, err := r.pairExists(ctx, tokenIn, tokenOut)
	if err != nil {
		return Route{Kind: RouteNone}, err
	}
	if direct {
		return Route{Kind: RouteDirect, Path: []common.Address{tokenIn, tokenOut}}, nil
	}

	for _, via := range r.intermediates {
		if via == tokenIn || via == tokenOut {
			continue
		}
		first, err := r.pairExists(ctx, tokenIn, via)
		if err != nil {
			return Route{Kind: RouteNone}, err
		}
		if !first {
			continue
		}
		second, err := r.pairExists(ctx, via, tokenOut)
		if err != nil {
			return Route{Kind: RouteNone}, err
		}
		if second {
			return Route{Kind: RouteTwoHop, Via: via, Path: []common.Address{tokenIn, via, tokenOut}}, nil
		}
	}

	return Route{Kind: RouteNone}, ErrNoRoute
}

// Quote returns the expected output amount for amountIn along route
func (r *Router) Quote(ctx context.Context, route Route, amountIn *big.Int) (*big.Int, error) {
	if route.Kind == RouteNone || len(route.Path) < 2 {
		return nil, ErrNoRoute
	}

	data, err := routerABI.Pack("getAmountsOut", amountIn, route.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getAmountsOut: %w", err)
	}

	out, err := r.caller.Call(ctx, r.router, data)
	if err != nil {
		if errors.Is(err, ethereum.ErrCallReverted) {
			return nil, fmt.Errorf("%w: %v", ErrNoLiquidity, err)
		}
		return nil, err
	}

	values, err := routerABI.Unpack("getAmountsOut", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getAmountsOut: %w", err)
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) != len(route.Path) {
		return nil, fmt.Errorf("unexpected getAmountsOut result")
	}

	quote := amounts[len(amounts)-1]
	if quote.Sign() <= 0 {
		return nil, ErrNoLiquidity
	}
	return quote, nil
}

// MinAmountOut applies the slippage tolerance to a quote
func (r *Router) MinAmountOut(quote *big.Int) *big.Int {
	return MinAmountOut(quote, r.slippageBps)
}

// MinAmountOut returns quote * (10000 - slippageBps) / 10000, rounded down
func MinAmountOut(quote *big.Int, slippageBps int64) *big.Int {
	out := new(big.Int).Mul(quote, big.NewInt(bpsDenominator-slippageBps))
	return out.Div(out, big.NewInt(bpsDenominator))
}

// SwapParams describes the transactions to build for one swap
type SwapParams struct {
	Route        Route
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Signer       *ethereum.TxSigner
	Nonce        uint64
	GasPrice     *big.Int
}

// SwapTxs are the signed approve and swap transactions, in nonce order
type SwapTxs struct {
	Approve *ethereum.SignedTx
	Swap    *ethereum.SignedTx
}

// BuildSwapTxs signs an exact approval of the router (nonce n) and the swap (nonce n+1).
// The swap pays out to the signer and reverts on-chain if the output would fall below
// MinAmountOut, so a bad fill never executes partially.
func (r *Router) BuildSwapTxs(p SwapParams) (*SwapTxs, error) {
	if p.Route.Kind == RouteNone {
		return nil, ErrNoRoute
	}
	if p.AmountIn == nil || p.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("swap amount must be positive")
	}
	if p.MinAmountOut == nil || p.MinAmountOut.Sign() <= 0 {
		return nil, fmt.Errorf("minimum output must be positive")
	}

	approveData, err := ethereum.ERC20ApproveData(r.router, p.AmountIn)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	approve, err := p.Signer.Sign(ethereum.TxParams{
		Nonce:    p.Nonce,
		To:       p.Route.Path[0],
		Gas:      r.approveGas,
		GasPrice: p.GasPrice,
		Data:     approveData,
	})
	if err != nil {
		return nil, err
	}

	deadline := big.NewInt(r.now().Add(r.deadline).Unix())
	swapData, err := routerABI.Pack("swapExactTokensForTokens",
		p.AmountIn, p.MinAmountOut, p.Route.Path, p.Signer.Address(), deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to pack swap: %w", err)
	}
	swap, err := p.Signer.Sign(ethereum.TxParams{
		Nonce:    p.Nonce + 1,
		To:       r.router,
		Gas:      r.swapGas,
		GasPrice: p.GasPrice,
		Data:     swapData,
	})
	if err != nil {
		return nil, err
	}

	return &SwapTxs{Approve: approve, Swap: swap}, nil
}

// GasLimit is the combined gas limit of the approve and swap transactions
func (r *Router) GasLimit() uint64 {
	return r.approveGas + r.swapGas
}

func (r *Router) pairExists(ctx context.Context, a, b common.Address) (bool, error) {
	data, err := factoryABI.Pack("getPair", a, b)
	if err != nil {
		return false, fmt.Errorf("failed to pack getPair: %w", err)
	}

	out, err := r.caller.Call(ctx, r.factory, data)
	if err != nil {
		return false, err
	}

	values, err := factoryABI.Unpack("getPair", out)
	if err != nil {
		return false, fmt.Errorf("failed to unpack getPair: %w", err)
	}
	pair, ok := values[0].(common.Address)
	if !ok {
		return false, fmt.Errorf("unexpected getPair result type %T", values[0])
	}
	return pair != (common.Address{}), nil
}

// PathFromRawTx returns the token path of a signed swapExactTokensForTokens transaction.
// It is used to recover the executed route from a recorded broadcast.
func PathFromRawTx(raw []byte) ([]common.Address, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode swap transaction: %w", err)
	}
	data := tx.Data()
	method := routerABI.Methods["swapExactTokensForTokens"]
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return nil, fmt.Errorf("not a swapExactTokensForTokens call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack swap arguments: %w", err)
	}
	path, ok := args[2].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected swap path type %T", args[2])
	}
	return path, nil
}
