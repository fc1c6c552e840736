package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/pkg/config"
	"github.com/chainsafe/offramp-middleware/pkg/custody"
	"github.com/chainsafe/offramp-middleware/pkg/ethereum"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
	"github.com/chainsafe/offramp-middleware/pkg/payout"
	"github.com/chainsafe/offramp-middleware/pkg/rates"
	"github.com/chainsafe/offramp-middleware/pkg/swap"
)

const testSecretHex = "8f2a6c1e9b4d7f03a5c8e1b2d4f6a8c0e2b4d6f8a0c2e4b6d8f0a2c4e6b8d0f2"

var (
	testChainID = big.NewInt(1337)
	tokenA      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stableToken = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	wethToken   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	routerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	poolWallet  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	depositor   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

var venueABI = ethereum.MustParseABI(`[
{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`)

// fakeClock is a manually advanced clock. Sleeping advances it.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

// fakeStore is an in-memory Store with the same compare-and-set semantics as Postgres
type fakeStore struct {
	mu         sync.Mutex
	requests   map[string]*offramp.Request
	broadcasts map[string][]*offramp.Broadcast
	nonces     map[string]uint64
	seq        int64

	// beforeTransition runs before each transition is applied, outside the lock
	beforeTransition func(t offramp.Transition)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests:   map[string]*offramp.Request{},
		broadcasts: map[string][]*offramp.Broadcast{},
		nonces:     map[string]uint64{},
	}
}

func (s *fakeStore) put(r *offramp.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.RequestID] = r.Clone()
}

func (s *fakeStore) get(id string) *offramp.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id].Clone()
}

func (s *fakeStore) GetByRequestID(_ context.Context, id string) (*offramp.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, offramp.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *fakeStore) Transition(ctx context.Context, t offramp.Transition) (*offramp.Request, error) {
	return s.ClaimNonce(ctx, t, offramp.NonceSlot{}, nil)
}

// ClaimNonce allocates from slot only when sign is set and the compare-and-set succeeded
func (s *fakeStore) ClaimNonce(_ context.Context, t offramp.Transition, slot offramp.NonceSlot, sign func(uint64) (*offramp.Broadcast, error)) (*offramp.Request, error) {
	if s.beforeTransition != nil {
		s.beforeTransition(t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[t.RequestID]
	if !ok {
		return nil, offramp.ErrNotFound
	}
	n, err := offramp.Apply(r, t, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	broadcasts := t.Broadcasts
	if sign != nil {
		b, err := sign(s.peekNonce(slot))
		if err != nil {
			return nil, err
		}
		s.nonces[nonceKey(slot)] = b.Nonce + 1
		broadcasts = append(append([]*offramp.Broadcast(nil), broadcasts...), b)
	}
	for _, b := range broadcasts {
		s.seq++
		c := *b
		c.RequestID = t.RequestID
		c.CreatedAt = time.Unix(0, s.seq)
		s.broadcasts[t.RequestID] = append(s.broadcasts[t.RequestID], &c)
	}
	for _, u := range t.BroadcastUpdates {
		for _, b := range s.broadcasts[t.RequestID] {
			if b.ID == u.ID {
				b.Status = u.Status
			}
		}
	}
	s.requests[t.RequestID] = n
	return n.Clone(), nil
}

func (s *fakeStore) ListBroadcasts(_ context.Context, id string) ([]*offramp.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*offramp.Broadcast, 0, len(s.broadcasts[id]))
	for _, b := range s.broadcasts[id] {
		c := *b
		out = append(out, &c)
	}
	return out, nil
}

func nonceKey(slot offramp.NonceSlot) string {
	return fmt.Sprintf("%d/%s", slot.ChainID, slot.Address)
}

// peekNonce returns the next free nonce of slot; the caller holds s.mu
func (s *fakeStore) peekNonce(slot offramp.NonceSlot) uint64 {
	if stored, ok := s.nonces[nonceKey(slot)]; ok && stored > slot.ChainPending {
		return stored
	}
	return slot.ChainPending
}

// nextNonce is the next free nonce the store would allocate for addr
func (s *fakeStore) nextNonce(addr common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peekNonce(offramp.NonceSlot{ChainID: testChainID.Int64(), Address: addr.Hex()})
}

func (s *fakeStore) broadcastsOf(id string, kind offramp.BroadcastKind) []*offramp.Broadcast {
	all, _ := s.ListBroadcasts(context.Background(), id)
	var out []*offramp.Broadcast
	for _, b := range all {
		if b.Kind == kind {
			out = append(out, b)
		}
	}
	return out
}

// fakeChain simulates native transfers, ERC-20 transfers and a constant-rate swap venue
type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	transfers []ethereum.Transfer
	native    map[common.Address]*big.Int
	balances  map[common.Address]map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	used      map[common.Address]map[uint64]bool
	receipts  map[common.Hash]*types.Receipt
	inflight  map[common.Hash]*types.Transaction
	sent      []*types.Transaction
	gasPrice  *big.Int

	rateNum, rateDen int64
	// revertSwaps makes the next n swaps revert
	revertSwaps int
	// holdSwaps accepts swaps without ever mining them
	holdSwaps bool

	headErr     error
	gasPriceErr error
	estimateGas uint64
	estimateErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		head:        1000,
		native:      map[common.Address]*big.Int{},
		balances:    map[common.Address]map[common.Address]*big.Int{},
		nonces:      map[common.Address]uint64{},
		used:        map[common.Address]map[uint64]bool{},
		receipts:    map[common.Hash]*types.Receipt{},
		inflight:    map[common.Hash]*types.Transaction{},
		gasPrice:    big.NewInt(1_000_000_000),
		estimateGas: 40_000,
		rateNum:     3,
		rateDen:     2,
	}
}

// deposit credits amount of token to holder and records the Transfer event at block
func (c *fakeChain) deposit(token, holder common.Address, amount int64, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(token, holder, big.NewInt(amount))
	c.transfers = append(c.transfers, ethereum.Transfer{
		Token:       token,
		From:        depositor,
		To:          holder,
		Amount:      big.NewInt(amount),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
	})
}

func (c *fakeChain) credit(token, holder common.Address, amount *big.Int) {
	if c.balances[token] == nil {
		c.balances[token] = map[common.Address]*big.Int{}
	}
	c.balances[token][holder] = new(big.Int).Add(c.balanceOf(token, holder), amount)
}

func (c *fakeChain) balanceOf(token, holder common.Address) *big.Int {
	if b := c.balances[token][holder]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (c *fakeChain) tokenBalance(token, holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceOf(token, holder)
}

// sentTo returns the distinct transactions sent to addr
func (c *fakeChain) sentTo(addr common.Address) []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[common.Hash]bool{}
	var out []*types.Transaction
	for _, tx := range c.sent {
		if tx.To() == nil || *tx.To() != addr || seen[tx.Hash()] {
			continue
		}
		seen[tx.Hash()] = true
		out = append(out, tx)
	}
	return out
}

func (c *fakeChain) ChainID() *big.Int { return testChainID }

func (c *fakeChain) ConfirmedHead(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headErr
}

func (c *fakeChain) DetectIncomingTransfers(_ context.Context, holder common.Address, tokens []common.Address, from, to uint64) ([]ethereum.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	accepted := map[common.Address]bool{}
	for _, t := range tokens {
		accepted[t] = true
	}
	var out []ethereum.Transfer
	for _, t := range c.transfers {
		if t.To == holder && accepted[t.Token] && t.BlockNumber >= from && t.BlockNumber <= to {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *fakeChain) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	return c.tokenBalance(token, holder), nil
}

func (c *fakeChain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.native[addr]; b != nil {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gasPriceErr != nil {
		return nil, c.gasPriceErr
	}
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) EstimateGas(context.Context, geth.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimateGas, c.estimateErr
}

func (c *fakeChain) PendingNonce(_ context.Context, addr common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[addr], nil
}

func (c *fakeChain) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.ErrTxNotFound
}

func (c *fakeChain) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	if _, mined := c.receipts[tx.Hash()]; mined || c.inflight[tx.Hash()] != nil {
		return tx.Hash(), nil
	}
	if c.used[from][tx.Nonce()] {
		return tx.Hash(), ethereum.ErrNonceTooLow
	}
	if c.used[from] == nil {
		c.used[from] = map[uint64]bool{}
	}
	c.used[from][tx.Nonce()] = true
	if tx.Nonce() >= c.nonces[from] {
		c.nonces[from] = tx.Nonce() + 1
	}

	receipt := c.execute(tx, from)
	if receipt == nil {
		c.inflight[tx.Hash()] = tx
		return tx.Hash(), nil
	}
	receipt.TxHash = tx.Hash()
	c.receipts[tx.Hash()] = receipt
	return tx.Hash(), nil
}

func (c *fakeChain) execute(tx *types.Transaction, from common.Address) *types.Receipt {
	ok := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	failed := &types.Receipt{Status: types.ReceiptStatusFailed}
	to := *tx.To()
	data := tx.Data()

	if len(data) == 0 {
		if c.native[to] == nil {
			c.native[to] = new(big.Int)
		}
		c.native[to].Add(c.native[to], tx.Value())
		return ok
	}

	if to == routerAddr {
		if c.holdSwaps {
			return nil
		}
		if c.revertSwaps > 0 {
			c.revertSwaps--
			return failed
		}
		args, err := venueABI.Methods["swapExactTokensForTokens"].Inputs.Unpack(data[4:])
		if err != nil {
			return failed
		}
		amountIn := args[0].(*big.Int)
		minOut := args[1].(*big.Int)
		path := args[2].([]common.Address)
		recipient := args[3].(common.Address)

		out := new(big.Int).Set(amountIn)
		for i := 1; i < len(path); i++ {
			out.Mul(out, big.NewInt(c.rateNum)).Div(out, big.NewInt(c.rateDen))
		}
		if out.Cmp(minOut) < 0 || c.balanceOf(path[0], from).Cmp(amountIn) < 0 {
			return failed
		}
		last := path[len(path)-1]
		c.credit(path[0], from, new(big.Int).Neg(amountIn))
		c.credit(last, recipient, out)
		ok.Logs = []*types.Log{transferLog(last, routerAddr, recipient, out)}
		return ok
	}

	method, err := ethereum.ERC20ABI.MethodById(data[:4])
	if err != nil {
		return failed
	}
	switch method.Name {
	case "approve":
		return ok
	case "transfer":
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return failed
		}
		dst := args[0].(common.Address)
		amount := args[1].(*big.Int)
		if c.balanceOf(to, from).Cmp(amount) < 0 {
			return failed
		}
		c.credit(to, from, new(big.Int).Neg(amount))
		c.credit(to, dst, amount)
		ok.Logs = []*types.Log{transferLog(to, from, dst, amount)}
		return ok
	}
	return failed
}

// mineInflight executes every accepted but unmined transaction
func (c *fakeChain) mineInflight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	hold := c.holdSwaps
	c.holdSwaps = false
	for hash, tx := range c.inflight {
		from, _ := types.Sender(types.LatestSignerForChainID(testChainID), tx)
		receipt := c.execute(tx, from)
		receipt.TxHash = hash
		c.receipts[hash] = receipt
		delete(c.inflight, hash)
	}
	c.holdSwaps = hold
}

func transferLog(token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			ethereum.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

// fakeRouter resolves routes from a set of pools and builds real transactions
type fakeRouter struct {
	mu      sync.Mutex
	pools   map[[2]common.Address]bool
	chain   *fakeChain
	builder *swap.Router
}

func newFakeRouter(t *testing.T, chain *fakeChain) *fakeRouter {
	t.Helper()
	builder, err := swap.NewRouter(nil, &config.SwapConfig{
		RouterAddress: routerAddr.Hex(),
		SlippageBps:   100,
		Deadline:      10 * time.Minute,
		ApproveGas:    80_000,
		SwapGas:       300_000,
	})
	require.NoError(t, err)
	return &fakeRouter{pools: map[[2]common.Address]bool{}, chain: chain, builder: builder}
}

func (r *fakeRouter) addPool(a, b common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[[2]common.Address{a, b}] = true
	r.pools[[2]common.Address{b, a}] = true
}

func (r *fakeRouter) FindRoute(_ context.Context, in, out common.Address) (swap.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools[[2]common.Address{in, out}] {
		return swap.Route{Kind: swap.RouteDirect, Path: []common.Address{in, out}}, nil
	}
	if r.pools[[2]common.Address{in, wethToken}] && r.pools[[2]common.Address{wethToken, out}] {
		return swap.Route{Kind: swap.RouteTwoHop, Via: wethToken, Path: []common.Address{in, wethToken, out}}, nil
	}
	return swap.Route{Kind: swap.RouteNone}, swap.ErrNoRoute
}

func (r *fakeRouter) Quote(_ context.Context, route swap.Route, amountIn *big.Int) (*big.Int, error) {
	out := new(big.Int).Set(amountIn)
	for i := 1; i < len(route.Path); i++ {
		out.Mul(out, big.NewInt(r.chain.rateNum)).Div(out, big.NewInt(r.chain.rateDen))
	}
	return out, nil
}

func (r *fakeRouter) MinAmountOut(quote *big.Int) *big.Int { return r.builder.MinAmountOut(quote) }

func (r *fakeRouter) BuildSwapTxs(p swap.SwapParams) (*swap.SwapTxs, error) {
	return r.builder.BuildSwapTxs(p)
}

func (r *fakeRouter) GasLimit() uint64 { return r.builder.GasLimit() }

// fakeGateway is an idempotent payout provider keyed by request id
type fakeGateway struct {
	mu          sync.Mutex
	payouts     map[string]*payout.Result
	initiations int
	// initiateErrs are returned, in order, by the next InitiatePayout calls. A call that
	// returns ErrGatewayUnavailable still records the payout, like a timed out request.
	initiateErrs []error
	statusErr    error
	// settleAs is the status a new payout is created with
	settleAs payout.Status
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payouts: map[string]*payout.Result{}, settleAs: payout.StatusPending}
}

func (g *fakeGateway) InitiatePayout(_ context.Context, in payout.Instruction) (*payout.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiations++

	var err error
	if len(g.initiateErrs) > 0 {
		err, g.initiateErrs = g.initiateErrs[0], g.initiateErrs[1:]
	}
	if errors.Is(err, payout.ErrPayoutRejected) {
		return nil, err
	}
	if _, ok := g.payouts[in.RequestID]; !ok {
		g.payouts[in.RequestID] = &payout.Result{Reference: "PAY-" + in.RequestID, Status: g.settleAs}
	}
	if err != nil {
		return nil, err
	}
	res := *g.payouts[in.RequestID]
	return &res, nil
}

func (g *fakeGateway) CheckPayoutStatus(_ context.Context, requestID string) (*payout.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	p, ok := g.payouts[requestID]
	if !ok {
		return nil, payout.ErrPayoutNotFound
	}
	res := *p
	return &res, nil
}

func (g *fakeGateway) settle(requestID string, status payout.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payouts[requestID].Status = status
}

func (g *fakeGateway) count() (payouts, initiations int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payouts), g.initiations
}

type harness struct {
	engine  *Engine
	store   *fakeStore
	chain   *fakeChain
	router  *fakeRouter
	gateway *fakeGateway
	deriver *custody.Deriver
	funder  *ethereum.TxSigner
	clock   *fakeClock
	cfg     Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	secret, err := custody.ParseMasterSecret(testSecretHex)
	require.NoError(t, err)
	deriver, err := custody.NewDeriver(secret)
	require.NoError(t, err)

	funderKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	funder, err := ethereum.NewTxSigner(funderKey, testChainID)
	require.NoError(t, err)

	chain := newFakeChain()
	router := newFakeRouter(t, chain)
	router.addPool(tokenA, stableToken)

	cfg := Config{
		DepositTokens: map[common.Address]Token{
			tokenA: {Symbol: "TKA", Address: tokenA, Decimals: 18, MinAmount: big.NewInt(100)},
		},
		StableToken:    stableToken,
		StableSymbol:   "USDT",
		StableDecimals: 6,
		PoolWallet:     poolWallet,
		LookbackBlocks: 100,
		MaxBlockRange:  500,
		SweepGas:       60_000,
		GasBufferPct:   20,
		ReceiptTimeout: 30 * time.Second,
		ReceiptPoll:    5 * time.Second,
		MaxAttempts:    3,
		PayoutTimeout:  time.Hour,
		FiatCurrency:   "NGN",
		PayoutDecimals: 2,
	}

	h := &harness{
		store:   newFakeStore(),
		chain:   chain,
		router:  router,
		gateway: newFakeGateway(),
		deriver: deriver,
		funder:  funder,
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		cfg:     cfg,
	}
	h.engine = h.newEngine()
	return h
}

func (h *harness) newEngine() *Engine {
	e := NewEngine(h.cfg, Deps{
		Store:   h.store,
		Chain:   h.chain,
		Router:  h.router,
		Deriver: h.deriver,
		Gateway: h.gateway,
		Rates:   rates.NewStaticProvider(decimal.NewFromInt(1500)),
		Funder:  h.funder,
	}, zap.NewNop())
	e.now = h.clock.Now
	e.sleep = h.clock.Sleep
	return e
}

// newRequest stores a pending request for user and returns it with its deposit address
func (h *harness) newRequest(t *testing.T, id, user string) *offramp.Request {
	t.Helper()
	index := custody.DerivationIndex(user)
	addr, err := h.deriver.Address(index)
	require.NoError(t, err)

	r := &offramp.Request{
		RequestID:           id,
		UserIdentifier:      user,
		DerivationIndex:     index,
		DerivationVersion:   custody.DerivationVersion,
		DepositAddress:      addr.Hex(),
		BankAccountNumber:   "0123456789",
		BankCode:            "058",
		AccountName:         "Ada Obi",
		FiatAmountRequested: decimal.NewFromInt(15000),
		FiatCurrency:        "NGN",
		Status:              offramp.StatusPending,
		Version:             1,
		CreatedAt:           h.clock.Now(),
		UpdatedAt:           h.clock.Now(),
	}
	h.store.put(r)
	return r
}

func (h *harness) advance(t *testing.T, id string) Result {
	t.Helper()
	return h.engine.Advance(context.Background(), id)
}
