package requeststore_test

import (
	"context"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"

	"github.com/chainsafe/offramp-middleware/pkg/migrations/settlementdb"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
	"github.com/chainsafe/offramp-middleware/pkg/pgutil"
	"github.com/chainsafe/offramp-middleware/pkg/requeststore"
)

func setupStore(t *testing.T) (context.Context, requeststore.Store) {
	t.Helper()
	requireDockerAccess(t)

	ctx := context.Background()
	db, cleanup := pgutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	migrator := migrate.NewMigrator(db, settlementdb.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err := migrator.Migrate(ctx)
	require.NoError(t, err)

	return ctx, requeststore.NewStore(db)
}

func requireDockerAccess(t *testing.T) {
	t.Helper()

	candidates := []string{
		"/var/run/docker.sock",
		filepath.Join(os.Getenv("HOME"), ".docker/run/docker.sock"),
	}

	for _, sock := range candidates {
		if sock == "" {
			continue
		}
		if _, err := os.Stat(sock); err != nil {
			continue
		}
		conn, err := (&net.Dialer{}).DialContext(context.Background(), "unix", sock)
		if err == nil {
			_ = conn.Close()
			return
		}
	}

	t.Skip("docker daemon socket is not accessible; skipping testcontainer-backed requeststore tests")
}

func newRequest(user, address string) *offramp.Request {
	return &offramp.Request{
		RequestID:           uuid.NewString(),
		UserIdentifier:      user,
		DerivationIndex:     42,
		DerivationVersion:   1,
		DepositAddress:      address,
		BankAccountNumber:   "0123456789",
		BankCode:            "058",
		AccountName:         "Ada Obi",
		FiatAmountRequested: decimal.RequireFromString("15000.50"),
		FiatCurrency:        "NGN",
		Status:              offramp.StatusPending,
	}
}

func receivedFields(now time.Time) offramp.Fields {
	token := "0x00000000000000000000000000000000000000aa"
	hash := "0xdeposit"
	return offramp.Fields{
		TokenAddress:        &token,
		TokenAmountDetected: big.NewInt(5_000),
		TxHashDeposit:       &hash,
		TokenReceivedAt:     &now,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx, store := setupStore(t)

	r := newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")
	require.NoError(t, store.Create(ctx, r))

	got, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)
	assert.Equal(t, offramp.StatusPending, got.Status)
	assert.True(t, r.FiatAmountRequested.Equal(got.FiatAmountRequested))
	assert.Equal(t, uint32(42), got.DerivationIndex)
	assert.Nil(t, got.TokenAmountDetected)

	byAddr, err := store.GetByDepositAddress(ctx, "0x00000000000000000000000000000000000000D1")
	require.NoError(t, err)
	assert.Equal(t, r.RequestID, byAddr.RequestID)

	active, err := store.GetActiveByUser(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, r.RequestID, active.RequestID)

	_, err = store.GetByRequestID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, requeststore.ErrNotFound)
}

func TestCreate_OneActivePerUser(t *testing.T) {
	ctx, store := setupStore(t)

	require.NoError(t, store.Create(ctx, newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")))
	err := store.Create(ctx, newRequest("ada@example.com", "0x00000000000000000000000000000000000000d2"))
	assert.ErrorIs(t, err, requeststore.ErrActiveRequest)

	err = store.Create(ctx, newRequest("bob@example.com", "0x00000000000000000000000000000000000000d1"))
	assert.ErrorIs(t, err, requeststore.ErrDepositAddressInUse)
}

func TestTransition_CompareAndSet(t *testing.T) {
	ctx, store := setupStore(t)

	r := newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")
	require.NoError(t, store.Create(ctx, r))
	r, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	updated, err := store.Transition(ctx, offramp.Next(r, offramp.StatusTokenReceived, receivedFields(now)))
	require.NoError(t, err)
	assert.Equal(t, offramp.StatusTokenReceived, updated.Status)
	assert.Equal(t, r.Version+1, updated.Version)

	// The old snapshot is stale now.
	_, err = store.Transition(ctx, offramp.Next(r, offramp.StatusFailed, offramp.Fields{}))
	assert.ErrorIs(t, err, requeststore.ErrStaleTransition)

	got, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)
	assert.Equal(t, offramp.StatusTokenReceived, got.Status)
	assert.Equal(t, int64(5_000), got.TokenAmountDetected.Int64())
	assert.Equal(t, "0xdeposit", got.TxHashDeposit)

	// Moving backwards outside an admin reset is rejected.
	_, err = store.Transition(ctx, offramp.Next(got, offramp.StatusPending, offramp.Fields{}))
	assert.ErrorIs(t, err, offramp.ErrInvalidTransition)
}

func TestTransition_ConcurrentClaimHasOneWinner(t *testing.T) {
	ctx, store := setupStore(t)

	r := newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")
	require.NoError(t, store.Create(ctx, r))
	r, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, offramp.Next(r, offramp.StatusTokenReceived, receivedFields(time.Now().UTC())))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestTransition_RecordsBroadcastsAndEvents(t *testing.T) {
	ctx, store := setupStore(t)

	r := newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")
	require.NoError(t, store.Create(ctx, r))
	r, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)
	r, err = store.Transition(ctx, offramp.Next(r, offramp.StatusTokenReceived, receivedFields(time.Now().UTC())))
	require.NoError(t, err)

	via := ""
	claim := offramp.Next(r, offramp.StatusTokenReceived, offramp.Fields{SwapVia: &via})
	claim.Broadcasts = []*offramp.Broadcast{
		{Kind: offramp.KindApprove, From: r.DepositAddress, To: "0xtoken", Nonce: 0, TxHash: "0xa1", RawTx: []byte{1}, Status: offramp.BroadcastPending},
		{Kind: offramp.KindSwap, From: r.DepositAddress, To: "0xrouter", Nonce: 1, TxHash: "0xa2", RawTx: []byte{2}, Status: offramp.BroadcastPending},
	}
	r, err = store.Transition(ctx, claim)
	require.NoError(t, err)

	broadcasts, err := store.ListBroadcasts(ctx, r.RequestID)
	require.NoError(t, err)
	require.Len(t, broadcasts, 2)

	swap := offramp.LatestLive(broadcasts, offramp.KindSwap)
	require.NotNil(t, swap)
	assert.Equal(t, []byte{2}, swap.RawTx)

	revert := offramp.Next(r, offramp.StatusTokenReceived, offramp.Fields{IncrementAttempts: true})
	revert.BroadcastUpdates = []offramp.BroadcastUpdate{{ID: swap.ID, Status: offramp.BroadcastReverted}}
	r, err = store.Transition(ctx, revert)
	require.NoError(t, err)
	assert.Equal(t, 1, r.VerificationAttempts)

	broadcasts, err = store.ListBroadcasts(ctx, r.RequestID)
	require.NoError(t, err)
	assert.Nil(t, offramp.LatestLive(broadcasts, offramp.KindSwap))

	events, err := store.ListEvents(ctx, r.RequestID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, offramp.StatusPending, events[0].ToStatus)
	assert.Equal(t, offramp.StatusTokenReceived, events[1].ToStatus)
}

func TestAdminReset(t *testing.T) {
	ctx, store := setupStore(t)

	r := newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")
	r.ScanFromBlock, r.InitialScanBlock = 900, 900
	require.NoError(t, store.Create(ctx, r))
	r, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)
	fields := receivedFields(time.Now().UTC())
	cursor := uint64(991)
	fields.ScanFromBlock = &cursor
	r, err = store.Transition(ctx, offramp.Next(r, offramp.StatusTokenReceived, fields))
	require.NoError(t, err)

	_, err = store.AdminReset(ctx, offramp.AdminReset{RequestID: r.RequestID, To: offramp.StatusPending})
	assert.ErrorIs(t, err, requeststore.ErrActorRequired)

	reset, err := store.AdminReset(ctx, offramp.AdminReset{
		RequestID: r.RequestID,
		To:        offramp.StatusPending,
		Actor:     "ops@example.com",
		Reason:    "wrong token",
	})
	require.NoError(t, err)
	assert.Equal(t, offramp.StatusPending, reset.Status)
	assert.Nil(t, reset.TokenAmountDetected)
	assert.Empty(t, reset.TxHashDeposit)

	stored, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), stored.ScanFromBlock)
	assert.Equal(t, uint64(900), stored.InitialScanBlock)

	events, err := store.ListEvents(ctx, r.RequestID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "ops@example.com", last.Actor)
	assert.Equal(t, offramp.StatusTokenReceived, last.FromStatus)
	assert.Equal(t, offramp.StatusPending, last.ToStatus)
}

func TestDelete(t *testing.T) {
	ctx, store := setupStore(t)

	r := newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")
	require.NoError(t, store.Create(ctx, r))

	assert.ErrorIs(t, store.Delete(ctx, r.RequestID, "", "cleanup"), requeststore.ErrActorRequired)
	require.NoError(t, store.Delete(ctx, r.RequestID, "ops@example.com", "duplicate"))

	_, err := store.GetByRequestID(ctx, r.RequestID)
	assert.ErrorIs(t, err, requeststore.ErrNotFound)

	events, err := store.ListEvents(ctx, r.RequestID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "ops@example.com", events[len(events)-1].Actor)

	// The user may start over once the old request is gone.
	require.NoError(t, store.Create(ctx, newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")))
}

func TestDelete_RefusesInFlight(t *testing.T) {
	ctx, store := setupStore(t)

	r := newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")
	require.NoError(t, store.Create(ctx, r))
	r, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)
	_, err = store.Transition(ctx, offramp.Next(r, offramp.StatusTokenReceived, receivedFields(time.Now().UTC())))
	require.NoError(t, err)

	err = store.Delete(ctx, r.RequestID, "ops@example.com", "")
	assert.ErrorIs(t, err, requeststore.ErrInFlight)
}

func TestListReadyForProcessing(t *testing.T) {
	ctx, store := setupStore(t)

	a := newRequest("a@example.com", "0x00000000000000000000000000000000000000d1")
	b := newRequest("b@example.com", "0x00000000000000000000000000000000000000d2")
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	b, err := store.GetByRequestID(ctx, b.RequestID)
	require.NoError(t, err)
	msg := "operator cancelled"
	_, err = store.Transition(ctx, offramp.Next(b, offramp.StatusFailed, offramp.Fields{ErrorMessage: &msg}))
	require.NoError(t, err)

	ready, err := store.ListReadyForProcessing(ctx, offramp.ActiveStatuses, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, a.RequestID, ready[0].RequestID)
}

func TestNextNonce(t *testing.T) {
	ctx, store := setupStore(t)
	funder := "0x00000000000000000000000000000000000000f1"

	n, err := store.NextNonce(ctx, 1337, funder, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	n, err = store.NextNonce(ctx, 1337, funder, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)

	// The chain moved ahead (e.g. a manual transaction); allocation follows it.
	n, err = store.NextNonce(ctx, 1337, funder, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	n, err = store.NextNonce(ctx, 1, funder, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestClaimNonce_OnlyWinnerAllocates(t *testing.T) {
	ctx, store := setupStore(t)
	funder := "0x00000000000000000000000000000000000000f1"
	slot := offramp.NonceSlot{ChainID: 1337, Address: funder, ChainPending: 3}

	r := newRequest("ada@example.com", "0x00000000000000000000000000000000000000d1")
	require.NoError(t, store.Create(ctx, r))
	r, err := store.GetByRequestID(ctx, r.RequestID)
	require.NoError(t, err)
	r, err = store.Transition(ctx, offramp.Next(r, offramp.StatusTokenReceived, receivedFields(time.Now().UTC())))
	require.NoError(t, err)

	sign := func(calls *int) func(uint64) (*offramp.Broadcast, error) {
		return func(nonce uint64) (*offramp.Broadcast, error) {
			*calls++
			return &offramp.Broadcast{
				Kind: offramp.KindGasFunding, From: funder, To: r.DepositAddress, Nonce: nonce,
				TxHash: "0xf" + uuid.NewString()[:8], RawTx: []byte{byte(nonce)}, Status: offramp.BroadcastPending,
			}, nil
		}
	}

	var winnerCalls, loserCalls int
	claimed, err := store.ClaimNonce(ctx, offramp.Next(r, r.Status, offramp.Fields{}), slot, sign(&winnerCalls))
	require.NoError(t, err)
	assert.Equal(t, r.Version+1, claimed.Version)
	assert.Equal(t, 1, winnerCalls)

	// r is stale now: no nonce is taken and nothing is signed.
	_, err = store.ClaimNonce(ctx, offramp.Next(r, r.Status, offramp.Fields{}), slot, sign(&loserCalls))
	assert.ErrorIs(t, err, requeststore.ErrStaleTransition)
	assert.Zero(t, loserCalls)

	broadcasts, err := store.ListBroadcasts(ctx, r.RequestID)
	require.NoError(t, err)
	require.Len(t, broadcasts, 1)
	assert.Equal(t, uint64(3), broadcasts[0].Nonce)

	n, err := store.NextNonce(ctx, 1337, funder, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n, "the losing claim left no gap")
}
