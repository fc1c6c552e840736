package requeststore

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

// RequestDao is a data access object that maps directly to the 'offramp_requests' table in PostgreSQL.
type RequestDao struct {
	bun.BaseModel        `bun:"table:offramp_requests,alias:r"`
	RequestID            string           `bun:"request_id,pk,type:varchar(64)"`
	UserIdentifier       string           `bun:"user_identifier,notnull,type:varchar(255)"`
	DerivationIndex      int64            `bun:"derivation_index,notnull"`
	DerivationVersion    int              `bun:"derivation_version,notnull,default:1"`
	DepositAddress       string           `bun:"deposit_address,notnull,type:varchar(42)"`
	BankAccountNumber    string           `bun:"bank_account_number,notnull,type:varchar(64)"`
	BankCode             string           `bun:"bank_code,notnull,type:varchar(32)"`
	AccountName          string           `bun:"account_name,notnull,type:varchar(255)"`
	FiatAmountRequested  decimal.Decimal  `bun:"fiat_amount_requested,notnull,type:numeric(38,2)"`
	FiatCurrency         string           `bun:"fiat_currency,notnull,type:varchar(3)"`
	TokenAddress         *string          `bun:"token_address,type:varchar(42)"`
	TokenAmountDetected  *string          `bun:"token_amount_detected,type:numeric(78,0)"`
	StableAmountReceived *string          `bun:"stable_amount_received,type:numeric(78,0)"`
	ExchangeRateUsed     *decimal.Decimal `bun:"exchange_rate_used,type:numeric(38,18)"`
	FiatAmountPayout     *decimal.Decimal `bun:"fiat_amount_payout,type:numeric(38,2)"`
	ScanFromBlock        int64            `bun:"scan_from_block,notnull,default:0"`
	InitialScanBlock     int64            `bun:"initial_scan_block,notnull,default:0"`
	SwapVia              *string          `bun:"swap_via,type:varchar(42)"`
	Status               string           `bun:"status,notnull,type:varchar(32)"`
	ErrorMessage         *string          `bun:"error_message,type:text"`
	VerificationAttempts int              `bun:"verification_attempts,notnull,default:0"`
	Version              int64            `bun:"version,notnull,default:0"`
	TxHashDeposit        *string          `bun:"tx_hash_deposit,type:varchar(66)"`
	TxHashGasFunding     *string          `bun:"tx_hash_gas_funding,type:varchar(66)"`
	TxHashSwap           *string          `bun:"tx_hash_swap,type:varchar(66)"`
	TxHashSweep          *string          `bun:"tx_hash_sweep,type:varchar(66)"`
	PayoutReference      *string          `bun:"payout_reference,type:varchar(255)"`
	CreatedAt            time.Time        `bun:"created_at,notnull,default:current_timestamp"`
	TokenReceivedAt      *time.Time       `bun:"token_received_at"`
	SwappedAt            *time.Time       `bun:"swapped_at"`
	SweptAt              *time.Time       `bun:"swept_at"`
	PayoutInitiatedAt    *time.Time       `bun:"payout_initiated_at"`
	PaidAt               *time.Time       `bun:"paid_at"`
	UpdatedAt            time.Time        `bun:"updated_at,notnull,default:current_timestamp"`
}

// BroadcastDao is a data access object that maps directly to the 'broadcasts' table in PostgreSQL.
type BroadcastDao struct {
	bun.BaseModel `bun:"table:broadcasts,alias:b"`
	ID            string    `bun:"id,pk,type:varchar(64)"`
	RequestID     string    `bun:"request_id,notnull,type:varchar(64)"`
	Kind          string    `bun:"kind,notnull,type:varchar(32)"`
	FromAddress   string    `bun:"from_address,notnull,type:varchar(42)"`
	ToAddress     string    `bun:"to_address,notnull,type:varchar(42)"`
	Nonce         int64     `bun:"nonce,notnull"`
	TxHash        string    `bun:"tx_hash,notnull,type:varchar(66)"`
	RawTx         []byte    `bun:"raw_tx,notnull,type:bytea"`
	Status        string    `bun:"status,notnull,type:varchar(16)"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// EventDao is a data access object that maps directly to the 'request_events' table in PostgreSQL.
type EventDao struct {
	bun.BaseModel `bun:"table:request_events,alias:e"`
	ID            string    `bun:"id,pk,type:varchar(64)"`
	RequestID     string    `bun:"request_id,notnull,type:varchar(64)"`
	FromStatus    string    `bun:"from_status,notnull,type:varchar(32)"`
	ToStatus      string    `bun:"to_status,notnull,type:varchar(32)"`
	Actor         string    `bun:"actor,notnull,type:varchar(255)"`
	Reason        *string   `bun:"reason,type:text"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// NonceStateDao is a data access object that maps directly to the 'nonce_state' table in PostgreSQL.
type NonceStateDao struct {
	bun.BaseModel `bun:"table:nonce_state,alias:n"`
	ChainID       int64     `bun:"chain_id,pk"`
	Address       string    `bun:"address,pk,type:varchar(42)"`
	Nonce         int64     `bun:"nonce,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toRequestDao(r *offramp.Request) *RequestDao {
	dao := &RequestDao{
		RequestID:            r.RequestID,
		UserIdentifier:       r.UserIdentifier,
		DerivationIndex:      int64(r.DerivationIndex),
		DerivationVersion:    r.DerivationVersion,
		DepositAddress:       r.DepositAddress,
		BankAccountNumber:    r.BankAccountNumber,
		BankCode:             r.BankCode,
		AccountName:          r.AccountName,
		FiatAmountRequested:  r.FiatAmountRequested,
		FiatCurrency:         r.FiatCurrency,
		TokenAddress:         optString(r.TokenAddress),
		TokenAmountDetected:  optBigInt(r.TokenAmountDetected),
		StableAmountReceived: optBigInt(r.StableAmountReceived),
		ExchangeRateUsed:     r.ExchangeRateUsed,
		FiatAmountPayout:     r.FiatAmountPayout,
		ScanFromBlock:        int64(r.ScanFromBlock),
		InitialScanBlock:     int64(r.InitialScanBlock),
		SwapVia:              optString(r.SwapVia),
		Status:               string(r.Status),
		ErrorMessage:         optString(r.ErrorMessage),
		VerificationAttempts: r.VerificationAttempts,
		Version:              r.Version,
		TxHashDeposit:        optString(r.TxHashDeposit),
		TxHashGasFunding:     optString(r.TxHashGasFunding),
		TxHashSwap:           optString(r.TxHashSwap),
		TxHashSweep:          optString(r.TxHashSweep),
		PayoutReference:      optString(r.PayoutReference),
		CreatedAt:            r.CreatedAt,
		TokenReceivedAt:      r.TokenReceivedAt,
		SwappedAt:            r.SwappedAt,
		SweptAt:              r.SweptAt,
		PayoutInitiatedAt:    r.PayoutInitiatedAt,
		PaidAt:               r.PaidAt,
		UpdatedAt:            r.UpdatedAt,
	}
	return dao
}

func toRequest(dao *RequestDao) (*offramp.Request, error) {
	detected, err := parseBigInt(dao.TokenAmountDetected)
	if err != nil {
		return nil, err
	}
	stable, err := parseBigInt(dao.StableAmountReceived)
	if err != nil {
		return nil, err
	}

	return &offramp.Request{
		RequestID:            dao.RequestID,
		UserIdentifier:       dao.UserIdentifier,
		DerivationIndex:      uint32(dao.DerivationIndex),
		DerivationVersion:    dao.DerivationVersion,
		DepositAddress:       dao.DepositAddress,
		BankAccountNumber:    dao.BankAccountNumber,
		BankCode:             dao.BankCode,
		AccountName:          dao.AccountName,
		FiatAmountRequested:  dao.FiatAmountRequested,
		FiatCurrency:         dao.FiatCurrency,
		TokenAddress:         strValue(dao.TokenAddress),
		TokenAmountDetected:  detected,
		StableAmountReceived: stable,
		ExchangeRateUsed:     dao.ExchangeRateUsed,
		FiatAmountPayout:     dao.FiatAmountPayout,
		ScanFromBlock:        uint64(dao.ScanFromBlock),
		InitialScanBlock:     uint64(dao.InitialScanBlock),
		SwapVia:              strValue(dao.SwapVia),
		Status:               offramp.Status(dao.Status),
		ErrorMessage:         strValue(dao.ErrorMessage),
		VerificationAttempts: dao.VerificationAttempts,
		Version:              dao.Version,
		TxHashDeposit:        strValue(dao.TxHashDeposit),
		TxHashGasFunding:     strValue(dao.TxHashGasFunding),
		TxHashSwap:           strValue(dao.TxHashSwap),
		TxHashSweep:          strValue(dao.TxHashSweep),
		PayoutReference:      strValue(dao.PayoutReference),
		CreatedAt:            dao.CreatedAt,
		TokenReceivedAt:      dao.TokenReceivedAt,
		SwappedAt:            dao.SwappedAt,
		SweptAt:              dao.SweptAt,
		PayoutInitiatedAt:    dao.PayoutInitiatedAt,
		PaidAt:               dao.PaidAt,
		UpdatedAt:            dao.UpdatedAt,
	}, nil
}

func toBroadcastDao(b *offramp.Broadcast) *BroadcastDao {
	return &BroadcastDao{
		ID:          b.ID,
		RequestID:   b.RequestID,
		Kind:        string(b.Kind),
		FromAddress: b.From,
		ToAddress:   b.To,
		Nonce:       int64(b.Nonce),
		TxHash:      b.TxHash,
		RawTx:       b.RawTx,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func toBroadcast(dao *BroadcastDao) *offramp.Broadcast {
	return &offramp.Broadcast{
		ID:        dao.ID,
		RequestID: dao.RequestID,
		Kind:      offramp.BroadcastKind(dao.Kind),
		From:      dao.FromAddress,
		To:        dao.ToAddress,
		Nonce:     uint64(dao.Nonce),
		TxHash:    dao.TxHash,
		RawTx:     dao.RawTx,
		Status:    offramp.BroadcastStatus(dao.Status),
		CreatedAt: dao.CreatedAt,
		UpdatedAt: dao.UpdatedAt,
	}
}

func toEvent(dao *EventDao) *offramp.Event {
	return &offramp.Event{
		ID:         dao.ID,
		RequestID:  dao.RequestID,
		FromStatus: offramp.Status(dao.FromStatus),
		ToStatus:   offramp.Status(dao.ToStatus),
		Actor:      dao.Actor,
		Reason:     strValue(dao.Reason),
		CreatedAt:  dao.CreatedAt,
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optBigInt(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseBigInt(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, errInvalidAmount(*s)
	}
	return v, nil
}
