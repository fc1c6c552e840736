// Package custody derives the per-request deposit keys from the process-wide master secret.
// Keys are secp256k1 so that deposit addresses are ordinary EVM accounts.
package custody

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const (
	// minSecretSize is the minimum master secret length in bytes.
	minSecretSize = 32

	// maxScalarTries bounds the search for a valid secp256k1 scalar. A 32-byte HKDF output
	// is out of range with probability ~2^-128, so more than one try is practically never used.
	maxScalarTries = 8
)

var (
	ErrMissingSecret   = errors.New("master secret is not configured")
	ErrMalformedSecret = errors.New("master secret is malformed")
	ErrAddressMismatch = errors.New("deposit address does not match re-derivation")
)

// MasterSecret is the immutable root secret deposit keys are derived from.
// It never renders its content through fmt, logging or JSON.
type MasterSecret struct {
	b []byte
}

// ParseMasterSecret decodes a hex encoded master secret (with or without 0x prefix).
func ParseMasterSecret(s string) (MasterSecret, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MasterSecret{}, ErrMissingSecret
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return MasterSecret{}, fmt.Errorf("%w: not hex encoded", ErrMalformedSecret)
	}
	if len(raw) < minSecretSize {
		return MasterSecret{}, fmt.Errorf("%w: must be at least %d bytes", ErrMalformedSecret, minSecretSize)
	}
	return MasterSecret{b: raw}, nil
}

// IsZero reports whether the secret was never initialised.
func (m MasterSecret) IsZero() bool { return len(m.b) == 0 }

// String redacts the secret.
func (m MasterSecret) String() string { return "[REDACTED]" }

// GoString redacts the secret.
func (m MasterSecret) GoString() string { return "custody.MasterSecret{[REDACTED]}" }

// MarshalJSON redacts the secret.
func (m MasterSecret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

// MarshalText redacts the secret.
func (m MasterSecret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// DepositKey is a derived deposit account.
type DepositKey struct {
	Index      uint32
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// Deriver deterministically maps derivation indexes to deposit keys.
type Deriver struct {
	secret MasterSecret
}

// NewDeriver creates a deriver bound to secret. A zero secret is a configuration error.
func NewDeriver(secret MasterSecret) (*Deriver, error) {
	if secret.IsZero() {
		return nil, ErrMissingSecret
	}
	return &Deriver{secret: secret}, nil
}

// Derive returns the deposit key for index. It is pure: the same secret and index always
// produce the same key.
func (d *Deriver) Derive(index uint32) (*DepositKey, error) {
	if index >= IndexRange {
		return nil, fmt.Errorf("derivation index %d out of range", index)
	}

	info := []byte(derivationInfo + strconv.FormatUint(uint64(index), 10))
	r := hkdf.New(sha256.New, d.secret.b, nil, info)

	buf := make([]byte, 32)
	for range maxScalarTries {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to derive key material: %w", err)
		}
		key, err := crypto.ToECDSA(buf)
		if err != nil {
			continue
		}
		return &DepositKey{
			Index:      index,
			Address:    crypto.PubkeyToAddress(key.PublicKey),
			PrivateKey: key,
		}, nil
	}
	return nil, fmt.Errorf("no valid secp256k1 scalar for index %d", index)
}

// Address returns only the deposit address for index.
func (d *Deriver) Address(index uint32) (common.Address, error) {
	k, err := d.Derive(index)
	if err != nil {
		return common.Address{}, err
	}
	return k.Address, nil
}

// Verify checks that address is the re-derivation of index.
func (d *Deriver) Verify(index uint32, address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q is not a hex address", ErrAddressMismatch, address)
	}
	derived, err := d.Address(index)
	if err != nil {
		return err
	}
	if derived != common.HexToAddress(address) {
		return fmt.Errorf("%w: stored %s, derived %s", ErrAddressMismatch, address, derived.Hex())
	}
	return nil
}
