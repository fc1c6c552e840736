package custody

import (
	"fmt"
	"strings"
)

// IndexRange is the exclusive upper bound of derivation indexes (2^31).
const IndexRange = 1 << 31

// DerivationVersion identifies the frozen index hash and HKDF info string used for a request.
// Existing deposit addresses can only be re-derived with the version they were created with,
// so a new hash must be added as a new version next to this one, never in place of it.
const DerivationVersion = 1

const derivationInfo = "offramp-deposit/v1/"

// DerivationIndex computes the version 1 index for a user identifier: the sum of the Unicode
// code points of the trimmed, lower-cased identifier, reduced into [0, 2^31).
func DerivationIndex(userIdentifier string) uint32 {
	var sum uint64
	for _, r := range normalizeIdentifier(userIdentifier) {
		sum = (sum + uint64(r)) % IndexRange
	}
	return uint32(sum)
}

// IndexFor returns the derivation index for userIdentifier under the given version.
func IndexFor(version int, userIdentifier string) (uint32, error) {
	switch version {
	case 1:
		return DerivationIndex(userIdentifier), nil
	default:
		return 0, fmt.Errorf("unsupported derivation version %d", version)
	}
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
