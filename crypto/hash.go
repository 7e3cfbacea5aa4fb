package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// Hash returns the BLAKE2b-256 hash of data as a lowercase hex string.
func Hash(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashBytes returns the raw BLAKE2b-256 bytes of data.
func HashBytes(data []byte) []byte {
	h := blake2b.Sum256(data)
	return h[:]
}

// HashObject hashes the canonical JSON serialization of v. Canonical means
// the struct's declared field order with no extra whitespace; every value
// that is hashed or signed on the wire must go through this single helper.
// Returns an empty string if marshalling fails (which cannot happen for the
// record types used on chain).
func HashObject(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return Hash(data)
}

// CanonicalJSON returns the canonical serialization of v, the exact bytes
// covered by signatures.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// CreateNonce returns a short random hex string used to make otherwise
// identical transactions distinct.
func CreateNonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
