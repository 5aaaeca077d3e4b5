package hash

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Bytes returns the hex encoded BLAKE2b-256 digest of data.
func Bytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func String(s string) string {
	return Bytes([]byte(s))
}

// JSON digests the canonical JSON encoding of v. Struct fields encode in
// declaration order and map keys sorted, so equal values give equal digests.
func JSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for digest: %w", err)
	}
	return Bytes(data), nil
}

// Equal reports whether a and b have the same JSON digest. Values that fail
// to encode are never equal.
func Equal(a, b any) bool {
	da, err := JSON(a)
	if err != nil {
		return false
	}
	db, err := JSON(b)
	if err != nil {
		return false
	}
	return da == db
}
