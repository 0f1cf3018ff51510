// Package fingerprint derives opaque tenant identifiers from caller API keys.
//
// A fingerprint is the only identity that ever leaves the request scope: it is
// what gets persisted as a session owner, what scopes memory records, and what
// appears in log fields. The plaintext key never does.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
)

// Size is the fingerprint length in bytes.
const Size = sha256.Size

// Fingerprint is a deterministic one-way transform of an API key.
// The zero value is reserved for the public/anonymous owner.
type Fingerprint [Size]byte

// maxCacheEntries bounds the per-process memoisation map. Typical deployments
// see a handful of distinct keys; the bound only guards against key-churn abuse.
const maxCacheEntries = 4096

var cache = struct {
	sync.RWMutex
	m map[string]Fingerprint
}{m: make(map[string]Fingerprint)}

// Sum returns the fingerprint of key. Results are memoised per process so
// repeated checks within and across requests skip the hash.
func Sum(key []byte) Fingerprint {
	k := string(key)

	cache.RLock()
	fp, ok := cache.m[k]
	cache.RUnlock()
	if ok {
		return fp
	}

	fp = sha256.Sum256(key)

	cache.Lock()
	if len(cache.m) >= maxCacheEntries {
		cache.m = make(map[string]Fingerprint)
	}
	cache.m[k] = fp
	cache.Unlock()

	return fp
}

// SumString is Sum for string keys.
func SumString(key string) Fingerprint {
	return Sum([]byte(key))
}

// Equal compares two fingerprints in constant time.
func Equal(a, b Fingerprint) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// IsZero reports whether fp is the reserved public/anonymous value.
func (fp Fingerprint) IsZero() bool {
	return Equal(fp, Fingerprint{})
}

// Hex returns the lowercase hex encoding used in log fields and storage.
func (fp Fingerprint) Hex() string {
	return hex.EncodeToString(fp[:])
}

// String implements fmt.Stringer with the hex form.
func (fp Fingerprint) String() string {
	return fp.Hex()
}

// MarshalJSON encodes the fingerprint as a hex string; the public value
// encodes as the empty string.
func (fp Fingerprint) MarshalJSON() ([]byte, error) {
	if fp.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + fp.Hex() + `"`), nil
}

// UnmarshalJSON decodes a hex string; empty means public.
func (fp *Fingerprint) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("fingerprint: expected JSON string")
	}
	s = s[1 : len(s)-1]
	if s == "" {
		*fp = Fingerprint{}
		return nil
	}
	parsed, err := ParseHex(s)
	if err != nil {
		return err
	}
	*fp = parsed
	return nil
}

// ParseHex decodes a fingerprint from its hex form.
func ParseHex(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("fingerprint: invalid hex: %w", err)
	}
	if len(b) != Size {
		return fp, fmt.Errorf("fingerprint: expected %d bytes, got %d", Size, len(b))
	}
	copy(fp[:], b)
	return fp, nil
}
