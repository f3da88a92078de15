package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// RefreshHasher produces salted SHA-256 digests of refresh token strings so the
// session store never holds raw tokens, only their digests.
type RefreshHasher struct {
	salt []byte
}

// NewRefreshHasher returns a hasher using the given server-held salt.
func NewRefreshHasher(salt []byte) *RefreshHasher {
	return &RefreshHasher{salt: salt}
}

// Hash returns the salted SHA-256 hash of the refresh token string, hex-encoded.
func (h *RefreshHasher) Hash(token string) string {
	d := sha256.New()
	d.Write([]byte(token))
	d.Write(h.salt)
	return hex.EncodeToString(d.Sum(nil))
}

// Equal performs constant-time comparison of the provided token's digest
// with the stored digest. Returns true only if they match.
func (h *RefreshHasher) Equal(providedToken, storedHash string) bool {
	providedHash := h.Hash(providedToken)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
