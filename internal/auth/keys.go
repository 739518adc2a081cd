package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GenerateRawKey mints a new raw API key: prefix + 32 URL-safe-base64 bytes
// of cryptographic randomness, plus the 16-hex key id used to address the
// record without ever persisting the raw key itself.
func GenerateRawKey(prefix string) (rawKey, keyID string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate key entropy: %w", err)
	}
	rawKey = prefix + base64.RawURLEncoding.EncodeToString(buf)

	idBuf := make([]byte, 8)
	if _, err := rand.Read(idBuf); err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}
	keyID = hex.EncodeToString(idBuf)
	return rawKey, keyID, nil
}

// HashKey computes HMAC-SHA256(secret, rawKey), the only form of the raw
// key ever written to the store.
func HashKey(secret, rawKey string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}
