package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// verifyHMAC reports whether signature is the hex HMAC of payload under
// secret. An empty secret never verifies.
func verifyHMAC(newHash func() hash.Hash, secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

func verifySHA512(secret string, payload []byte, signature string) bool {
	return verifyHMAC(sha512.New, secret, payload, signature)
}

func verifySHA256(secret string, payload []byte, signature string) bool {
	return verifyHMAC(sha256.New, secret, payload, signature)
}

