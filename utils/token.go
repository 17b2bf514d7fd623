package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// UnsubscribeToken derives the public unsubscribe token for an email
// address. The token is keyed on the lowercase address so links survive
// case differences between import sources.
func UnsubscribeToken(secret, email string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyUnsubscribeToken checks a presented token in constant time. A valid
// (email, token) pair is the sole authorization for the public unsubscribe
// link; no session is involved.
func VerifyUnsubscribeToken(secret, email, token string) bool {
	expected := UnsubscribeToken(secret, email)
	return hmac.Equal([]byte(expected), []byte(token))
}

// SecureCompare reports whether two strings are equal in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
