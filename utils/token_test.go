package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnsubscribeTokenRoundTrip(t *testing.T) {
	const secret = "test-secret"

	token := UnsubscribeToken(secret, "jane@example.com")
	assert.NotEmpty(t, token)
	assert.True(t, VerifyUnsubscribeToken(secret, "jane@example.com", token))
}

func TestUnsubscribeTokenCaseInsensitiveEmail(t *testing.T) {
	const secret = "test-secret"

	token := UnsubscribeToken(secret, "Jane@Example.COM")
	assert.True(t, VerifyUnsubscribeToken(secret, "jane@example.com", token))
	assert.True(t, VerifyUnsubscribeToken(secret, "  jane@example.com  ", token))
}

func TestUnsubscribeTokenRejectsTampering(t *testing.T) {
	const secret = "test-secret"

	token := UnsubscribeToken(secret, "jane@example.com")

	// Wrong address
	assert.False(t, VerifyUnsubscribeToken(secret, "john@example.com", token))
	// Wrong secret
	assert.False(t, VerifyUnsubscribeToken("other-secret", "jane@example.com", token))
	// Mangled token
	assert.False(t, VerifyUnsubscribeToken(secret, "jane@example.com", token[:len(token)-1]))
	assert.False(t, VerifyUnsubscribeToken(secret, "jane@example.com", ""))
}

func TestUnsubscribeTokenDistinctPerEmail(t *testing.T) {
	const secret = "test-secret"

	a := UnsubscribeToken(secret, "a@example.com")
	b := UnsubscribeToken(secret, "b@example.com")
	assert.NotEqual(t, a, b)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("hook-secret", "hook-secret"))
	assert.False(t, SecureCompare("hook-secret", "other-secret"))
	assert.False(t, SecureCompare("hook-secret", ""))
	assert.False(t, SecureCompare("hook-secret", "hook-secret "))
	assert.True(t, SecureCompare("", ""))
}

func TestTrackingTokenRoundTrip(t *testing.T) {
	const secret = "test-secret"

	token := TrackingToken(secret, 42)
	assert.Len(t, token, 20)
	assert.True(t, VerifyTrackingToken(secret, 42, token))

	// A token for one row must not open another
	assert.False(t, VerifyTrackingToken(secret, 43, token))
	assert.False(t, VerifyTrackingToken("other-secret", 42, token))
	assert.False(t, VerifyTrackingToken(secret, 42, "forged-token-value-x"))
}

func TestOpenPixelURL(t *testing.T) {
	const secret = "test-secret"

	url := OpenPixelURL("https://app.example.com", secret, 7)
	assert.Contains(t, url, "https://app.example.com/track/open/7/")
	assert.Contains(t, url, TrackingToken(secret, 7))
}

func TestInjectOpenPixel(t *testing.T) {
	const secret = "test-secret"

	body := "<p>Hello</p>"
	out := InjectOpenPixel(body, "https://app.example.com", secret, 7)
	assert.Contains(t, out, body)
	assert.Contains(t, out, `<img src="`+OpenPixelURL("https://app.example.com", secret, 7)+`"`)
}
