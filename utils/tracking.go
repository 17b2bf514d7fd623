package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// TrackingToken derives the token guarding a queue row's open-tracking
// pixel URL.
func TrackingToken(secret string, emailID uint) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "open:%d", emailID)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:20]
}

// VerifyTrackingToken checks a presented pixel token in constant time.
func VerifyTrackingToken(secret string, emailID uint, token string) bool {
	expected := TrackingToken(secret, emailID)
	return hmac.Equal([]byte(expected), []byte(token))
}

// OpenPixelURL builds the tracking pixel URL for a queue row
func OpenPixelURL(baseURL, secret string, emailID uint) string {
	return fmt.Sprintf("%s/track/open/%d/%s", baseURL, emailID, TrackingToken(secret, emailID))
}

// InjectOpenPixel appends a 1x1 tracking image to an HTML body
func InjectOpenPixel(htmlBody, baseURL, secret string, emailID uint) string {
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`,
		OpenPixelURL(baseURL, secret, emailID))
	return htmlBody + pixel
}
