// Package webhook implements recipient routing and authenticated delivery
// of received mail to per-recipient HTTP endpoints.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// tokenAlphabet is the character set random tokens are drawn from.
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// tokenLength is the length in characters of a freshly generated token.
const tokenLength = 32

// Auth is the authentication tuple attached to every webhook request.
type Auth struct {
	Timestamp string
	Token     string
	Signature string
}

// NewAuth generates a fresh timestamp and token, then signs them with apiKey.
// Every call produces a distinct tuple: the dispatcher is non-idempotent by
// design, and a webhook consumer wanting replay protection must track
// timestamp/token pairs it has already seen.
func NewAuth(apiKey string) (Auth, error) {
	token, err := randomToken()
	if err != nil {
		return Auth{}, fmt.Errorf("webhook: failed to generate token - %v", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	return Auth{
		Timestamp: timestamp,
		Token:     token,
		Signature: Sign(apiKey, timestamp, token),
	}, nil
}

// Sign computes the lowercase hexadecimal HMAC-SHA256 of the byte
// concatenation timestamp||token, keyed by apiKey.
func Sign(apiKey, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// randomToken draws a 32-character alphanumeric string from a
// cryptographically unbiased source.
func randomToken() (string, error) {
	raw := make([]byte, tokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, tokenLength)
	for i, b := range raw {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
