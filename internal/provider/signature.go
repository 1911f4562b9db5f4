package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
)

// Signature computes the webhook signature the carrier attaches to status
// callbacks: base64(HMAC-SHA1(secret, url + k1v1k2v2...)) with the form keys
// sorted ascending and each key immediately followed by its value.
func Signature(secret, requestURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(requestURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params.Get(k)))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature in constant time.
func VerifySignature(secret, requestURL string, params url.Values, signature string) bool {
	expected := Signature(secret, requestURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
