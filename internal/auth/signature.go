package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Header names carried by every signed ingress request.
const (
	HeaderClientID  = "x-client-id"
	HeaderTimestamp = "x-timestamp"
	HeaderSignature = "x-signature"

	// HeaderWebhookSignature attests outbound webhook bodies.
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// emptyBody is what an absent JSON body canonicalises to.
var emptyBody = []byte("{}")

// SignedRequest is the authentication-relevant view of an inbound call.
type SignedRequest struct {
	ClientID  string
	Timestamp string
	Signature string
	Method    string
	Path      string
	Body      []byte
}

// FromHTTP extracts a SignedRequest from r. body must be the bytes already read from
// r.Body. The query string is not part of the signed material.
func FromHTTP(r *http.Request, body []byte) SignedRequest {
	return SignedRequest{
		ClientID:  strings.TrimSpace(r.Header.Get(HeaderClientID)),
		Timestamp: strings.TrimSpace(r.Header.Get(HeaderTimestamp)),
		Signature: strings.TrimSpace(r.Header.Get(HeaderSignature)),
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      body,
	}
}

// CanonicalBody returns the body bytes that are signed.
func CanonicalBody(body []byte) []byte {
	if len(body) == 0 {
		return emptyBody
	}
	return body
}

// StringToSign assembles timestamp + METHOD + path + body.
func StringToSign(timestamp, method, path string, body []byte) []byte {
	body = CanonicalBody(body)
	method = strings.ToUpper(method)
	out := make([]byte, 0, len(timestamp)+len(method)+len(path)+len(body))
	out = append(out, timestamp...)
	out = append(out, method...)
	out = append(out, path...)
	out = append(out, body...)
	return out
}

// MAC returns the hex encoded HMAC-SHA256 of message under secret.
func MAC(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign computes the request signature clients place in x-signature.
func Sign(secret, timestamp, method, path string, body []byte) string {
	return MAC(secret, StringToSign(timestamp, method, path, body))
}

// VerifyMAC compares a hex signature against message in constant time.
func VerifyMAC(secret string, message []byte, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hmac.Equal(provided, mac.Sum(nil))
}
