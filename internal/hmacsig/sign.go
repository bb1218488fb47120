package hmacsig

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Header names carried on every signed inter-agent request.
const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// canonicalString is the exact byte sequence both sides MAC:
// method, path, unix timestamp, nonce, and hex SHA-256 of the body,
// newline-separated. The body hash binds the payload without requiring it
// in memory twice.
func canonicalString(method, path string, ts int64, nonce string, body []byte) string {
	bodySum := sha256.Sum256(body)
	return fmt.Sprintf("%s\n%s\n%d\n%s\n%s",
		method, path, ts, nonce, hex.EncodeToString(bodySum[:]))
}

// Sign computes the hex HMAC-SHA256 signature for a request.
func Sign(key []byte, method, path string, ts time.Time, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalString(method, path, ts.Unix(), nonce, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewNonce returns a fresh 128-bit hex nonce.
func NewNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// SignRequest stamps the four auth headers onto req. The body must be the
// exact bytes the request will carry.
func SignRequest(req *http.Request, agent string, key []byte, body []byte) {
	now := time.Now().UTC()
	nonce := NewNonce()
	req.Header.Set(HeaderAgentID, agent)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign(key, req.Method, req.URL.Path, now, nonce, body))
}
