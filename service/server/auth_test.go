package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xavierScript/kora-go/service/config"
)

func authHarness(cfg *config.AuthConfig, now time.Time) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return authMiddleware(cfg, nil, testLogger(), func() time.Time { return now }, next)
}

func postBody(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

const livenessBody = `{"jsonrpc":"2.0","id":1,"method":"liveness"}`
const signBody = `{"jsonrpc":"2.0","id":1,"method":"signTransaction","params":{}}`

func TestAuthDisabledPassesThrough(t *testing.T) {
	handler := authHarness(&config.AuthConfig{}, time.Now())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postBody(signBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := &config.AuthConfig{APIKey: "secret-key", MaxTimestampAge: 300}
	handler := authHarness(cfg, time.Now())

	// Missing header rejects.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postBody(signBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong key rejects with an identical response.
	rec2 := httptest.NewRecorder()
	req := postBody(signBody)
	req.Header.Set(headerAPIKey, "wrong")
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
	assert.Equal(t, rec.Body.String(), rec2.Body.String(),
		"missing and bad credentials must be indistinguishable")

	// Correct key passes.
	rec3 := httptest.NewRecorder()
	req = postBody(signBody)
	req.Header.Set(headerAPIKey, "secret-key")
	handler.ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusOK, rec3.Code)
}

func TestLivenessBypassesAuth(t *testing.T) {
	cfg := &config.AuthConfig{APIKey: "secret-key", MaxTimestampAge: 300}
	handler := authHarness(cfg, time.Now())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postBody(livenessBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func signRequest(secret, body string, ts int64) (string, string) {
	timestamp := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(body))
	return timestamp, hex.EncodeToString(mac.Sum(nil))
}

func TestHMACAuth(t *testing.T) {
	const secret = "hmac-secret"
	now := time.Unix(1_700_000_000, 0)
	cfg := &config.AuthConfig{HMACSecret: secret, MaxTimestampAge: 300}
	handler := authHarness(cfg, now)

	send := func(body, timestamp, signature string) int {
		rec := httptest.NewRecorder()
		req := postBody(body)
		if timestamp != "" {
			req.Header.Set(headerTimestamp, timestamp)
		}
		if signature != "" {
			req.Header.Set(headerHMACSignature, signature)
		}
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	timestamp, signature := signRequest(secret, signBody, now.Unix())

	// Correct secret and timestamp pass.
	assert.Equal(t, http.StatusOK, send(signBody, timestamp, signature))

	// Missing headers reject.
	assert.Equal(t, http.StatusUnauthorized, send(signBody, "", ""))

	// A single-byte mutation in the body rejects.
	mutated := signBody[:len(signBody)-1] + " "
	assert.Equal(t, http.StatusUnauthorized, send(mutated, timestamp, signature))

	// A mutated timestamp rejects.
	badTS, _ := signRequest(secret, signBody, now.Unix()+1)
	assert.Equal(t, http.StatusUnauthorized, send(signBody, badTS, signature))

	// A mutated signature rejects.
	flipped := []byte(signature)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	assert.Equal(t, http.StatusUnauthorized, send(signBody, timestamp, string(flipped)))
}

func TestHMACTimestampSkewBoundary(t *testing.T) {
	const secret = "hmac-secret"
	now := time.Unix(1_700_000_000, 0)
	cfg := &config.AuthConfig{HMACSecret: secret, MaxTimestampAge: 300}
	handler := authHarness(cfg, now)

	send := func(ts int64) int {
		timestamp, signature := signRequest(secret, signBody, ts)
		rec := httptest.NewRecorder()
		req := postBody(signBody)
		req.Header.Set(headerTimestamp, timestamp)
		req.Header.Set(headerHMACSignature, signature)
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	// Exactly at the skew window passes, one second past rejects.
	assert.Equal(t, http.StatusOK, send(now.Unix()-300))
	assert.Equal(t, http.StatusUnauthorized, send(now.Unix()-301))
	assert.Equal(t, http.StatusOK, send(now.Unix()+300))
	assert.Equal(t, http.StatusUnauthorized, send(now.Unix()+301))
}

func TestBothSchemesMustPass(t *testing.T) {
	const secret = "hmac-secret"
	now := time.Unix(1_700_000_000, 0)
	cfg := &config.AuthConfig{APIKey: "api-key", HMACSecret: secret, MaxTimestampAge: 300}
	handler := authHarness(cfg, now)

	timestamp, signature := signRequest(secret, signBody, now.Unix())

	// HMAC alone is not enough.
	rec := httptest.NewRecorder()
	req := postBody(signBody)
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerHMACSignature, signature)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// API key alone is not enough.
	rec = httptest.NewRecorder()
	req = postBody(signBody)
	req.Header.Set(headerAPIKey, "api-key")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Both together pass.
	rec = httptest.NewRecorder()
	req = postBody(signBody)
	req.Header.Set(headerAPIKey, "api-key")
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerHMACSignature, signature)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
