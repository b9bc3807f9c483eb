package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/metrics"
)

// Auth headers.
const (
	headerAPIKey        = "x-api-key"
	headerTimestamp     = "x-timestamp"
	headerHMACSignature = "x-hmac-signature"
)

// authMiddleware validates the api-key and HMAC headers on every request
// before dispatch. Both schemes may be active at once; both must pass. The
// liveness method bypasses auth so load balancers can probe without
// credentials. Rejections are uniform: the response never reveals whether
// a credential was missing or merely wrong.
func authMiddleware(cfg *config.AuthConfig, m *metrics.Metrics, logger *slog.Logger, now func() time.Time, next http.Handler) http.Handler {
	if cfg.APIKey == "" && cfg.HMACSecret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeRPCError(w, nil, apierr.New(apierr.KindInvalidRequest, "failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if isLivenessRequest(body) {
			next.ServeHTTP(w, r)
			return
		}

		if cfg.APIKey != "" {
			provided := r.Header.Get(headerAPIKey)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.APIKey)) != 1 {
				m.RecordAuthFailure("api_key")
				logger.Debug("request rejected by api key auth")
				writeRPCError(w, nil, apierr.New(apierr.KindAuthRejected, "unauthorized"))
				return
			}
		}

		if cfg.HMACSecret != "" {
			if !validHMAC(cfg, r, body, now()) {
				m.RecordAuthFailure("hmac")
				logger.Debug("request rejected by hmac auth")
				writeRPCError(w, nil, apierr.New(apierr.KindAuthRejected, "unauthorized"))
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// validHMAC checks HMAC-SHA256(secret, timestamp ++ raw_body) against the
// lowercase-hex signature header, with the timestamp bounded to the skew
// window.
func validHMAC(cfg *config.AuthConfig, r *http.Request, body []byte, now time.Time) bool {
	signature := r.Header.Get(headerHMACSignature)
	timestamp := r.Header.Get(headerTimestamp)
	if signature == "" || timestamp == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.MaxTimestampAge {
		return false
	}

	mac := hmac.New(sha256.New, []byte(cfg.HMACSecret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// isLivenessRequest peeks at the JSON-RPC method without full dispatch.
func isLivenessRequest(body []byte) bool {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Method == "liveness"
}
