package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hedging-core/pkg/logger"
)

// Inbound requests must be signed within this window.
const signatureWindow = 5 * time.Minute

// SignRequest computes the inbound request signature over
// "{timestamp}.{raw body}" with the shared bot secret. Exported so tests
// and client tooling produce identical signatures.
func SignRequest(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacAuth verifies X-Timestamp / X-Signature on platform requests.
// allowInsecure bypasses verification for local development.
func hmacAuth(secret string, allowInsecure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowInsecure {
			c.Next()
			return
		}
		ts := c.GetHeader("X-Timestamp")
		sig := c.GetHeader("X-Signature")
		if ts == "" || sig == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing signature headers"})
			return
		}

		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid timestamp"})
			return
		}
		if skew := time.Since(time.Unix(unix, 0)); skew > signatureWindow || skew < -signatureWindow {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "timestamp outside window"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		expected := SignRequest(secret, ts, body)
		if !hmac.Equal([]byte(expected), []byte(sig)) {
			logger.S().Warnw("rejected request with bad signature",
				"path", c.Request.URL.Path, "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
			return
		}
		c.Next()
	}
}

// adminAuth gates operator endpoints behind the shared admin key.
func adminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if adminKey == "" || !hmac.Equal([]byte(key), []byte(adminKey)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin key required"})
			return
		}
		c.Next()
	}
}
