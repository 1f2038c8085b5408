// Package auth authenticates API callers by detached ed25519 signatures:
// the caller's account is its public key, so verification needs no key
// registry.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/crosslane/crosslane/internal/intent"
)

// SignedRequest is the JSON payload inside X-Signed-Request (fields sorted).
type SignedRequest struct {
	Action    string          `json:"action"`
	ExpiresAt int64           `json:"expires_at"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
}

const maxFutureWindow = 5 * time.Minute

// AccountKey is the Gin context key holding the authenticated account.
const AccountKey = "account"

// Middleware returns a Gin handler that validates signed API requests.
func Middleware(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountHex := c.GetHeader("X-Account")
		signedReqB64 := c.GetHeader("X-Signed-Request")
		sigHex := c.GetHeader("X-Signature")

		if accountHex == "" || signedReqB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		account, err := intent.HexToAddress(accountHex)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Account"})
			return
		}

		// Decode signed request
		msgBytes, err := base64.StdEncoding.DecodeString(signedReqB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Request encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed request JSON"})
			return
		}

		now := time.Now().Unix()

		// Check expiry
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		// Decode signature
		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}

		digest := HashRequest(msgBytes)
		if !intent.Verify(digest, sig, account[:]) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		// Nonce dedup via Redis SET NX
		nonceKey := "auth:nonce:" + req.Nonce
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(context.Background(), nonceKey, 1, ttl).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(AccountKey, account)
		c.Next()
	}
}

// Account returns the authenticated caller set by Middleware.
func Account(c *gin.Context) (intent.Address, bool) {
	v, ok := c.Get(AccountKey)
	if !ok {
		return intent.Address{}, false
	}
	addr, ok := v.(intent.Address)
	return addr, ok
}

// RequireOwner rejects authenticated callers other than the owner account.
func RequireOwner(owner intent.Address) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := Account(c)
		if !ok || account != owner {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "owner only"})
			return
		}
		c.Next()
	}
}
