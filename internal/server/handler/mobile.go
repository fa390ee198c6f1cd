package handler

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vanpelt/catnip-proxy/internal/store"
)

// HandleCreateMobileToken handles POST /v1/auth/mobile. The raw token is
// returned exactly once; only its hash is stored.
func HandleCreateMobileToken(sessions *store.SessionStore, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)

		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		token := base64.RawURLEncoding.EncodeToString(buf)

		expiresAt := time.Now().Add(ttl)
		if err := sessions.PutMobileToken(token, sess, expiresAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"expires_at": expiresAt,
		})
	}
}

// HandleRevokeMobileToken handles DELETE /v1/auth/mobile. Revokes exactly
// the token presented in the Authorization header; the session survives.
func HandleRevokeMobileToken(sessions *store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mobile token required in Authorization header"})
			return
		}
		if err := sessions.DeleteMobileToken(strings.TrimPrefix(auth, "Bearer ")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	}
}
