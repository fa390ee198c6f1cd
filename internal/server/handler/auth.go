package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/vanpelt/catnip-proxy/internal/github"
	"github.com/vanpelt/catnip-proxy/internal/store"
)

const (
	oauthStateMaxAge  = 10 * time.Minute
	sessionCookieName = "catnip_session"
	sessionContextKey = "session"
)

// OAuth carries everything the login handlers need. Endpoint is overridable
// so tests can point the dance at a local server.
type OAuth struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	SessionTTL   time.Duration
	StateKey     [32]byte
	Endpoint     oauth2.Endpoint
}

func (o OAuth) config() *oauth2.Config {
	endpoint := o.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = oauthgithub.Endpoint
	}
	return &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  o.BaseURL + "/v1/auth/github/callback",
		Scopes:       []string{"read:user", "read:org", "codespace"},
	}
}

// makeOAuthState produces an HMAC-signed state: "nonce:timestamp_hex:hmac_hex"
func makeOAuthState(nonce string, key [32]byte) string {
	return signState(nonce, strconv.FormatInt(time.Now().Unix(), 16), key)
}

func signState(nonce, tsHex string, key [32]byte) string {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(nonce + ":" + tsHex))
	return nonce + ":" + tsHex + ":" + hex.EncodeToString(mac.Sum(nil))
}

// verifyOAuthState verifies the HMAC-signed state and its freshness.
func verifyOAuthState(state string, key [32]byte) error {
	parts := strings.SplitN(state, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed state")
	}
	nonce, tsHex, sigHex := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(nonce + ":" + tsHex))
	expectedSig := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sigHex), []byte(expectedSig)) {
		return fmt.Errorf("invalid state signature")
	}

	tsUnix, err := strconv.ParseInt(tsHex, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp in state")
	}
	if time.Since(time.Unix(tsUnix, 0)) > oauthStateMaxAge {
		return fmt.Errorf("state expired")
	}
	return nil
}

// HandleLogin handles GET /v1/auth/github.
func HandleLogin(oa OAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := makeOAuthState(uuid.NewString(), oa.StateKey)
		c.Redirect(http.StatusFound, oa.config().AuthCodeURL(state))
	}
}

// HandleCallback handles GET /v1/auth/github/callback. A valid code becomes
// a server-side session; the browser only ever holds the opaque session ID.
func HandleCallback(sessions *store.SessionStore, gh *github.Client, oa OAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		state := c.Query("state")
		if code == "" || state == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code or state"})
			return
		}
		if err := verifyOAuthState(state, oa.StateKey); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired OAuth state: " + err.Error()})
			return
		}

		token, err := oa.config().Exchange(c.Request.Context(), code)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "token exchange failed: " + err.Error()})
			return
		}

		user, err := gh.User(c.Request.Context(), token.AccessToken)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to resolve GitHub identity"})
			return
		}

		now := time.Now()
		sess := &store.Session{
			ID:           uuid.NewString(),
			UserID:       user.ID,
			Username:     user.Login,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    now.Add(oa.SessionTTL),
		}
		if token.RefreshToken != "" {
			// GitHub refresh tokens outlive access tokens by months; the
			// session row still caps how long we keep them.
			sess.RefreshExpiresAt = now.Add(oa.SessionTTL)
		}
		if err := sessions.Put(sess); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}

		secure := strings.HasPrefix(oa.BaseURL, "https://")
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(sessionCookieName, sess.ID, int(oa.SessionTTL.Seconds()), "/", "", secure, true)
		c.JSON(http.StatusOK, gin.H{"status": "authenticated", "username": user.Login})
	}
}

// HandleLogout handles POST /v1/auth/logout. It drops the session and every
// mobile token minted from it.
func HandleLogout(sessions *store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)
		if err := sessions.Delete(sess.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
			return
		}
		c.SetCookie(sessionCookieName, "", -1, "/", "", false, true)
		c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
	}
}

// HandleMe handles GET /v1/auth/me.
func HandleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)
		c.JSON(http.StatusOK, gin.H{
			"user_id":    sess.UserID,
			"username":   sess.Username,
			"expires_at": sess.ExpiresAt,
		})
	}
}

// RequireSession authenticates the request, preferring a Bearer mobile token
// over the browser cookie, and stashes the session in the gin context.
func RequireSession(sessions *store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := resolveSession(c, sessions)
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
			return
		}
		c.Set(sessionContextKey, sess)
		c.Next()
	}
}

func currentSession(c *gin.Context) *store.Session {
	return c.MustGet(sessionContextKey).(*store.Session)
}

func resolveSession(c *gin.Context, sessions *store.SessionStore) (*store.Session, error) {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return sessions.GetByMobileToken(strings.TrimPrefix(auth, "Bearer "))
	}
	id, err := c.Cookie(sessionCookieName)
	if err != nil || id == "" {
		return nil, store.ErrNotFound
	}
	return sessions.Get(id)
}
