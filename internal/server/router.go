package server

import (
	"github.com/gin-gonic/gin"

	"github.com/vanpelt/catnip-proxy/internal/crypto"
	"github.com/vanpelt/catnip-proxy/internal/github"
	"github.com/vanpelt/catnip-proxy/internal/keepalive"
	"github.com/vanpelt/catnip-proxy/internal/orchestrator"
	"github.com/vanpelt/catnip-proxy/internal/server/handler"
	"github.com/vanpelt/catnip-proxy/internal/store"
)

// Deps are the wired components the router hands to handlers.
type Deps struct {
	Sessions     *store.SessionStore
	Credentials  *store.CredentialStore
	Scheduler    *keepalive.Scheduler
	Orchestrator *orchestrator.Orchestrator
	GitHub       *github.Client
	Keys         *crypto.KeyManager
}

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(cfg *Config, deps Deps) (*gin.Engine, error) {
	r := gin.Default()

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})

	// The current master key also signs OAuth state, so state survives key
	// rotation only within its own ten-minute window. That is fine.
	stateKey, err := deps.Keys.Resolve(deps.Keys.CurrentVersion())
	if err != nil {
		return nil, err
	}
	oa := handler.OAuth{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		BaseURL:      cfg.BaseURL,
		SessionTTL:   cfg.Tuning.SessionTTL.Std(),
		StateKey:     stateKey,
	}

	authed := handler.RequireSession(deps.Sessions)

	v1 := r.Group("/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.GET("/github", handler.HandleLogin(oa))
			auth.GET("/github/callback", handler.HandleCallback(deps.Sessions, deps.GitHub, oa))
			auth.POST("/github/codespace", handler.HandleSelfReport(deps.Credentials))

			auth.POST("/logout", authed, handler.HandleLogout(deps.Sessions))
			auth.GET("/me", authed, handler.HandleMe())
			auth.POST("/mobile", authed, handler.HandleCreateMobileToken(deps.Sessions, cfg.Tuning.MobileTokenTTL.Std()))
			auth.DELETE("/mobile", handler.HandleRevokeMobileToken(deps.Sessions))
		}

		// The activity report authenticates with the codespace's own token,
		// not a browser session.
		v1.POST("/codespace/activity", handler.HandleActivity(deps.Credentials, deps.Scheduler))
		v1.GET("/codespace/access", authed, handler.HandleAccess(deps.Orchestrator))

		v1.GET("/codespaces", authed, handler.HandleListCodespaces(deps.Credentials))
		v1.DELETE("/codespaces/:name", authed, handler.HandleDeleteCodespace(deps.Credentials))
	}

	return r, nil
}
