package handler

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vanpelt/catnip-proxy/internal/orchestrator"
	"github.com/vanpelt/catnip-proxy/internal/store"
)

// HandleAccess handles GET /v1/codespace/access. It streams orchestrator
// events over SSE until a terminal event or until the client goes away.
func HandleAccess(orch *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)

		req := orchestrator.Request{
			Username:      sess.Username,
			AccessToken:   sess.AccessToken,
			CodespaceName: c.Query("codespace"),
			Org:           orgHint(c),
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		events := make(chan orchestrator.Event)
		go func() {
			defer close(events)
			_ = orch.Run(ctx, req, func(e orchestrator.Event) error {
				select {
				case events <- e:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Stream(func(w io.Writer) bool {
			e, ok := <-events
			if !ok {
				return false
			}
			data := e.Data
			if data == nil {
				data = gin.H{}
			}
			c.SSEvent(e.Name, data)
			return true
		})
	}
}

// orgHint derives the org filter from an explicit query parameter, falling
// back to the request's subdomain (acme.catnip.run asks for org acme).
func orgHint(c *gin.Context) string {
	if org := c.Query("org"); org != "" {
		return org
	}
	host := c.Request.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	switch parts[0] {
	case "www", "app", "api":
		return ""
	}
	return parts[0]
}

type codespaceSummary struct {
	Name           string `json:"name"`
	Repository     string `json:"repository,omitempty"`
	UpdatedAt      string `json:"updated_at"`
	HasCredentials bool   `json:"has_credentials"`
}

// HandleListCodespaces handles GET /v1/codespaces. Soft-expired entries are
// listed without credentials so clients can prompt for re-registration.
func HandleListCodespaces(creds *store.CredentialStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)
		all, err := creds.GetAllForUser(sess.Username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list codespaces"})
			return
		}
		out := make([]codespaceSummary, 0, len(all))
		for _, cred := range all {
			out = append(out, codespaceSummary{
				Name:           cred.CodespaceName,
				Repository:     cred.Repository,
				UpdatedAt:      cred.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
				HasCredentials: cred.HasToken(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"codespaces": out})
	}
}

// HandleDeleteCodespace handles DELETE /v1/codespaces/:name. Hard delete,
// only for the owner.
func HandleDeleteCodespace(creds *store.CredentialStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := currentSession(c)
		name := c.Param("name")

		all, err := creds.GetAllForUser(sess.Username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up codespace"})
			return
		}
		owned := false
		for _, cred := range all {
			if cred.CodespaceName == name {
				owned = true
				break
			}
		}
		if !owned {
			c.JSON(http.StatusNotFound, gin.H{"error": "codespace not found"})
			return
		}

		if err := creds.Delete(name); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete codespace"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "codespace": name})
	}
}
