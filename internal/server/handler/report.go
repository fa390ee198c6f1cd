package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vanpelt/catnip-proxy/internal/github"
	"github.com/vanpelt/catnip-proxy/internal/keepalive"
	"github.com/vanpelt/catnip-proxy/internal/store"
)

// selfReportRequest is the payload a codespace publishes about itself. The
// field names mirror the environment variables inside the codespace.
type selfReportRequest struct {
	GitHubToken   string `json:"GITHUB_TOKEN" binding:"required"`
	GitHubUser    string `json:"GITHUB_USER" binding:"required"`
	CodespaceName string `json:"CODESPACE_NAME" binding:"required"`
	Repository    string `json:"GITHUB_REPOSITORY"`
}

// HandleSelfReport handles POST /v1/auth/github/codespace. The store proves
// token ownership upstream before anything is written.
func HandleSelfReport(creds *store.CredentialStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req selfReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		err := creds.Put(c.Request.Context(), &store.Credential{
			CodespaceName: req.CodespaceName,
			GitHubUser:    req.GitHubUser,
			GitHubToken:   req.GitHubToken,
			Repository:    req.Repository,
		})
		switch {
		case errors.Is(err, github.ErrInvalidToken):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token rejected by GitHub"})
		case errors.Is(err, store.ErrUserMismatch):
			c.JSON(http.StatusForbidden, gin.H{"error": "token does not belong to the claimed user"})
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": "could not validate credentials"})
		default:
			c.JSON(http.StatusOK, gin.H{"status": "ok", "codespace": req.CodespaceName})
		}
	}
}

type activityRequest struct {
	CodespaceName string `json:"codespace_name" binding:"required"`
}

// HandleActivity handles POST /v1/codespace/activity. The caller proves it
// is the codespace by presenting the same token it registered with; a match
// feeds the keep-alive scheduler.
func HandleActivity(creds *store.CredentialStore, sched *keepalive.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req activityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		token := c.GetHeader("X-Github-Token")
		cred, err := creds.Get(req.CodespaceName)
		if errors.Is(err, store.ErrNotFound) || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown codespace or missing token"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "credential lookup failed"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(cred.GitHubToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not match this codespace"})
			return
		}

		if err := sched.ReportActivity(req.CodespaceName, cred.GitHubUser); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record activity"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
