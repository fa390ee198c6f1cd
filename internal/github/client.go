// Package github is a minimal client for the parts of the GitHub API the
// proxy needs: token identity checks, codespace listing and starting, and
// org membership lookups.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultAPIBaseURL is the public GitHub REST endpoint.
const DefaultAPIBaseURL = "https://api.github.com"

// Codespace states as reported by the API.
const (
	StateAvailable = "Available"
	StateShutdown  = "Shutdown"
	StateStarting  = "Starting"
)

var (
	// ErrInvalidToken means the bearer token was rejected upstream.
	ErrInvalidToken = errors.New("github: invalid or expired token")
	// ErrNotFound means the requested resource does not exist (or the
	// token cannot see it, which GitHub reports identically).
	ErrNotFound = errors.New("github: not found")
	// ErrUnavailable is a transient upstream failure.
	ErrUnavailable = errors.New("github: upstream unavailable")
)

// User is the authenticated identity behind a token.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// Repository carries the fields we surface to clients.
type Repository struct {
	FullName string `json:"full_name"`
}

// Codespace is one entry from the user's codespace list.
type Codespace struct {
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Repository Repository `json:"repository"`
	LastUsedAt time.Time  `json:"last_used_at"`
}

// Available reports whether the codespace is already running.
func (c *Codespace) Available() bool {
	return c.State == StateAvailable
}

// Client talks to the GitHub REST API. The zero value is not usable; use
// NewClient.
type Client struct {
	apiBase string
	http    *http.Client
}

// NewClient creates a Client. An empty apiBase selects the public API.
func NewClient(apiBase string) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBaseURL
	}
	return &Client{
		apiBase: apiBase,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// User returns the identity the token authenticates as.
func (c *Client) User(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.get(ctx, token, "/user", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken resolves a token to its login. It satisfies the credential
// store's IdentityVerifier.
func (c *Client) VerifyToken(ctx context.Context, token string) (string, error) {
	user, err := c.User(ctx, token)
	if err != nil {
		return "", err
	}
	return user.Login, nil
}

// ListCodespaces returns the codespaces visible to the token.
func (c *Client) ListCodespaces(ctx context.Context, token string) ([]Codespace, error) {
	var resp struct {
		TotalCount int         `json:"total_count"`
		Codespaces []Codespace `json:"codespaces"`
	}
	if err := c.get(ctx, token, "/user/codespaces", &resp); err != nil {
		return nil, err
	}
	return resp.Codespaces, nil
}

// GetCodespace returns one codespace by name.
func (c *Client) GetCodespace(ctx context.Context, token, name string) (*Codespace, error) {
	var cs Codespace
	if err := c.get(ctx, token, "/user/codespaces/"+name, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// StartCodespace issues a start command. GitHub returns 202 while the
// codespace boots in the background.
func (c *Client) StartCodespace(ctx context.Context, token, name string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/user/codespaces/"+name+"/start", token)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already running or already starting.
		return nil
	default:
		return statusError(resp.StatusCode)
	}
}

// IsOrgMember reports whether username is a member of org, as visible to
// the token.
func (c *Client) IsOrgMember(ctx context.Context, token, org, username string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/orgs/"+org+"/members/"+username, token)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, ErrInvalidToken
	default:
		return false, statusError(resp.StatusCode)
	}
}

func (c *Client) newRequest(ctx context.Context, method, path, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	return req, nil
}

func (c *Client) get(ctx context.Context, token, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, token)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrInvalidToken
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
