package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultCodespacePort is the port the catnip daemon serves inside a
// codespace, exposed at https://{name}-{port}.app.github.dev.
const DefaultCodespacePort = 6369

// ErrPingUnauthorized means the codespace rejected the token. During boot
// this can be transient (the daemon has not reloaded credentials yet).
var ErrPingUnauthorized = errors.New("codespace rejected token")

// HealthClient performs health checks against a codespace's externally
// forwarded port.
type HealthClient struct {
	Port int
	// Resolve overrides URL construction, for tests.
	Resolve func(codespaceName string) string

	http *http.Client
}

// NewHealthClient creates a HealthClient for the given forwarded port
// (0 selects DefaultCodespacePort).
func NewHealthClient(port int) *HealthClient {
	if port == 0 {
		port = DefaultCodespacePort
	}
	return &HealthClient{
		Port: port,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// CodespaceURL returns the externally reachable base URL for a codespace.
func (h *HealthClient) CodespaceURL(codespaceName string) string {
	if h.Resolve != nil {
		return h.Resolve(codespaceName)
	}
	return fmt.Sprintf("https://%s-%d.app.github.dev", codespaceName, h.Port)
}

// Ping performs a single health check with the given token. A nil return
// means the codespace answered 200 and is ready to serve.
func (h *HealthClient) Ping(ctx context.Context, codespaceName, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.CodespaceURL(codespaceName)+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("X-Github-Token", token)

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrPingUnauthorized
	default:
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
}
