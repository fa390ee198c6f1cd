// Package orchestrator turns "I want my codespace" into a reachable,
// authenticated URL. Each access request runs a cancellable state machine
// that streams ordered status events and terminates in exactly one of
// success, error, setup-required, or multiple-choices.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vanpelt/catnip-proxy/internal/github"
	"github.com/vanpelt/catnip-proxy/internal/logger"
	"github.com/vanpelt/catnip-proxy/internal/store"
)

// Event names on the access stream. Terminal events are success, error,
// setup-required, and multiple-choices; everything else is progress. The
// health-check phase keeps the event name the shipped clients key on.
const (
	EventSearch          = "search"
	EventStarting        = "starting"
	EventSetup           = "setup"
	EventHealth          = "catnip"
	EventSuccess         = "success"
	EventError           = "error"
	EventSetupRequired   = "setup-required"
	EventMultipleChoices = "multiple-choices"
)

// Failure reasons carried on error events. Clients use these to choose a
// retry hint: auth failures need re-authentication, booting failures just
// need a shorter wait.
const (
	ReasonAuth     = "auth"
	ReasonBooting  = "booting"
	ReasonUpstream = "upstream"
)

// Event is one frame of the access stream.
type Event struct {
	Name string
	Data any
}

// EmitFunc delivers an event to the client. A non-nil return means the
// client is gone and the run should be abandoned.
type EmitFunc func(Event) error

// Choice is one entry of a multiple-choices event.
type Choice struct {
	Name           string    `json:"name"`
	Repository     string    `json:"repository,omitempty"`
	LastUsedAt     time.Time `json:"last_used_at"`
	HasCredentials bool      `json:"has_credentials"`
}

// SuccessData carries the reachable URL on the terminal success event.
type SuccessData struct {
	CodespaceName string `json:"codespace_name"`
	URL           string `json:"url"`
}

// ErrorData is the payload of a terminal error event.
type ErrorData struct {
	Message           string `json:"message"`
	Reason            string `json:"reason"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ProgressData annotates non-terminal events.
type ProgressData struct {
	CodespaceName string `json:"codespace_name,omitempty"`
	State         string `json:"state,omitempty"`
	URL           string `json:"url,omitempty"`
}

// Provider is the upstream codespace API surface the orchestrator needs.
type Provider interface {
	GetCodespace(ctx context.Context, token, name string) (*github.Codespace, error)
	StartCodespace(ctx context.Context, token, name string) error
	IsOrgMember(ctx context.Context, token, org, username string) (bool, error)
}

// Credentials is the read-only slice of the credential store used here.
// Runs never write credentials; the codespace itself publishes fresh ones.
type Credentials interface {
	GetAllForUser(githubUser string) ([]*store.Credential, error)
	Get(codespaceName string) (*store.Credential, error)
}

// Health checks a codespace's own endpoint and knows its public URL.
type Health interface {
	Ping(ctx context.Context, codespaceName, token string) error
	CodespaceURL(codespaceName string) string
}

// Config bounds every wait in the flow. The attempt budgets are
// heuristics, not invariants; deployments tune them.
type Config struct {
	SettleDelay       time.Duration
	RefreshAttempts   int
	RefreshDelay      time.Duration
	HealthAttempts    int
	HealthDelay       time.Duration
	HealthBudget      time.Duration
	AuthGraceAttempts int
}

func (c Config) withDefaults() Config {
	if c.SettleDelay == 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.RefreshAttempts == 0 {
		c.RefreshAttempts = 7
	}
	if c.RefreshDelay == 0 {
		c.RefreshDelay = 3 * time.Second
	}
	if c.HealthAttempts == 0 {
		c.HealthAttempts = 8
	}
	if c.HealthDelay == 0 {
		c.HealthDelay = 5 * time.Second
	}
	if c.HealthBudget == 0 {
		c.HealthBudget = 40 * time.Second
	}
	if c.AuthGraceAttempts == 0 {
		c.AuthGraceAttempts = 3
	}
	return c
}

// Request identifies the caller and optional disambiguation hints.
type Request struct {
	Username    string
	AccessToken string
	// CodespaceName pins the run to one codespace (from a previous
	// multiple-choices answer).
	CodespaceName string
	// Org filters candidates to one organization, derived from the
	// request's origin subdomain.
	Org string
}

// Orchestrator runs access flows. It holds no per-request state; one
// instance serves all requests.
type Orchestrator struct {
	provider Provider
	creds    Credentials
	health   Health
	cfg      Config
	log      *logger.Logger
}

// New creates an Orchestrator.
func New(provider Provider, creds Credentials, health Health, cfg Config, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		provider: provider,
		creds:    creds,
		health:   health,
		cfg:      cfg.withDefaults(),
		log:      log,
	}
}

// Run executes one access flow, emitting events until a terminal one. The
// returned error is non-nil only when the client went away or the context
// was cancelled; domain failures are reported through the event stream.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit EmitFunc) error {
	if err := emit(Event{Name: EventSearch}); err != nil {
		return err
	}

	cred, done, err := o.search(ctx, req, emit)
	if done || err != nil {
		return err
	}

	justStarted, done, err := o.ensureRunning(ctx, req, cred.CodespaceName, emit)
	if done || err != nil {
		return err
	}

	if err := emit(Event{Name: EventSetup, Data: ProgressData{CodespaceName: cred.CodespaceName}}); err != nil {
		return err
	}
	if justStarted {
		if err := sleep(ctx, o.cfg.SettleDelay); err != nil {
			return err
		}
	}

	token, refreshed, err := o.refreshCredential(ctx, cred, justStarted)
	if err != nil {
		return err
	}
	if token == "" {
		// No stored credential came through; the caller's own token is
		// the best remaining candidate.
		token = req.AccessToken
	}

	return o.healthCheck(ctx, cred.CodespaceName, token, refreshed, emit)
}

// search resolves the caller's candidate codespaces and handles the
// zero-and-many terminal cases. done reports that a terminal event was
// emitted.
func (o *Orchestrator) search(ctx context.Context, req Request, emit EmitFunc) (cred *store.Credential, done bool, err error) {
	all, err := o.creds.GetAllForUser(req.Username)
	if err != nil {
		o.log.Error("list credentials", zap.String("user", req.Username), zap.Error(err))
		return nil, true, emit(Event{Name: EventError, Data: ErrorData{
			Message: "could not look up your codespaces, please try again",
			Reason:  ReasonUpstream,
		}})
	}

	candidates := all
	if req.CodespaceName != "" {
		candidates = nil
		for _, c := range all {
			if c.CodespaceName == req.CodespaceName {
				candidates = append(candidates, c)
			}
		}
	} else if req.Org != "" && o.callerInOrg(ctx, req) {
		// A wrong or stale org hint must not hide everything the user
		// owns, so an empty filter result falls back to the full set.
		if filtered := filterByOrg(all, req.Org); len(filtered) > 0 {
			candidates = filtered
		}
	}

	switch len(candidates) {
	case 0:
		return nil, true, emit(Event{Name: EventSetupRequired, Data: ErrorData{
			Message: "no codespace is set up for this account yet, run catnip inside a codespace to register it",
		}})
	case 1:
		return candidates[0], false, nil
	default:
		choices := make([]Choice, 0, len(candidates))
		for _, c := range candidates {
			choices = append(choices, Choice{
				Name:           c.CodespaceName,
				Repository:     c.Repository,
				LastUsedAt:     c.UpdatedAt,
				HasCredentials: c.HasToken(),
			})
		}
		return nil, true, emit(Event{Name: EventMultipleChoices, Data: choices})
	}
}

// callerInOrg verifies the org hint against upstream membership. Any
// failure just drops the hint; it is an optimization, not an access check.
func (o *Orchestrator) callerInOrg(ctx context.Context, req Request) bool {
	ok, err := o.provider.IsOrgMember(ctx, req.AccessToken, req.Org, req.Username)
	if err != nil {
		o.log.Debug("org membership check failed",
			zap.String("org", req.Org), zap.Error(err))
		return false
	}
	return ok
}

// ensureRunning checks live state and issues at most one start command,
// using the caller's own token, never a stored codespace token.
func (o *Orchestrator) ensureRunning(ctx context.Context, req Request, name string, emit EmitFunc) (justStarted, done bool, err error) {
	cs, err := o.provider.GetCodespace(ctx, req.AccessToken, name)
	switch {
	case errors.Is(err, github.ErrNotFound):
		// On file here but deleted upstream.
		return false, true, emit(Event{Name: EventSetupRequired, Data: ErrorData{
			Message: "codespace " + name + " no longer exists upstream, set it up again",
		}})
	case errors.Is(err, github.ErrInvalidToken):
		return false, true, emit(Event{Name: EventError, Data: ErrorData{
			Message: "your GitHub session is no longer valid, please sign in again",
			Reason:  ReasonAuth,
		}})
	case err != nil:
		return false, true, emit(Event{Name: EventError, Data: ErrorData{
			Message:           "GitHub is not responding, please retry",
			Reason:            ReasonUpstream,
			RetryAfterSeconds: 30,
		}})
	}

	if cs.Available() {
		return false, false, nil
	}

	if err := emit(Event{Name: EventStarting, Data: ProgressData{CodespaceName: name, State: cs.State}}); err != nil {
		return false, false, err
	}
	if err := o.provider.StartCodespace(ctx, req.AccessToken, name); err != nil {
		if errors.Is(err, github.ErrInvalidToken) {
			return false, true, emit(Event{Name: EventError, Data: ErrorData{
				Message: "your GitHub session is no longer valid, please sign in again",
				Reason:  ReasonAuth,
			}})
		}
		return false, true, emit(Event{Name: EventError, Data: ErrorData{
			Message:           "could not start codespace " + name + ", please retry",
			Reason:            ReasonUpstream,
			RetryAfterSeconds: 30,
		}})
	}
	return true, false, nil
}

// refreshCredential polls the credential store for a fresher token than
// the one found during search. The codespace pushes new credentials some
// time after boot, so a just-started codespace gets the full attempt
// budget while a warm one gets a single look.
func (o *Orchestrator) refreshCredential(ctx context.Context, cred *store.Credential, justStarted bool) (token string, refreshed bool, err error) {
	token = cred.GitHubToken
	attempts := 1
	if justStarted || token == "" {
		attempts = o.cfg.RefreshAttempts
	}

	for i := 0; i < attempts; i++ {
		fresh, err := o.creds.Get(cred.CodespaceName)
		if err == nil && fresh.GitHubToken != "" && fresh.GitHubToken != cred.GitHubToken {
			return fresh.GitHubToken, true, nil
		}
		if i < attempts-1 {
			if err := sleep(ctx, o.cfg.RefreshDelay); err != nil {
				return "", false, err
			}
		}
	}
	return token, false, nil
}

// healthCheck polls the codespace until it answers, the attempt budget
// runs out, or the wall-clock budget expires.
func (o *Orchestrator) healthCheck(ctx context.Context, name, token string, refreshed bool, emit EmitFunc) error {
	url := o.health.CodespaceURL(name)
	if err := emit(Event{Name: EventHealth, Data: ProgressData{CodespaceName: name, URL: url}}); err != nil {
		return err
	}

	deadline := time.Now().Add(o.cfg.HealthBudget)
	for attempt := 1; attempt <= o.cfg.HealthAttempts; attempt++ {
		err := o.health.Ping(ctx, name, token)
		if err == nil {
			return emit(Event{Name: EventSuccess, Data: SuccessData{CodespaceName: name, URL: url}})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, github.ErrPingUnauthorized) {
			// A freshly pushed token may not be loaded inside the
			// codespace yet; tolerate early 401s, then give up.
			if !refreshed || attempt > o.cfg.AuthGraceAttempts {
				return emit(Event{Name: EventError, Data: ErrorData{
					Message:           "codespace " + name + " rejected the stored credentials, wait a minute and retry or sign in again",
					Reason:            ReasonAuth,
					RetryAfterSeconds: 60,
				}})
			}
		} else {
			o.log.Debug("health check not ready",
				zap.String("codespace", name), zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt == o.cfg.HealthAttempts || time.Now().After(deadline) {
			break
		}
		if err := sleep(ctx, o.cfg.HealthDelay); err != nil {
			return err
		}
	}

	return emit(Event{Name: EventError, Data: ErrorData{
		Message:           "codespace " + name + " is still starting, try again shortly",
		Reason:            ReasonBooting,
		RetryAfterSeconds: 10,
	}})
}

func filterByOrg(creds []*store.Credential, org string) []*store.Credential {
	var out []*store.Credential
	for _, c := range creds {
		if strings.EqualFold(c.Org, org) {
			out = append(out, c)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
