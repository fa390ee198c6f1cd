//go:build bdd

package internal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"

	"github.com/vanpelt/catnip-proxy/internal/crypto"
	"github.com/vanpelt/catnip-proxy/internal/github"
	"github.com/vanpelt/catnip-proxy/internal/keepalive"
	"github.com/vanpelt/catnip-proxy/internal/logger"
	"github.com/vanpelt/catnip-proxy/internal/orchestrator"
	"github.com/vanpelt/catnip-proxy/internal/server"
	"github.com/vanpelt/catnip-proxy/internal/server/db"
	"github.com/vanpelt/catnip-proxy/internal/store"
)

// fakeUpstream stands in for both the GitHub API and the codespaces' own
// health endpoints.
type fakeUpstream struct {
	mu           sync.Mutex
	tokens       map[string]string // token -> login
	codespaces   map[string]string // name -> state
	healthTokens map[string]bool   // tokens the health endpoint accepts
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		tokens:       make(map[string]string),
		codespaces:   make(map[string]string),
		healthTokens: make(map[string]bool),
	}
}

func (f *fakeUpstream) api(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	login, authed := f.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]

	switch {
	case r.URL.Path == "/user":
		if !authed {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"login":%q,"id":1}`, login)

	case r.URL.Path == "/user/codespaces" && r.Method == http.MethodGet:
		var entries []string
		for name, state := range f.codespaces {
			entries = append(entries, fmt.Sprintf(`{"name":%q,"state":%q}`, name, state))
		}
		fmt.Fprintf(w, `{"total_count":%d,"codespaces":[%s]}`, len(entries), strings.Join(entries, ","))

	case strings.HasPrefix(r.URL.Path, "/user/codespaces/") && strings.HasSuffix(r.URL.Path, "/start"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/user/codespaces/"), "/start")
		if _, ok := f.codespaces[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.codespaces[name] = github.StateAvailable
		w.WriteHeader(http.StatusAccepted)

	case strings.HasPrefix(r.URL.Path, "/user/codespaces/"):
		name := strings.TrimPrefix(r.URL.Path, "/user/codespaces/")
		state, ok := f.codespaces[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"name":%q,"state":%q}`, name, state)

	case strings.HasPrefix(r.URL.Path, "/orgs/"):
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeUpstream) health(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthTokens[r.Header.Get("X-Github-Token")] {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
}

// bddContext holds per-scenario state.
type bddContext struct {
	ts       *httptest.Server
	apiTS    *httptest.Server
	healthTS *httptest.Server
	store    *db.Store
	keys     *crypto.KeyManager
	sessions *store.SessionStore
	upstream *fakeUpstream
	sched    *keepalive.Scheduler

	sessionID   string
	mobileToken string

	lastStatus   int
	lastBody     []byte
	streamEvents []string
}

func (b *bddContext) reset() {
	if b.ts != nil {
		b.ts.Close()
	}
	if b.apiTS != nil {
		b.apiTS.Close()
	}
	if b.healthTS != nil {
		b.healthTS.Close()
	}
	if b.sched != nil {
		b.sched.Close()
	}
	if b.store != nil {
		b.store.Close()
	}
	*b = bddContext{}
}

// ── Given steps ─────────────────────────────────────────────────────

func (b *bddContext) theServerIsRunning() error {
	if b.ts != nil {
		return nil // already running
	}

	b.upstream = newFakeUpstream()
	b.apiTS = httptest.NewServer(http.HandlerFunc(b.upstream.api))
	b.healthTS = httptest.NewServer(http.HandlerFunc(b.upstream.health))

	database, err := db.NewStore(":memory:")
	if err != nil {
		return fmt.Errorf("NewStore: %w", err)
	}
	b.store = database

	keyMap, err := crypto.ParseMasterKeys(strings.Repeat("ab", 32))
	if err != nil {
		return err
	}
	b.keys, err = crypto.NewKeyManager(keyMap)
	if err != nil {
		return err
	}

	gh := github.NewClient(b.apiTS.URL)
	health := github.NewHealthClient(0)
	health.Resolve = func(string) string { return b.healthTS.URL }

	log := logger.NewNop()
	b.sessions = store.NewSessionStore(database, b.keys)
	creds := store.NewCredentialStore(database, b.keys, gh)
	b.sched = keepalive.NewScheduler(database, creds, health, keepalive.Config{}, log)

	orch := orchestrator.New(gh, creds, health, orchestrator.Config{
		SettleDelay:       time.Millisecond,
		RefreshAttempts:   2,
		RefreshDelay:      time.Millisecond,
		HealthAttempts:    3,
		HealthDelay:       time.Millisecond,
		HealthBudget:      5 * time.Second,
		AuthGraceAttempts: 2,
	}, log)

	cfg := &server.Config{
		BaseURL:            "http://localhost",
		GitHubClientID:     "bdd-client",
		GitHubClientSecret: "bdd-secret",
		Tuning:             server.DefaultTuning(),
	}
	router, err := server.NewRouter(cfg, server.Deps{
		Sessions:     b.sessions,
		Credentials:  creds,
		Scheduler:    b.sched,
		Orchestrator: orch,
		GitHub:       gh,
		Keys:         b.keys,
	})
	if err != nil {
		return fmt.Errorf("NewRouter: %w", err)
	}

	b.ts = httptest.NewServer(router)
	return nil
}

func (b *bddContext) githubRecognizesToken(token, login string) error {
	b.upstream.mu.Lock()
	defer b.upstream.mu.Unlock()
	b.upstream.tokens[token] = login
	return nil
}

func (b *bddContext) codespaceExistsUpstream(name, state string) error {
	b.upstream.mu.Lock()
	defer b.upstream.mu.Unlock()
	b.upstream.codespaces[name] = state
	return nil
}

func (b *bddContext) codespaceAnswersHealthChecks(token string) error {
	b.upstream.mu.Lock()
	defer b.upstream.mu.Unlock()
	b.upstream.healthTokens[token] = true
	return nil
}

func (b *bddContext) iAmSignedInAs(username, token string) error {
	sess := &store.Session{
		ID:          uuid.NewString(),
		UserID:      1,
		Username:    username,
		AccessToken: token,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := b.sessions.Put(sess); err != nil {
		return err
	}
	b.sessionID = sess.ID
	return nil
}

func (b *bddContext) codespaceIsRegistered(name, user, token, repo string) error {
	body, _ := json.Marshal(map[string]string{
		"GITHUB_TOKEN":      token,
		"GITHUB_USER":       user,
		"CODESPACE_NAME":    name,
		"GITHUB_REPOSITORY": repo,
	})
	resp, err := http.Post(b.ts.URL+"/v1/auth/github/codespace", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("self-report for %s: got status %d", name, resp.StatusCode)
	}
	return nil
}

// ── When steps ──────────────────────────────────────────────────────

func (b *bddContext) do(req *http.Request) error {
	if b.sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "catnip_session", Value: b.sessionID})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	b.lastBody, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	b.lastStatus = resp.StatusCode
	return nil
}

func (b *bddContext) theCodespaceReportsItselfWith(doc *godog.DocString) error {
	req, _ := http.NewRequest("POST", b.ts.URL+"/v1/auth/github/codespace", strings.NewReader(doc.Content))
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

func (b *bddContext) iReportActivityFor(name, token string) error {
	body, _ := json.Marshal(map[string]string{"codespace_name": name})
	req, _ := http.NewRequest("POST", b.ts.URL+"/v1/codespace/activity", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Github-Token", token)
	return b.do(req)
}

func (b *bddContext) iGET(path string) error {
	req, _ := http.NewRequest("GET", b.ts.URL+path, nil)
	return b.do(req)
}

func (b *bddContext) iGETUsingMobileToken(path string) error {
	req, _ := http.NewRequest("GET", b.ts.URL+path, nil)
	req.Header.Set("Authorization", "Bearer "+b.mobileToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	b.lastBody, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	b.lastStatus = resp.StatusCode
	return nil
}

func (b *bddContext) iPOST(path string) error {
	req, _ := http.NewRequest("POST", b.ts.URL+path, nil)
	return b.do(req)
}

func (b *bddContext) iMintAMobileToken() error {
	if err := b.iPOST("/v1/auth/mobile"); err != nil {
		return err
	}
	if b.lastStatus != http.StatusOK {
		return fmt.Errorf("mint mobile token: status %d (body: %s)", b.lastStatus, b.lastBody)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(b.lastBody, &resp); err != nil {
		return err
	}
	b.mobileToken = resp.Token
	return nil
}

func (b *bddContext) iRevokeTheMobileToken() error {
	req, _ := http.NewRequest("DELETE", b.ts.URL+"/v1/auth/mobile", nil)
	req.Header.Set("Authorization", "Bearer "+b.mobileToken)
	return b.do(req)
}

func (b *bddContext) iRequestAccess() error {
	return b.requestAccess("")
}

func (b *bddContext) iRequestAccessToCodespace(name string) error {
	return b.requestAccess("?codespace=" + name)
}

func (b *bddContext) requestAccess(query string) error {
	req, _ := http.NewRequest("GET", b.ts.URL+"/v1/codespace/access"+query, nil)
	if b.sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "catnip_session", Value: b.sessionID})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b.lastStatus = resp.StatusCode
	b.streamEvents = nil

	if resp.StatusCode != http.StatusOK {
		b.lastBody, _ = io.ReadAll(resp.Body)
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			b.streamEvents = append(b.streamEvents, strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		}
	}
	return scanner.Err()
}

// ── Then steps ──────────────────────────────────────────────────────

func (b *bddContext) theResponseStatusShouldBe(expected int) error {
	if b.lastStatus != expected {
		return fmt.Errorf("expected status %d, got %d (body: %s)", expected, b.lastStatus, b.lastBody)
	}
	return nil
}

func (b *bddContext) theResponseJSONShouldBe(key, expected string) error {
	var m map[string]interface{}
	if err := json.Unmarshal(b.lastBody, &m); err != nil {
		return fmt.Errorf("parse response JSON: %w", err)
	}
	val, ok := m[key]
	if !ok {
		return fmt.Errorf("key %q not found in response", key)
	}
	if fmt.Sprint(val) != expected {
		return fmt.Errorf("expected %q = %q, got %q", key, expected, val)
	}
	return nil
}

func (b *bddContext) theStreamShouldContainEvent(name string) error {
	for _, e := range b.streamEvents {
		if e == name {
			return nil
		}
	}
	return fmt.Errorf("event %q not in stream %v", name, b.streamEvents)
}

func (b *bddContext) theStreamShouldEndWithEvent(name string) error {
	if len(b.streamEvents) == 0 {
		return fmt.Errorf("stream is empty (status %d, body: %s)", b.lastStatus, b.lastBody)
	}
	if last := b.streamEvents[len(b.streamEvents)-1]; last != name {
		return fmt.Errorf("stream ended with %q, want %q (all: %v)", last, name, b.streamEvents)
	}
	return nil
}

// ── Suite runner ────────────────────────────────────────────────────

func TestBDD(t *testing.T) {
	b := &bddContext{}

	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				b.reset()
				return ctx, nil
			})

			// Given
			sc.Step(`^the server is running$`, b.theServerIsRunning)
			sc.Step(`^GitHub recognizes token "([^"]*)" as user "([^"]*)"$`, b.githubRecognizesToken)
			sc.Step(`^a codespace "([^"]*)" exists upstream in state "([^"]*)"$`, b.codespaceExistsUpstream)
			sc.Step(`^the codespace answers health checks for token "([^"]*)"$`, b.codespaceAnswersHealthChecks)
			sc.Step(`^I am signed in as "([^"]*)" with access token "([^"]*)"$`, b.iAmSignedInAs)
			sc.Step(`^codespace "([^"]*)" is registered by "([^"]*)" with token "([^"]*)" for repository "([^"]*)"$`, b.codespaceIsRegistered)

			// When
			sc.Step(`^the codespace reports itself with:$`, b.theCodespaceReportsItselfWith)
			sc.Step(`^I report activity for "([^"]*)" with token "([^"]*)"$`, b.iReportActivityFor)
			sc.Step(`^I GET "([^"]*)" using the mobile token$`, b.iGETUsingMobileToken)
			sc.Step(`^I GET "([^"]*)"$`, b.iGET)
			sc.Step(`^I POST "([^"]*)"$`, b.iPOST)
			sc.Step(`^I mint a mobile token$`, b.iMintAMobileToken)
			sc.Step(`^I revoke the mobile token$`, b.iRevokeTheMobileToken)
			sc.Step(`^I request access$`, b.iRequestAccess)
			sc.Step(`^I request access to codespace "([^"]*)"$`, b.iRequestAccessToCodespace)

			// Then
			sc.Step(`^the response status should be (\d+)$`, b.theResponseStatusShouldBe)
			sc.Step(`^the response JSON "([^"]*)" should be "([^"]*)"$`, b.theResponseJSONShouldBe)
			sc.Step(`^the stream should contain event "([^"]*)"$`, b.theStreamShouldContainEvent)
			sc.Step(`^the stream should end with event "([^"]*)"$`, b.theStreamShouldEndWithEvent)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("BDD tests failed")
	}

	// Final cleanup
	b.reset()
}

func init() {
	// Suppress Gin debug output during BDD tests
	os.Setenv("GIN_MODE", "release")
}
