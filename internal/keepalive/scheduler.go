// Package keepalive keeps codespaces warm while they are in use. A running
// codespace reports activity; the scheduler pings it on an interval until
// the activity goes quiet, then forgets it and lets its own timer lapse.
package keepalive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vanpelt/catnip-proxy/internal/logger"
	"github.com/vanpelt/catnip-proxy/internal/server/db"
	"github.com/vanpelt/catnip-proxy/internal/store"
)

// CredentialSource supplies fresh credentials at ping time. The scheduler
// never holds secrets itself; it re-fetches on every ping so the credential
// store stays the single source of truth.
type CredentialSource interface {
	Get(codespaceName string) (*store.Credential, error)
}

// Pinger performs one health check against a codespace.
type Pinger interface {
	Ping(ctx context.Context, codespaceName, token string) error
}

// Config tunes the scheduler intervals.
type Config struct {
	TickInterval     time.Duration
	PingInterval     time.Duration
	InactivityWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = time.Minute
	}
	if c.PingInterval == 0 {
		c.PingInterval = 5 * time.Minute
	}
	if c.InactivityWindow == 0 {
		c.InactivityWindow = 30 * time.Minute
	}
	return c
}

// Scheduler is the keep-alive coordinator. It is a singleton: all state
// lives in the activity table, and the timer is armed lazily on the first
// activity report and disarmed once nothing is tracked.
type Scheduler struct {
	db     *db.Store
	creds  CredentialSource
	pinger Pinger
	cfg    Config
	log    *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewScheduler creates a Scheduler. The timer is not armed until the first
// ReportActivity call.
func NewScheduler(database *db.Store, creds CredentialSource, pinger Pinger, cfg Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		db:     database,
		creds:  creds,
		pinger: pinger,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
	}
}

// ReportActivity records that a codespace is in use and makes sure the
// sweep timer is armed. Arming is idempotent: a timer that is already
// pending is left alone.
func (s *Scheduler) ReportActivity(codespaceName, githubUser string) error {
	if err := s.db.TouchActivity(codespaceName, githubUser, s.now()); err != nil {
		return err
	}
	s.arm()
	return nil
}

// Resume arms the timer when tracked codespaces survived a restart.
func (s *Scheduler) Resume() error {
	rows, err := s.db.ListActivity()
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		s.arm()
	}
	return nil
}

// Close stops any pending timer. In-flight sweeps finish on their own.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.cfg.TickInterval, s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	remaining := s.Sweep(context.Background())
	if remaining > 0 {
		s.arm()
	} else {
		s.log.Debug("no active codespaces, letting keep-alive timer lapse")
	}
}

// Sweep pings every tracked codespace that is due and purges the ones that
// have gone quiet. It returns how many codespaces remain tracked. A failed
// or skipped ping leaves last_ping_at alone so the next tick retries.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.now()
	rows, err := s.db.ListActivity()
	if err != nil {
		s.log.Error("list activity", zap.Error(err))
		return 1 // keep the timer alive, try again next tick
	}

	for _, row := range rows {
		if now.Sub(row.LastActivityAt) > s.cfg.InactivityWindow {
			continue // purged below
		}
		if row.LastPingAt != nil && now.Sub(*row.LastPingAt) < s.cfg.PingInterval {
			continue
		}
		s.ping(ctx, row.CodespaceName, now)
	}

	remaining, err := s.db.PurgeInactive(now.Add(-s.cfg.InactivityWindow))
	if err != nil {
		s.log.Error("purge inactive codespaces", zap.Error(err))
		return 1
	}
	return remaining
}

func (s *Scheduler) ping(ctx context.Context, codespaceName string, now time.Time) {
	cred, err := s.creds.Get(codespaceName)
	if err != nil {
		// Missing or expired credential skips this round; the codespace
		// publishes fresh credentials on its next boot.
		s.log.Debug("skipping keep-alive, no credential",
			zap.String("codespace", codespaceName), zap.Error(err))
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.pinger.Ping(pingCtx, codespaceName, cred.GitHubToken); err != nil {
		s.log.Warn("keep-alive ping failed",
			zap.String("codespace", codespaceName), zap.Error(err))
		return
	}

	if err := s.db.SetLastPing(codespaceName, now); err != nil {
		s.log.Error("record ping time", zap.Error(err))
	}
}
