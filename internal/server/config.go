package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vanpelt/catnip-proxy/internal/github"
)

// Config holds server configuration loaded from environment variables.
// Interval tuning can additionally come from an optional YAML file named by
// CATNIP_CONFIG; every tuning knob has a production default.
type Config struct {
	MasterKeys         string
	DBPath             string
	ListenAddr         string
	BaseURL            string
	GitHubClientID     string
	GitHubClientSecret string
	GitHubAPIBaseURL   string
	CodespacePort      int
	CORSOrigins        []string
	Tuning             Tuning
}

// Tuning bounds every timed behavior of the worker.
type Tuning struct {
	SessionTTL        Duration `yaml:"session_ttl"`
	MobileTokenTTL    Duration `yaml:"mobile_token_ttl"`
	CredentialTTL     Duration `yaml:"credential_ttl"`
	KeepAliveTick     Duration `yaml:"keepalive_tick"`
	KeepAlivePing     Duration `yaml:"keepalive_ping"`
	InactivityWindow  Duration `yaml:"inactivity_window"`
	SettleDelay       Duration `yaml:"settle_delay"`
	RefreshAttempts   int      `yaml:"refresh_attempts"`
	RefreshDelay      Duration `yaml:"refresh_delay"`
	HealthAttempts    int      `yaml:"health_attempts"`
	HealthDelay       Duration `yaml:"health_delay"`
	HealthBudget      Duration `yaml:"health_budget"`
	AuthGraceAttempts int      `yaml:"auth_grace_attempts"`
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		SessionTTL:        Duration(7 * 24 * time.Hour),
		MobileTokenTTL:    Duration(30 * 24 * time.Hour),
		CredentialTTL:     Duration(24 * time.Hour),
		KeepAliveTick:     Duration(time.Minute),
		KeepAlivePing:     Duration(5 * time.Minute),
		InactivityWindow:  Duration(30 * time.Minute),
		SettleDelay:       Duration(3 * time.Second),
		RefreshAttempts:   7,
		RefreshDelay:      Duration(3 * time.Second),
		HealthAttempts:    8,
		HealthDelay:       Duration(5 * time.Second),
		HealthBudget:      Duration(40 * time.Second),
		AuthGraceAttempts: 3,
	}
}

// Duration is a yaml-friendly time.Duration accepting "30m", "24h" etc.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	masterKeys := os.Getenv("CATNIP_MASTER_KEYS")
	if masterKeys == "" {
		return nil, fmt.Errorf("CATNIP_MASTER_KEYS is required")
	}

	clientID := os.Getenv("GITHUB_CLIENT_ID")
	clientSecret := os.Getenv("GITHUB_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET are required")
	}

	dbPath := os.Getenv("CATNIP_DB_PATH")
	if dbPath == "" {
		dbPath = "catnip.db"
	}

	listenAddr := os.Getenv("CATNIP_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	baseURL := strings.TrimRight(os.Getenv("CATNIP_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	port := github.DefaultCodespacePort
	if v := os.Getenv("CATNIP_CODESPACE_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("CATNIP_CODESPACE_PORT must be a valid port number")
		}
		port = p
	}

	var corsOrigins []string
	if v := os.Getenv("CATNIP_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				corsOrigins = append(corsOrigins, o)
			}
		}
	}

	tuning := DefaultTuning()
	if path := os.Getenv("CATNIP_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CATNIP_CONFIG: %w", err)
		}
		if err := yaml.Unmarshal(data, &tuning); err != nil {
			return nil, fmt.Errorf("parse CATNIP_CONFIG: %w", err)
		}
	}

	return &Config{
		MasterKeys:         masterKeys,
		DBPath:             dbPath,
		ListenAddr:         listenAddr,
		BaseURL:            baseURL,
		GitHubClientID:     clientID,
		GitHubClientSecret: clientSecret,
		GitHubAPIBaseURL:   os.Getenv("CATNIP_GITHUB_API_URL"),
		CodespacePort:      port,
		CORSOrigins:        corsOrigins,
		Tuning:             tuning,
	}, nil
}
