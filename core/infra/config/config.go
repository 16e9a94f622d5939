package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultStore           = "memory"
	defaultTransport       = "nats"
	defaultSQLitePath      = "teamflow.db"
	defaultHTTPAddr        = ":8090"
	defaultSLASchedule     = "@every 30s"
	defaultBackfillTimeout = 5 * time.Second
	defaultBackfillRetries = 3

	envPeerID          = "TEAMFLOW_PEER_ID"
	envTeams           = "TEAMFLOW_TEAMS"
	envSyncSecret      = "TEAMFLOW_SYNC_SECRET"
	envStore           = "TEAMFLOW_STORE"
	envRedisURL        = "REDIS_URL"
	envSQLitePath      = "TEAMFLOW_SQLITE_PATH"
	envTransport       = "TEAMFLOW_TRANSPORT"
	envNATSURL         = "NATS_URL"
	envWSListen        = "TEAMFLOW_WS_LISTEN"
	envWSPeers         = "TEAMFLOW_WS_PEERS"
	envHTTPAddr        = "TEAMFLOW_HTTP_ADDR"
	envSLASchedule     = "TEAMFLOW_SLA_SCHEDULE"
	envBackfillTimeout = "TEAMFLOW_BACKFILL_TIMEOUT"
	envBackfillRetries = "TEAMFLOW_BACKFILL_RETRIES"
	envRosterPath      = "TEAMFLOW_ROSTER_PATH"
	envWorkflowsPath   = "TEAMFLOW_WORKFLOWS_PATH"
)

// Config holds runtime configuration for a peer daemon.
type Config struct {
	PeerID     string   `validate:"required"`
	Teams      []string `validate:"dive,required"`
	SyncSecret string

	Store      string `validate:"oneof=memory redis sqlite"`
	RedisURL   string `validate:"required_if=Store redis"`
	SQLitePath string `validate:"required_if=Store sqlite"`

	Transport string   `validate:"oneof=nats websocket channel"`
	NatsURL   string   `validate:"required_if=Transport nats"`
	WSListen  string
	WSPeers   []string `validate:"dive,required"`

	HTTPAddr        string
	SLASchedule     string        `validate:"required"`
	BackfillTimeout time.Duration `validate:"gt=0"`
	BackfillRetries int           `validate:"gte=0"`

	RosterPath    string
	WorkflowsPath string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load returns configuration using environment variables with sane defaults.
// Unparseable durations and counts fall back to their defaults.
func Load() *Config {
	peerID := strings.TrimSpace(os.Getenv(envPeerID))
	if peerID == "" {
		if host, err := os.Hostname(); err == nil {
			peerID = host
		}
	}

	store := strings.ToLower(strings.TrimSpace(os.Getenv(envStore)))
	if store == "" {
		store = defaultStore
	}
	redisURL := os.Getenv(envRedisURL)
	if redisURL == "" {
		redisURL = defaultRedisURL
	}
	sqlitePath := os.Getenv(envSQLitePath)
	if sqlitePath == "" {
		sqlitePath = defaultSQLitePath
	}

	transport := strings.ToLower(strings.TrimSpace(os.Getenv(envTransport)))
	if transport == "" {
		transport = defaultTransport
	}
	natsURL := os.Getenv(envNATSURL)
	if natsURL == "" {
		natsURL = defaultNATSURL
	}

	httpAddr := os.Getenv(envHTTPAddr)
	if httpAddr == "" {
		httpAddr = defaultHTTPAddr
	}
	slaSchedule := strings.TrimSpace(os.Getenv(envSLASchedule))
	if slaSchedule == "" {
		slaSchedule = defaultSLASchedule
	}

	backfillTimeout := defaultBackfillTimeout
	if v := strings.TrimSpace(os.Getenv(envBackfillTimeout)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			backfillTimeout = d
		}
	}
	backfillRetries := defaultBackfillRetries
	if v := strings.TrimSpace(os.Getenv(envBackfillRetries)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			backfillRetries = n
		}
	}

	return &Config{
		PeerID:          peerID,
		Teams:           splitList(os.Getenv(envTeams)),
		SyncSecret:      os.Getenv(envSyncSecret),
		Store:           store,
		RedisURL:        redisURL,
		SQLitePath:      sqlitePath,
		Transport:       transport,
		NatsURL:         natsURL,
		WSListen:        strings.TrimSpace(os.Getenv(envWSListen)),
		WSPeers:         splitList(os.Getenv(envWSPeers)),
		HTTPAddr:        httpAddr,
		SLASchedule:     slaSchedule,
		BackfillTimeout: backfillTimeout,
		BackfillRetries: backfillRetries,
		RosterPath:      strings.TrimSpace(os.Getenv(envRosterPath)),
		WorkflowsPath:   strings.TrimSpace(os.Getenv(envWorkflowsPath)),
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Teams) > 0 && c.SyncSecret == "" {
		return fmt.Errorf("invalid config: %s is required when teams are joined", envSyncSecret)
	}
	if c.Transport == "websocket" && c.WSListen == "" && len(c.WSPeers) == 0 {
		return fmt.Errorf("invalid config: websocket transport needs %s or %s", envWSListen, envWSPeers)
	}
	if _, err := cron.ParseStandard(c.SLASchedule); err != nil {
		return fmt.Errorf("invalid config: sla schedule %q: %w", c.SLASchedule, err)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
