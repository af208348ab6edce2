package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "BATTLESYNC_"

type Server struct {
	Addr               string        `env:"ADDR" envDefault:":8080"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	Dev                bool          `env:"DEV" envDefault:"false"`
	CheckpointDriver   string        `env:"CHECKPOINT_DRIVER" envDefault:"memory"`
	CheckpointDSN      string        `env:"CHECKPOINT_DSN"`
	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"10s"`
	ReconnectGrace     time.Duration `env:"RECONNECT_GRACE" envDefault:"2m"`
	TurnWatchdogSlack  time.Duration `env:"TURN_WATCHDOG_SLACK" envDefault:"5s"`
	AutoElectDirector  bool          `env:"AUTO_ELECT_DIRECTOR" envDefault:"false"`
	InboundRate        float64       `env:"INBOUND_RATE" envDefault:"20"`
	InboundBurst       int           `env:"INBOUND_BURST" envDefault:"40"`
	OTelEndpoint       string        `env:"OTEL_ENDPOINT"`
}

type Client struct {
	ServerURL            string        `env:"SERVER_URL" envDefault:"ws://localhost:8080/ws"`
	SessionCode          string        `env:"SESSION_CODE"`
	PlayerID             string        `env:"PLAYER_ID"`
	PlayerName           string        `env:"PLAYER_NAME"`
	Team                 string        `env:"TEAM"`
	Director             bool          `env:"DIRECTOR" envDefault:"false"`
	StatePath            string        `env:"STATE_PATH" envDefault:"battlesync.db"`
	PersistInterval      time.Duration `env:"PERSIST_INTERVAL" envDefault:"30s"`
	RecoveryWait         time.Duration `env:"RECOVERY_WAIT" envDefault:"5s"`
	MaxReconnectAttempts uint          `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"5s"`
	HistoryCap           int           `env:"HISTORY_CAP" envDefault:"50"`
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	Dev                  bool          `env:"DEV" envDefault:"false"`
}

func LoadServer() (Server, error) {
	var cfg Server
	if err := load(&cfg); err != nil {
		return Server{}, err
	}
	switch cfg.CheckpointDriver {
	case "memory", "sqlite", "postgres":
	default:
		return Server{}, fmt.Errorf("parse env: unknown checkpoint driver %q", cfg.CheckpointDriver)
	}
	if cfg.CheckpointDriver != "memory" && cfg.CheckpointDSN == "" {
		return Server{}, fmt.Errorf("parse env: %sCHECKPOINT_DSN is required for %s", envPrefix, cfg.CheckpointDriver)
	}
	return cfg, nil
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := load(&cfg); err != nil {
		return Client{}, err
	}
	if cfg.SessionCode == "" || cfg.PlayerID == "" {
		return Client{}, fmt.Errorf("parse env: %sSESSION_CODE and %sPLAYER_ID are required", envPrefix, envPrefix)
	}
	return cfg, nil
}

// load reads an optional .env file, then parses prefixed variables into target.
func load(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.ParseWithOptions(target, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
