package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.CheckpointDriver != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ReconnectGrace != 2*time.Minute || cfg.CheckpointInterval != 10*time.Second {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.AutoElectDirector {
		t.Fatalf("auto election must default off")
	}
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("BATTLESYNC_ADDR", ":9999")
	t.Setenv("BATTLESYNC_CHECKPOINT_DRIVER", "sqlite")
	t.Setenv("BATTLESYNC_CHECKPOINT_DSN", "/tmp/relay.db")
	t.Setenv("BATTLESYNC_AUTO_ELECT_DIRECTOR", "true")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.CheckpointDSN != "/tmp/relay.db" || !cfg.AutoElectDirector {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadServerRejectsUnknownDriver(t *testing.T) {
	t.Setenv("BATTLESYNC_CHECKPOINT_DRIVER", "redis")
	if _, err := LoadServer(); err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadServerRequiresDSN(t *testing.T) {
	t.Setenv("BATTLESYNC_CHECKPOINT_DRIVER", "postgres")
	if _, err := LoadServer(); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func TestLoadClientRequiresIdentity(t *testing.T) {
	if _, err := LoadClient(); err == nil {
		t.Fatal("expected missing session code error")
	}

	t.Setenv("BATTLESYNC_SESSION_CODE", "ABC123")
	t.Setenv("BATTLESYNC_PLAYER_ID", "p1")
	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxReconnectAttempts != 5 || cfg.ReconnectBaseDelay != time.Second || cfg.HistoryCap != 50 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadClientBadDuration(t *testing.T) {
	t.Setenv("BATTLESYNC_SESSION_CODE", "ABC123")
	t.Setenv("BATTLESYNC_PLAYER_ID", "p1")
	t.Setenv("BATTLESYNC_RECOVERY_WAIT", "soon")
	if _, err := LoadClient(); err == nil {
		t.Fatal("expected parse error")
	}
}
