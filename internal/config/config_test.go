package config

import (
	"testing"
	"time"

	"github.com/BTreeMap/UBCore/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"CMD_TRIGGER", "SUDO_TRIGGER", "MODE", "RACE_GRACE", "STALENESS_WINDOW", "OWNER_ID", "WHATSAPP_OWNER_ID", "TELEGRAM_OWNER_ID"} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CmdTrigger != "." || cfg.SudoTrigger != "!" {
		t.Errorf("unexpected triggers %q %q", cfg.CmdTrigger, cfg.SudoTrigger)
	}
	if cfg.Mode() != ModeDual {
		t.Errorf("expected dual mode, got %s", cfg.Mode())
	}
	if cfg.RaceGrace != 500*time.Millisecond || cfg.StalenessWindow != 6*time.Hour {
		t.Errorf("unexpected windows: grace=%v staleness=%v", cfg.RaceGrace, cfg.StalenessWindow)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CMD_TRIGGER", ",")
	t.Setenv("OWNER_ID", "12345")
	t.Setenv("MODE", "BOT")
	t.Setenv("SUDO", "true")
	t.Setenv("SUDO_USERS", "1,2")
	t.Setenv("SUPERUSERS", "3 4")
	t.Setenv("DISABLED_SUPERUSERS", "4")
	t.Setenv("RACE_GRACE", "0.2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CmdTrigger != "," {
		t.Errorf("expected trigger ',', got %q", cfg.CmdTrigger)
	}
	if !cfg.IsOwnerOn(models.NetworkTelegram, 12345) || cfg.IsOwnerOn(models.NetworkTelegram, 0) {
		t.Errorf("owner check failed")
	}
	if cfg.Mode() != ModeBot {
		t.Errorf("expected bot mode, got %s", cfg.Mode())
	}
	if !cfg.SudoEnabled() || !cfg.IsSudoUser(2) || cfg.IsSudoUser(3) {
		t.Errorf("sudo settings not applied")
	}
	if !cfg.IsSuperUser(3) || cfg.IsSuperUser(4) {
		t.Errorf("disabled super users must not be super users")
	}
	if cfg.RaceGrace != 200*time.Millisecond {
		t.Errorf("expected 200ms grace, got %v", cfg.RaceGrace)
	}
}

func TestOwnerPerNetwork(t *testing.T) {
	t.Setenv("OWNER_ID", "12345")
	t.Setenv("WHATSAPP_OWNER_ID", "15551234567")
	t.Setenv("TELEGRAM_OWNER_ID", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.OwnerOn(models.NetworkWhatsApp); got != 15551234567 {
		t.Errorf("expected WhatsApp owner 15551234567, got %d", got)
	}
	if got := cfg.OwnerOn(models.NetworkTelegram); got != 12345 {
		t.Errorf("expected Telegram owner to fall back to OWNER_ID, got %d", got)
	}
	if cfg.IsOwnerOn(models.NetworkWhatsApp, 12345) {
		t.Errorf("OWNER_ID must not match on a network with its own owner")
	}
	if !cfg.IsOwnerOn(models.NetworkWhatsApp, 15551234567) || cfg.IsOwnerOn(models.NetworkTelegram, 15551234567) {
		t.Errorf("owner ids must not leak across networks")
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	t.Setenv("MODE", "solo")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestSetMode(t *testing.T) {
	cfg := New()
	cfg.SetMode(ModeBot)
	if cfg.Mode() != ModeBot {
		t.Errorf("expected bot mode")
	}
	if _, err := ParseMode("dual"); err != nil {
		t.Errorf("dual must parse: %v", err)
	}
}
