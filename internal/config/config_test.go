package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("FOLLOW_UP_PROCEDURES", "")
	t.Setenv("SCENARIO_BARE_OFFSET_UNIT", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.QueueBackend != "redis" {
		t.Fatalf("expected redis queue backend, got %s", cfg.QueueBackend)
	}
	if cfg.SweepInterval != 30*time.Minute {
		t.Fatalf("expected 30m sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.PurgeAfter != 30*24*time.Hour {
		t.Fatalf("expected 30 day purge window, got %s", cfg.PurgeAfter)
	}
	if cfg.BareOffsetUnit != time.Hour {
		t.Fatalf("expected bare offsets in hours, got %s", cfg.BareOffsetUnit)
	}
	if cfg.JobTimeout != 300*time.Second || cfg.KeepResult != time.Hour || cfg.WorkerMaxJobs != 100 {
		t.Fatalf("unexpected worker defaults: %+v", cfg)
	}
	if len(cfg.FollowUpProcedures) != 3 || cfg.FollowUpProcedures[0] != 4332 {
		t.Fatalf("unexpected follow-up procedures %v", cfg.FollowUpProcedures)
	}
	if cfg.PregnancyTestProcedure != 4331 || cfg.FollowUpStage != 6 {
		t.Fatalf("unexpected pregnancy test defaults: %d stage %d", cfg.PregnancyTestProcedure, cfg.FollowUpStage)
	}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC location by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9091")
	t.Setenv("QUEUE_BACKEND", " SQS ")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("SCENARIO_BARE_OFFSET_UNIT", "24h")
	t.Setenv("FOLLOW_UP_PROCEDURES", "10, 11")
	t.Setenv("DISCARD_STALE_JOBS", "true")
	t.Setenv("CLINIC_TZ", "Europe/Moscow")
	cfg := Load()
	if cfg.Port != "9091" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.QueueBackend != "sqs" {
		t.Fatalf("expected normalized sqs backend, got %q", cfg.QueueBackend)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if cfg.BareOffsetUnit != 24*time.Hour {
		t.Fatalf("expected day unit override, got %s", cfg.BareOffsetUnit)
	}
	if len(cfg.FollowUpProcedures) != 2 || cfg.FollowUpProcedures[1] != 11 {
		t.Fatalf("unexpected follow-up override %v", cfg.FollowUpProcedures)
	}
	if !cfg.DiscardStaleJobs {
		t.Fatalf("expected stale job discard enabled")
	}
	if cfg.Location().String() != "Europe/Moscow" {
		t.Fatalf("expected Moscow location, got %s", cfg.Location())
	}
}

func TestInt64ListKeepsDefaultOnGarbage(t *testing.T) {
	t.Setenv("FOLLOW_UP_PROCEDURES", "1,abc")
	cfg := Load()
	if len(cfg.FollowUpProcedures) != 3 {
		t.Fatalf("expected default list, got %v", cfg.FollowUpProcedures)
	}
}

func TestCORSOriginsList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://admin.clinic ,, http://localhost:3000")
	cfg := Load()
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %v", cfg.CORSAllowedOrigins)
	}
	if cfg.ManualSendPerMinute != 20 || cfg.ManualSendBurst != 5 {
		t.Fatalf("unexpected manual send limits %d/%d", cfg.ManualSendPerMinute, cfg.ManualSendBurst)
	}
}
