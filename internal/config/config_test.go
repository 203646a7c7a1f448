package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected server port: %d", cfg.Server.Port)
	}
	if cfg.Engine.DefaultMaxExecutionsPerHour != 100 || cfg.Engine.DefaultExecutionTimeout != 300 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.ReloadInterval != 60*time.Second {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Webhook.Timeout != 10*time.Second {
		t.Fatalf("unexpected webhook timeout: %v", cfg.Webhook.Timeout)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoadFromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("server.port", 9090)
	viper.Set("database.host", "db.internal")
	viper.Set("engine.defaultmaxexecutionsperhour", 10)
	viper.Set("scheduler.enabled", false)

	cfg := Load()
	if cfg.Server.Port != 9090 {
		t.Fatalf("server.port not loaded: %d", cfg.Server.Port)
	}
	if cfg.Database.Host != "db.internal" {
		t.Fatalf("database.host not loaded: %s", cfg.Database.Host)
	}
	if cfg.Engine.DefaultMaxExecutionsPerHour != 10 {
		t.Fatalf("engine override not loaded: %d", cfg.Engine.DefaultMaxExecutionsPerHour)
	}
	if cfg.Scheduler.Enabled {
		t.Fatal("scheduler.enabled override not loaded")
	}
}

func TestInitLogger_InvalidLevelFallsBack(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Level = "chatty"
	cfg.Log.Output = "stdout"
	if err := InitLogger(cfg); err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
}
