package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
[store]
uri = "mongodb://db.internal:27017"
database = "agent_network"
connect_timeout = "5s"
max_pool_size = 20

[queue]
url = "amqp://rabbit.internal:5672/"
queues = ["coordinator", "worker"]
heartbeat = "15s"

[txn]
max_attempts = 5
retry_delay = "250ms"

[check]
sample_limit = 500

[sync]
interval = "30s"
stall_timeout = "2h"
heartbeat_timeout = "120s"
worker_queue = "worker"

[recovery]
check_interval = "10s"
max_retries = 4
backoff_cap = "30s"
agent_queues = ["worker"]

[agents]
ids = ["manager", "developer-1"]
heartbeat_timeout = "300s"
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	sc := cfg.StoreConfig()
	if sc.URI != "mongodb://db.internal:27017" {
		t.Errorf("store uri = %q", sc.URI)
	}
	if sc.ConnectTimeout != 5*time.Second {
		t.Errorf("connect timeout = %v, want 5s", sc.ConnectTimeout)
	}
	if sc.MaxPoolSize != 20 {
		t.Errorf("max pool size = %d, want 20", sc.MaxPoolSize)
	}

	qc := cfg.QueueConfig()
	if len(qc.Queues) != 2 || qc.Queues[1] != "worker" {
		t.Errorf("queues = %v", qc.Queues)
	}
	if qc.Heartbeat != 15*time.Second {
		t.Errorf("heartbeat = %v, want 15s", qc.Heartbeat)
	}

	tc := cfg.TxnConfig()
	if tc.MaxAttempts != 5 || tc.RetryDelay != 250*time.Millisecond {
		t.Errorf("txn config = %+v", tc)
	}

	yc := cfg.SyncConfig()
	if yc.SyncInterval != 30*time.Second || yc.StallTimeout != 2*time.Hour {
		t.Errorf("sync config = %+v", yc)
	}
	if yc.HeartbeatTimeout != 120*time.Second {
		t.Errorf("sync heartbeat timeout = %v", yc.HeartbeatTimeout)
	}

	rc := cfg.RecoveryConfig()
	if rc.CheckInterval != 10*time.Second || rc.MaxRetries != 4 {
		t.Errorf("recovery config = %+v", rc)
	}
	if rc.BackoffCap != 30*time.Second {
		t.Errorf("backoff cap = %v", rc.BackoffCap)
	}

	if len(cfg.Agents.IDs) != 2 || cfg.Agents.IDs[0] != "manager" {
		t.Errorf("agents = %v", cfg.Agents.IDs)
	}
	if cfg.CheckConfig().SampleLimit != 500 {
		t.Errorf("sample limit = %d", cfg.CheckConfig().SampleLimit)
	}
	if roster := cfg.CheckConfig().AgentRoster; len(roster) != 2 || roster[0] != "manager" {
		t.Errorf("agent roster = %v", roster)
	}
}

func TestParseEmptyConfigYieldsZeroValues(t *testing.T) {
	cfg, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Consumers apply their own defaults over the zero value.
	if got := cfg.TxnConfig(); got.MaxAttempts != 0 {
		t.Errorf("max attempts = %d, want 0 before defaults", got.MaxAttempts)
	}
	if got := cfg.StoreConfig(); got.URI != "" {
		t.Errorf("uri = %q, want empty before defaults", got.URI)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse("[store]\nhost = \"db\"\n"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	if _, err := Parse("[sync]\ninterval = \"soon\"\n"); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatalf("Load returned nil config")
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconcile.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Database != "agent_network" {
		t.Errorf("database = %q", cfg.Store.Database)
	}
}
