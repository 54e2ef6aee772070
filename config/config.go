// Package config loads the subsystem's TOML configuration and converts
// it into the per-package Config structs. Every field has a default
// that matches the running system's conventions, so an empty file (or
// no file at all) yields a working local setup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/agentnet/reconcile/check"
	"github.com/agentnet/reconcile/queue"
	"github.com/agentnet/reconcile/recovery"
	"github.com/agentnet/reconcile/statesync"
	"github.com/agentnet/reconcile/store"
	"github.com/agentnet/reconcile/txn"
)

// Duration wraps time.Duration so TOML values can be written as
// strings like "30s" or "1h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for toml.Decode.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config is the full TOML file.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Queue    QueueConfig    `toml:"queue"`
	Txn      TxnConfig      `toml:"txn"`
	Check    CheckConfig    `toml:"check"`
	Sync     SyncConfig     `toml:"sync"`
	Recovery RecoveryConfig `toml:"recovery"`
	Agents   AgentsConfig   `toml:"agents"`
}

type StoreConfig struct {
	URI            string   `toml:"uri"`
	Database       string   `toml:"database"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	MaxPoolSize    uint64   `toml:"max_pool_size"`
}

type QueueConfig struct {
	URL       string   `toml:"url"`
	Queues    []string `toml:"queues"`
	Heartbeat Duration `toml:"heartbeat"`
}

type TxnConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	RetryDelay   Duration `toml:"retry_delay"`
	HistoryLimit int      `toml:"history_limit"`
}

type CheckConfig struct {
	SampleLimit int `toml:"sample_limit"`
}

type SyncConfig struct {
	Interval         Duration `toml:"interval"`
	StallTimeout     Duration `toml:"stall_timeout"`
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
	Queues           []string `toml:"queues"`
	WorkerQueue      string   `toml:"worker_queue"`
	PeekLimit        int      `toml:"peek_limit"`
}

type RecoveryConfig struct {
	CheckInterval Duration `toml:"check_interval"`
	MaxRetries    int      `toml:"max_retries"`
	BackoffCap    Duration `toml:"backoff_cap"`
	AgentQueues   []string `toml:"agent_queues"`
}

// AgentsConfig names the agent processes the recovery manager watches.
type AgentsConfig struct {
	IDs              []string `toml:"ids"`
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
}

// Load reads path and decodes it. A missing file is not an error; the
// zero Config stands in and every consumer applies its defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content into a Config.
func Parse(content string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return cfg, nil
}

// StoreConfig converts to the store gateway's config.
func (c *Config) StoreConfig() store.MongoConfig {
	return store.MongoConfig{
		URI:            c.Store.URI,
		Database:       c.Store.Database,
		ConnectTimeout: c.Store.ConnectTimeout.Duration,
		MaxPoolSize:    c.Store.MaxPoolSize,
	}
}

// QueueConfig converts to the broker gateway's config.
func (c *Config) QueueConfig() queue.AMQPConfig {
	return queue.AMQPConfig{
		URL:       c.Queue.URL,
		Queues:    c.Queue.Queues,
		Heartbeat: c.Queue.Heartbeat.Duration,
	}
}

// TxnConfig converts to the transaction coordinator's config.
func (c *Config) TxnConfig() txn.Config {
	return txn.Config{
		MaxAttempts:  c.Txn.MaxAttempts,
		RetryDelay:   c.Txn.RetryDelay.Duration,
		HistoryLimit: c.Txn.HistoryLimit,
	}
}

// CheckConfig converts to the consistency checker's config. The agent
// roster doubles as the closed set for agent_id validation.
func (c *Config) CheckConfig() check.Config {
	return check.Config{
		SampleLimit: c.Check.SampleLimit,
		AgentRoster: c.Agents.IDs,
	}
}

// SyncConfig converts to the state synchronization service's config.
func (c *Config) SyncConfig() statesync.Config {
	return statesync.Config{
		SyncInterval:     c.Sync.Interval.Duration,
		StallTimeout:     c.Sync.StallTimeout.Duration,
		HeartbeatTimeout: c.Sync.HeartbeatTimeout.Duration,
		Queues:           c.Sync.Queues,
		WorkerQueue:      c.Sync.WorkerQueue,
		PeekLimit:        c.Sync.PeekLimit,
	}
}

// RecoveryConfig converts to the recovery manager's config.
func (c *Config) RecoveryConfig() recovery.Config {
	return recovery.Config{
		CheckInterval: c.Recovery.CheckInterval.Duration,
		MaxRetries:    c.Recovery.MaxRetries,
		BackoffCap:    c.Recovery.BackoffCap.Duration,
		AgentQueues:   c.Recovery.AgentQueues,
	}
}
