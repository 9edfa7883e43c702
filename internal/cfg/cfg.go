package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds the application-level settings that do not belong to a
// go-core package config.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	IndexerEndpoint     string
	IndexerUsername     string
	IndexerPassword     string
	IndexerIndexPattern string

	PollIntervalSeconds int
	HeartbeatSeconds    int
	LookbackSeconds     int
	StreamBatchSize     int
	StreamDefaultLevel  int

	ClaudeAPIKey    string
	ClaudeModel     string
	DatabaseURL     string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")
	fs.StringVar(&c.IndexerEndpoint, "indexer-endpoint", "", "alert indexer endpoint, e.g. https://indexer:9200 (empty = stream reports unavailable)")
	fs.StringVar(&c.IndexerUsername, "indexer-username", "", "alert indexer basic auth username")
	fs.StringVar(&c.IndexerPassword, "indexer-password", "", "alert indexer basic auth password")
	fs.StringVar(&c.IndexerIndexPattern, "indexer-index-pattern", "wazuh-alerts-*", "index pattern queried for alerts")
	fs.IntVar(&c.PollIntervalSeconds, "poll-interval-seconds", 10, "shared poll interval for the alert stream (min 5)")
	fs.IntVar(&c.HeartbeatSeconds, "heartbeat-seconds", 30, "per-session heartbeat interval for the alert stream")
	fs.IntVar(&c.LookbackSeconds, "lookback-seconds", 300, "lookback window for the first poll after the stream was idle")
	fs.IntVar(&c.StreamBatchSize, "stream-batch-size", 50, "max alerts fetched per poll tick")
	fs.IntVar(&c.StreamDefaultLevel, "stream-default-level", 12, "default subscriber severity threshold (1..15)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the triage archive (empty = no archive)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for triage notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Poll interval is floor-bounded to protect the upstream store
	if c.PollIntervalSeconds < 5 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL_SECONDS %d (must be >= 5)", c.PollIntervalSeconds))
	}
	if c.HeartbeatSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid HEARTBEAT_SECONDS %d (must be > 0)", c.HeartbeatSeconds))
	}
	if c.LookbackSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid LOOKBACK_SECONDS %d (must be > 0)", c.LookbackSeconds))
	}
	if c.StreamBatchSize <= 0 || c.StreamBatchSize > 500 {
		errs = append(errs, fmt.Errorf("invalid STREAM_BATCH_SIZE %d (must be 1..500)", c.StreamBatchSize))
	}
	if c.StreamDefaultLevel < 1 || c.StreamDefaultLevel > 15 {
		errs = append(errs, fmt.Errorf("invalid STREAM_DEFAULT_LEVEL %d (must be 1..15)", c.StreamDefaultLevel))
	}

	// Claude API key is required for the analysis pipeline
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}

	// Claude model is required for LLM access
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
