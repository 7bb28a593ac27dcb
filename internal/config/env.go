package config

import (
	"fmt"
	"os"
	"time"
)

// applyEnv applies RIGS_* overrides on top of the file
func (c *Config) applyEnv() {
	if v := os.Getenv("RIGS_WORKSPACE"); v != "" {
		c.General.Workspace = v
	}
	if v := os.Getenv("RIGS_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("RIGS_POLL_INTERVAL"); v != "" {
		c.Foreman.PollInterval = Duration(parseDurationOrDefault(v, c.Foreman.PollInterval.Std()))
	}
	if v := os.Getenv("RIGS_MAX_CONCURRENT"); v != "" {
		c.Foreman.MaxConcurrent = parseIntOrDefault(v, c.Foreman.MaxConcurrent)
	}
	if v := os.Getenv("RIGS_MAX_ATTEMPTS"); v != "" {
		c.Foreman.MaxAttempts = parseIntOrDefault(v, c.Foreman.MaxAttempts)
	}
	if v := os.Getenv("RIGS_EXECUTOR_TIMEOUT"); v != "" {
		c.Foreman.ExecutorTimeout = Duration(parseDurationOrDefault(v, c.Foreman.ExecutorTimeout.Std()))
	}
	if v := os.Getenv("RIGS_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("DBOS_SYSTEM_DATABASE_URL"); v != "" {
		c.Foreman.DurableDatabaseURL = v
	}
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
