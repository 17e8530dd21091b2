// Package configstore holds the hot-reloadable collection tunables
// persisted in the punctuality_config table.
package configstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/transitpulse/punctuality-service/internal/common/logger"
	"github.com/transitpulse/punctuality-service/internal/punctuality"
)

// Persisted config keys.
const (
	KeyEarlyThreshold     = "early_threshold_seconds"
	KeyOnTimeThreshold    = "on_time_threshold_seconds"
	KeyVeryLateThreshold  = "very_late_threshold_seconds"
	KeyCollectionInterval = "collection_interval_minutes"
	KeyRetentionDays      = "data_retention_days"
)

// Source provides the raw key/value entries. The Postgres implementation
// is internal/store.
type Source interface {
	ConfigEntries(ctx context.Context) (map[string]string, error)
}

// Settings is the typed snapshot of all tunables.
type Settings struct {
	EarlyThresholdSeconds    int
	OnTimeThresholdSeconds   int
	VeryLateThresholdSeconds int
	CollectionInterval       time.Duration
	RetentionDays            int
}

func DefaultSettings() Settings {
	return Settings{
		EarlyThresholdSeconds:    60,
		OnTimeThresholdSeconds:   120,
		VeryLateThresholdSeconds: 300,
		CollectionInterval:       2 * time.Minute,
		RetentionDays:            90,
	}
}

// Thresholds returns the classification thresholds of this snapshot.
func (s Settings) Thresholds() punctuality.Thresholds {
	return punctuality.Thresholds{
		EarlySeconds:    s.EarlyThresholdSeconds,
		OnTimeSeconds:   s.OnTimeThresholdSeconds,
		VeryLateSeconds: s.VeryLateThresholdSeconds,
	}
}

// ConfigStore serves atomic settings snapshots. A failed or invalid
// reload keeps the last-known-good snapshot; the store never starts
// without a usable one because it is seeded with defaults.
type ConfigStore struct {
	source Source
	logger logger.Logger

	mu      sync.RWMutex
	current Settings
}

func New(source Source, log logger.Logger) *ConfigStore {
	return &ConfigStore{
		source:  source,
		logger:  log,
		current: DefaultSettings(),
	}
}

// Snapshot returns a copy of the current settings. Readers never see a
// partially applied reload.
func (c *ConfigStore) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Reload re-reads the source and swaps the snapshot. On a source error
// or an invalid threshold ordering the previous snapshot is retained and
// the error returned for the caller to log.
func (c *ConfigStore) Reload(ctx context.Context) error {
	entries, err := c.source.ConfigEntries(ctx)
	if err != nil {
		return fmt.Errorf("reading config source: %w", err)
	}

	next := DefaultSettings()
	next.EarlyThresholdSeconds = c.intEntry(entries, KeyEarlyThreshold, next.EarlyThresholdSeconds)
	next.OnTimeThresholdSeconds = c.intEntry(entries, KeyOnTimeThreshold, next.OnTimeThresholdSeconds)
	next.VeryLateThresholdSeconds = c.intEntry(entries, KeyVeryLateThreshold, next.VeryLateThresholdSeconds)
	next.RetentionDays = c.intEntry(entries, KeyRetentionDays, next.RetentionDays)

	intervalMinutes := c.intEntry(entries, KeyCollectionInterval, 2)
	if intervalMinutes <= 0 {
		c.logger.Warn("Non-positive collection interval, using default", "minutes", intervalMinutes)
		intervalMinutes = 2
	}
	next.CollectionInterval = time.Duration(intervalMinutes) * time.Minute

	if err := next.Thresholds().Validate(); err != nil {
		return fmt.Errorf("rejecting reloaded config: %w", err)
	}

	c.mu.Lock()
	c.current = next
	c.mu.Unlock()

	return nil
}

// intEntry parses one key with best-effort coercion: an absent or
// unparsable value falls back to the per-key default with a warning.
func (c *ConfigStore) intEntry(entries map[string]string, key string, fallback int) int {
	raw, ok := entries[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		// Some deployments store the value as a float string.
		if f, ferr := strconv.ParseFloat(raw, 64); ferr == nil {
			return int(f)
		}
		c.logger.Warn("Unparsable config value, using default",
			"key", key, "value", raw, "default", fallback)
		return fallback
	}
	return n
}
