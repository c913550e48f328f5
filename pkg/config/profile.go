package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/audit"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/batch"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/channel"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/outbox"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/saga"
	"github.com/TrigintaFaces/excalibur-dispatch/pkg/waitstrategy"
)

// Profile carries the tunable option surface for one deployment flavour.
// Profiles live as profile_<name>.yaml files and are schema-validated on
// load; zero values fall back to the package defaults of each component.
type Profile struct {
	Name     string         `yaml:"name" json:"name"`
	Outbox   OutboxConfig   `yaml:"outbox" json:"outbox"`
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`
	Saga     SagaConfig     `yaml:"saga" json:"saga"`
	Audit    AuditConfig    `yaml:"audit" json:"audit"`
}

// OutboxConfig tunes the outbox processing loop.
type OutboxConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	PollingIntervalMs int  `yaml:"polling_interval_ms,omitempty" json:"polling_interval_ms,omitempty"`
	BatchSize         int  `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	MaxRetries        int  `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	ProcessScheduled  bool `yaml:"process_scheduled" json:"process_scheduled"`
	RetryFailed       bool `yaml:"retry_failed" json:"retry_failed"`
}

// PipelineConfig tunes the in-process dispatch pipeline.
type PipelineConfig struct {
	ChannelCapacity int    `yaml:"channel_capacity,omitempty" json:"channel_capacity,omitempty"`
	FullMode        string `yaml:"full_mode,omitempty" json:"full_mode,omitempty"`
	WaitStrategy    string `yaml:"wait_strategy,omitempty" json:"wait_strategy,omitempty"`
	MaxBatchSize    int    `yaml:"max_batch_size,omitempty" json:"max_batch_size,omitempty"`
	MaxBatchDelayMs int    `yaml:"max_batch_delay_ms,omitempty" json:"max_batch_delay_ms,omitempty"`
	Lanes           int    `yaml:"lanes,omitempty" json:"lanes,omitempty"`
	LaneCapacity    int    `yaml:"lane_capacity,omitempty" json:"lane_capacity,omitempty"`
}

// SagaConfig tunes saga timeout delivery and the state cache overlay.
type SagaConfig struct {
	TimeoutPollIntervalMs int  `yaml:"timeout_poll_interval_ms,omitempty" json:"timeout_poll_interval_ms,omitempty"`
	TimeoutBatchSize      int  `yaml:"timeout_batch_size,omitempty" json:"timeout_batch_size,omitempty"`
	VerboseTimeoutLogs    bool `yaml:"verbose_timeout_logs" json:"verbose_timeout_logs"`
	CacheEnabled          bool `yaml:"cache_enabled" json:"cache_enabled"`
	CacheSizeLimit        int  `yaml:"cache_size_limit,omitempty" json:"cache_size_limit,omitempty"`
	CacheTTLSeconds       int  `yaml:"cache_ttl_seconds,omitempty" json:"cache_ttl_seconds,omitempty"`
	ActiveTTLSeconds      int  `yaml:"active_ttl_seconds,omitempty" json:"active_ttl_seconds,omitempty"`
	CompletedTTLSeconds   int  `yaml:"completed_ttl_seconds,omitempty" json:"completed_ttl_seconds,omitempty"`
	InvalidateOnUpdate    bool `yaml:"invalidate_on_update" json:"invalidate_on_update"`
	StuckThresholdMinutes int  `yaml:"stuck_threshold_minutes,omitempty" json:"stuck_threshold_minutes,omitempty"`
}

// AuditConfig tunes retention and alerting.
type AuditConfig struct {
	RetentionDays        int      `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
	CleanupIntervalHours int      `yaml:"cleanup_interval_hours,omitempty" json:"cleanup_interval_hours,omitempty"`
	RetentionBatchSize   int      `yaml:"retention_batch_size,omitempty" json:"retention_batch_size,omitempty"`
	ArchiveBeforeDelete  bool     `yaml:"archive_before_delete" json:"archive_before_delete"`
	ArchiveBucket        string   `yaml:"archive_bucket,omitempty" json:"archive_bucket,omitempty"`
	ArchiveRegion        string   `yaml:"archive_region,omitempty" json:"archive_region,omitempty"`
	MaxAlertsPerMinute   int      `yaml:"max_alerts_per_minute,omitempty" json:"max_alerts_per_minute,omitempty"`
	AlertMode            string   `yaml:"alert_mode,omitempty" json:"alert_mode,omitempty"`
	ReaderRoles          []string `yaml:"reader_roles,omitempty" json:"reader_roles,omitempty"`
}

// profileSchema validates the shape of a profile file before it is mapped
// onto option structs. Values out of range fail load, not runtime.
const profileSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"outbox": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"polling_interval_ms": {"type": "integer", "minimum": 1},
				"batch_size": {"type": "integer", "minimum": 1},
				"max_retries": {"type": "integer", "minimum": 0},
				"process_scheduled": {"type": "boolean"},
				"retry_failed": {"type": "boolean"}
			},
			"additionalProperties": false
		},
		"pipeline": {
			"type": "object",
			"properties": {
				"channel_capacity": {"type": "integer", "minimum": 0},
				"full_mode": {"enum": ["wait", "drop_newest", "drop_oldest"]},
				"wait_strategy": {"enum": ["spin", "yield", "park", "hybrid"]},
				"max_batch_size": {"type": "integer", "minimum": 1},
				"max_batch_delay_ms": {"type": "integer", "minimum": 1},
				"lanes": {"type": "integer", "minimum": 1},
				"lane_capacity": {"type": "integer", "minimum": 1}
			},
			"additionalProperties": false
		},
		"saga": {
			"type": "object",
			"properties": {
				"timeout_poll_interval_ms": {"type": "integer", "minimum": 1},
				"timeout_batch_size": {"type": "integer", "minimum": 1},
				"verbose_timeout_logs": {"type": "boolean"},
				"cache_enabled": {"type": "boolean"},
				"cache_size_limit": {"type": "integer", "minimum": 0},
				"cache_ttl_seconds": {"type": "integer", "minimum": 1},
				"active_ttl_seconds": {"type": "integer", "minimum": 1},
				"completed_ttl_seconds": {"type": "integer", "minimum": 1},
				"invalidate_on_update": {"type": "boolean"},
				"stuck_threshold_minutes": {"type": "integer", "minimum": 1}
			},
			"additionalProperties": false
		},
		"audit": {
			"type": "object",
			"properties": {
				"retention_days": {"type": "integer", "minimum": 1},
				"cleanup_interval_hours": {"type": "integer", "minimum": 1},
				"retention_batch_size": {"type": "integer", "minimum": 1},
				"archive_before_delete": {"type": "boolean"},
				"archive_bucket": {"type": "string"},
				"archive_region": {"type": "string"},
				"max_alerts_per_minute": {"type": "integer", "minimum": 1},
				"alert_mode": {"enum": ["realtime", "batch"]},
				"reader_roles": {"type": "array", "items": {"type": "string"}}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

var compiledProfileSchema = jsonschema.MustCompileString(
	"https://dispatch.schemas.local/profile.schema.json", profileSchema)

// validateProfile checks raw YAML content against the embedded schema. The
// YAML document is round-tripped through JSON so the validator sees plain
// JSON types.
func validateProfile(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse profile: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalise profile: %w", err)
	}
	var normalised any
	if err := json.Unmarshal(raw, &normalised); err != nil {
		return fmt.Errorf("normalise profile: %w", err)
	}
	if err := compiledProfileSchema.Validate(normalised); err != nil {
		return fmt.Errorf("profile schema: %w", err)
	}
	return nil
}

// LoadProfile loads and validates profile_<name>.yaml from profilesDir.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	return ParseProfile(data, name)
}

// ParseProfile validates and decodes one profile document.
func ParseProfile(data []byte, fallbackName string) (*Profile, error) {
	if err := validateProfile(data); err != nil {
		return nil, err
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if profile.Name == "" {
		profile.Name = fallbackName
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by name.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		base := filepath.Base(path)
		name := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		profile, err := ParseProfile(data, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		profiles[profile.Name] = profile
	}
	return profiles, nil
}

// ApplyEnvOverrides lets a handful of hot knobs be flipped per-process
// without editing the profile file.
func (p *Profile) ApplyEnvOverrides() {
	p.Outbox.BatchSize = envInt("OUTBOX_BATCH_SIZE", p.Outbox.BatchSize)
	p.Outbox.PollingIntervalMs = envInt("OUTBOX_POLL_MS", p.Outbox.PollingIntervalMs)
	p.Saga.TimeoutPollIntervalMs = envInt("SAGA_TIMEOUT_POLL_MS", p.Saga.TimeoutPollIntervalMs)
	p.Audit.MaxAlertsPerMinute = envInt("AUDIT_MAX_ALERTS_PER_MINUTE", p.Audit.MaxAlertsPerMinute)
}

// OutboxOptions maps the profile onto the processing loop options.
func (p *Profile) OutboxOptions() outbox.ProcessingOptions {
	opts := outbox.DefaultProcessingOptions()
	opts.Enabled = p.Outbox.Enabled
	opts.ProcessScheduledMessages = p.Outbox.ProcessScheduled
	opts.RetryFailedMessages = p.Outbox.RetryFailed
	if p.Outbox.PollingIntervalMs > 0 {
		opts.PollingInterval = time.Duration(p.Outbox.PollingIntervalMs) * time.Millisecond
	}
	if p.Outbox.BatchSize > 0 {
		opts.BatchSize = p.Outbox.BatchSize
	}
	if p.Outbox.MaxRetries > 0 {
		opts.MaxRetries = p.Outbox.MaxRetries
	}
	return opts
}

// ChannelOptions maps the profile onto dispatch channel options.
func (p *Profile) ChannelOptions() channel.Options {
	opts := channel.Options{Capacity: p.Pipeline.ChannelCapacity}
	switch p.Pipeline.FullMode {
	case "drop_newest":
		opts.FullMode = channel.FullModeDropNewest
	case "drop_oldest":
		opts.FullMode = channel.FullModeDropOldest
	default:
		opts.FullMode = channel.FullModeWait
	}
	switch p.Pipeline.WaitStrategy {
	case "spin":
		opts.WaitStrategy = waitstrategy.NewSpin()
	case "yield":
		opts.WaitStrategy = waitstrategy.NewYield()
	case "park":
		opts.WaitStrategy = waitstrategy.NewPark()
	case "hybrid":
		opts.WaitStrategy = waitstrategy.NewHybrid()
	}
	return opts
}

// BatchOptions maps the profile onto batch processor options.
func (p *Profile) BatchOptions() batch.Options {
	opts := batch.Options{
		MaxBatchSize:  100,
		MaxBatchDelay: 50 * time.Millisecond,
	}
	if p.Pipeline.MaxBatchSize > 0 {
		opts.MaxBatchSize = p.Pipeline.MaxBatchSize
	}
	if p.Pipeline.MaxBatchDelayMs > 0 {
		opts.MaxBatchDelay = time.Duration(p.Pipeline.MaxBatchDelayMs) * time.Millisecond
	}
	return opts
}

// LaneOptions maps the profile onto worker lane options.
func (p *Profile) LaneOptions() batch.LaneOptions {
	return batch.LaneOptions{
		Lanes:        p.Pipeline.Lanes,
		LaneCapacity: p.Pipeline.LaneCapacity,
	}
}

// DeliveryOptions maps the profile onto saga timeout delivery options.
func (p *Profile) DeliveryOptions() saga.DeliveryOptions {
	opts := saga.DefaultDeliveryOptions()
	opts.EnableVerboseLogging = p.Saga.VerboseTimeoutLogs
	if p.Saga.TimeoutPollIntervalMs > 0 {
		opts.PollInterval = time.Duration(p.Saga.TimeoutPollIntervalMs) * time.Millisecond
	}
	if p.Saga.TimeoutBatchSize > 0 {
		opts.BatchSize = p.Saga.TimeoutBatchSize
	}
	return opts
}

// CacheOptions maps the profile onto the saga state cache overlay.
func (p *Profile) CacheOptions() saga.CacheOptions {
	opts := saga.DefaultCacheOptions()
	opts.EnableCaching = p.Saga.CacheEnabled
	opts.UseLocalCache = p.Saga.CacheEnabled
	opts.InvalidateCacheOnUpdate = p.Saga.InvalidateOnUpdate
	if p.Saga.CacheSizeLimit > 0 {
		opts.LocalCacheSizeLimit = p.Saga.CacheSizeLimit
	}
	if p.Saga.CacheTTLSeconds > 0 {
		opts.DefaultCacheTTL = time.Duration(p.Saga.CacheTTLSeconds) * time.Second
	}
	if p.Saga.ActiveTTLSeconds > 0 {
		opts.ActiveSagaCacheTTL = time.Duration(p.Saga.ActiveTTLSeconds) * time.Second
	}
	if p.Saga.CompletedTTLSeconds > 0 {
		opts.CompletedSagaCacheTTL = time.Duration(p.Saga.CompletedTTLSeconds) * time.Second
	}
	return opts
}

// StuckThreshold is the age past which an incomplete saga counts as stuck.
func (p *Profile) StuckThreshold() time.Duration {
	if p.Saga.StuckThresholdMinutes > 0 {
		return time.Duration(p.Saga.StuckThresholdMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// RetentionOptions maps the profile onto audit retention options.
func (p *Profile) RetentionOptions() audit.RetentionOptions {
	opts := audit.DefaultRetentionOptions()
	opts.ArchiveBeforeDelete = p.Audit.ArchiveBeforeDelete
	if p.Audit.RetentionDays > 0 {
		opts.RetentionPeriod = time.Duration(p.Audit.RetentionDays) * 24 * time.Hour
	}
	if p.Audit.CleanupIntervalHours > 0 {
		opts.CleanupInterval = time.Duration(p.Audit.CleanupIntervalHours) * time.Hour
	}
	if p.Audit.RetentionBatchSize > 0 {
		opts.BatchSize = p.Audit.RetentionBatchSize
	}
	return opts
}

// AlertOptions maps the profile onto alert engine options.
func (p *Profile) AlertOptions() audit.AlertEngineOptions {
	opts := audit.AlertEngineOptions{
		MaxAlertsPerMinute: p.Audit.MaxAlertsPerMinute,
	}
	if p.Audit.AlertMode == "batch" {
		opts.Mode = audit.AlertModeBatch
	}
	return opts
}

// GuardOptions maps the profile onto the audit read guard options.
func (p *Profile) GuardOptions() audit.GuardOptions {
	return audit.GuardOptions{AllowedRoles: p.Audit.ReaderRoles}
}
