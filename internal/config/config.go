// Package config loads the enumerated options in the external-interfaces
// contract from an optional YAML file, with CLI flags layered on top as
// overrides, using gopkg.in/yaml.v3 for the file format.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider selects the persistence backend.
type Provider string

const (
	ProviderRewrite    Provider = "rewrite"
	ProviderEventStore Provider = "event_store"
)

// Config holds every option enumerated in the external-interfaces
// contract, each with its documented default.
type Config struct {
	Provider            Provider `yaml:"provider"`
	MinSimilarityScore  float64  `yaml:"min_similarity_score"`
	TopKCandidates      int      `yaml:"top_k_candidates"`
	UndoStackDepth      int      `yaml:"undo_stack_depth"`
	OversizeRecordBytes int      `yaml:"oversize_record_bytes"`
	BackupDir           string   `yaml:"backup_dir"`
	CacheDir            string   `yaml:"cache_dir"`
	EventStoreEndpoint  string   `yaml:"event_store_endpoint"`
	OperatorID          string   `yaml:"operator_id"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Provider:            ProviderRewrite,
		MinSimilarityScore:  0.15,
		TopKCandidates:      5,
		UndoStackDepth:      10,
		OversizeRecordBytes: 33_554_432,
		BackupDir:           ".logrepair/backups",
		CacheDir:            ".logrepair/cache",
		OperatorID:          "system",
	}
}

// Load reads path (if non-empty and present) over the defaults. A missing
// path is not an error: the caller gets Default() back, matching the CLI's
// "config file is optional" contract.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyOverrides layers non-zero-value overrides (typically parsed from
// CLI flags) on top of the loaded config.
func (c Config) ApplyOverrides(o Overrides) Config {
	if o.Provider != "" {
		c.Provider = o.Provider
	}
	if o.MinSimilarityScore != nil {
		c.MinSimilarityScore = *o.MinSimilarityScore
	}
	if o.TopKCandidates != nil {
		c.TopKCandidates = *o.TopKCandidates
	}
	if o.UndoStackDepth != nil {
		c.UndoStackDepth = *o.UndoStackDepth
	}
	if o.OversizeRecordBytes != nil {
		c.OversizeRecordBytes = *o.OversizeRecordBytes
	}
	if o.BackupDir != "" {
		c.BackupDir = o.BackupDir
	}
	if o.CacheDir != "" {
		c.CacheDir = o.CacheDir
	}
	if o.EventStoreEndpoint != "" {
		c.EventStoreEndpoint = o.EventStoreEndpoint
	}
	if o.OperatorID != "" {
		c.OperatorID = o.OperatorID
	}
	return c
}

// Overrides mirrors Config with pointer/zero-value fields so a caller can
// express "flag not set" distinctly from "flag set to the zero value."
type Overrides struct {
	Provider            Provider
	MinSimilarityScore  *float64
	TopKCandidates      *int
	UndoStackDepth      *int
	OversizeRecordBytes *int
	BackupDir           string
	CacheDir            string
	EventStoreEndpoint  string
	OperatorID          string
}
