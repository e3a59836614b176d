package config

import (
	"fmt"
	"path/filepath"

	"github.com/coff33ninja/vrm-auto-scraper/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// LoadConfig reads the configuration from the specified path (defaulting
// to "config.toml") and fills in defaults for anything the file leaves
// unset.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	_, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	ApplyDefaults(&cfg)
	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills unset fields so commands never have to re-check.
func ApplyDefaults(cfg *models.Config) {
	if cfg.DataRoot == "" {
		cfg.DataRoot = "data"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataRoot, "catalog.db")
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = filepath.Join(cfg.DataRoot, "catalog.bleve")
	}
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = 300
	}
	if cfg.FetchTimeoutSec <= 0 {
		cfg.FetchTimeoutSec = 120
	}
	if cfg.RequestDelayMs <= 0 {
		cfg.RequestDelayMs = 1000
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = []string{"vrm", "vroid", "avatar"}
	}
}
