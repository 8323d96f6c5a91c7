package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all chanops server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string  `json:"db_path"`
	LogLevel        string  `json:"log_level"`
	PoolSize        int     `json:"pool_size"`
	FPS             float64 `json:"fps"`
	Tolerance       float64 `json:"tolerance"`
	DefaultBehavior string  `json:"default_behavior"`
	DefaultBasis    string  `json:"default_basis"`
	AutoSlope       bool    `json:"auto_slope"`
	AutosaveCron    string  `json:"autosave_cron"` // empty disables autosave
	ListenAddr      string  `json:"listen_addr"`   // empty serves MCP over stdio
	BaseURL         string  `json:"base_url"`
	PanelAddr       string  `json:"panel_addr"` // empty disables the HTTP panel
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(chanopsDir(), "chanops.db"),
		LogLevel:        "info",
		PoolSize:        4,
		FPS:             24,
		Tolerance:       1e-3,
		DefaultBehavior: "hold",
		DefaultBasis:    "cubic",
		AutoSlope:       true,
		AutosaveCron:    "*/5 * * * *",
	}
}

func chanopsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chanops"
	}
	return filepath.Join(home, ".chanops")
}

func settingsPath() string {
	return filepath.Join(chanopsDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("CHANOPS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("CHANOPS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("CHANOPS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("CHANOPS_FPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FPS = f
		}
	}
	if v := getenv("CHANOPS_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tolerance = f
		}
	}
	if v := getenv("CHANOPS_DEFAULT_BEHAVIOR"); v != "" {
		cfg.DefaultBehavior = v
	}
	if v := getenv("CHANOPS_DEFAULT_BASIS"); v != "" {
		cfg.DefaultBasis = v
	}
	if v := getenv("CHANOPS_AUTO_SLOPE"); v != "" {
		cfg.AutoSlope = v == "true" || v == "1"
	}
	if v, ok := lookup(getenv, "CHANOPS_AUTOSAVE_CRON"); ok {
		cfg.AutosaveCron = v
	}
	if v := getenv("CHANOPS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("CHANOPS_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v, ok := lookup(getenv, "CHANOPS_PANEL_ADDR"); ok {
		cfg.PanelAddr = v
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" && cfg.ListenAddr != "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg
}

// lookup treats "off" as an explicit empty value, so an env var can
// disable a setting the file enables.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	switch {
	case v == "":
		return "", false
	case strings.EqualFold(v, "off"):
		return "", true
	default:
		return v, true
	}
}

// parseLevel maps a log_level setting to an slog level. Unknown names
// fall back to info.
func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	AutosaveChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.AutosaveCron != new.AutosaveCron {
		d.AutosaveChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.FPS != new.FPS {
		d.RestartNeeded = append(d.RestartNeeded, "fps")
	}
	if old.Tolerance != new.Tolerance {
		d.RestartNeeded = append(d.RestartNeeded, "tolerance")
	}
	if old.DefaultBehavior != new.DefaultBehavior {
		d.RestartNeeded = append(d.RestartNeeded, "default_behavior")
	}
	if old.DefaultBasis != new.DefaultBasis {
		d.RestartNeeded = append(d.RestartNeeded, "default_basis")
	}
	if old.AutoSlope != new.AutoSlope {
		d.RestartNeeded = append(d.RestartNeeded, "auto_slope")
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.BaseURL != new.BaseURL {
		d.RestartNeeded = append(d.RestartNeeded, "base_url")
	}
	if old.PanelAddr != new.PanelAddr {
		d.RestartNeeded = append(d.RestartNeeded, "panel_addr")
	}
	return d
}
