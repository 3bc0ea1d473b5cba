// Package config loads proxy-audit's INI configuration file and applies
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	AppName         = "proxy-audit"
	FileName        = "config.ini"
	GeoIPFileName   = "GeoLite2-Country.mmdb"
	DefaultProbeURL = "https://api.ipify.org?format=json"

	EnvLogLevel = "PROXY_AUDIT_LOG_LEVEL"
	EnvRulesDir = "PROXY_AUDIT_RULES_DIR"
	EnvGeoIPDB  = "PROXY_AUDIT_GEOIP_DB"
	EnvWorkers  = "PROXY_AUDIT_WORKERS"
)

type LogConf struct {
	Level string `ini:"level"`
}

type ScanConf struct {
	Workers      int           `ini:"workers"`
	OnlyRouted   bool          `ini:"only_routed"`
	Probe        bool          `ini:"probe"`
	ProbeTimeout time.Duration `ini:"probe_timeout"`
	ProbeURL     string        `ini:"probe_url"`
	GeoIPDB      string        `ini:"geoip_db"`
}

type RulesConf struct {
	Dir           string        `ini:"dir"`
	ExportFormats []string      `ini:"export_formats" delim:","`
	LockTimeout   time.Duration `ini:"lock_timeout"`
}

type Config struct {
	Log   LogConf   `ini:"log"`
	Scan  ScanConf  `ini:"scan"`
	Rules RulesConf `ini:"rules"`

	// Path is the file the configuration was loaded from, if any.
	Path string `ini:"-"`
}

// Dir returns $XDG_CONFIG_HOME/proxy-audit, falling back to
// ~/.config/proxy-audit.
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", AppName), nil
}

// Default returns the built-in configuration rooted at dir.
func Default(dir string) Config {
	return Config{
		Log: LogConf{Level: "info"},
		Scan: ScanConf{
			Workers:      runtime.NumCPU(),
			OnlyRouted:   true,
			Probe:        true,
			ProbeTimeout: 5 * time.Second,
			ProbeURL:     DefaultProbeURL,
			GeoIPDB:      filepath.Join(dir, GeoIPFileName),
		},
		Rules: RulesConf{
			Dir:         dir,
			LockTimeout: 5 * time.Second,
		},
	}
}

// LoadDefault loads config.ini from Dir.
func LoadDefault() (Config, error) {
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}
	return Load(filepath.Join(dir, FileName))
}

// Load reads the INI file at path over the defaults for its directory. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default(filepath.Dir(path))

	if _, err := os.Stat(path); err == nil {
		iniFile, err := ini.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := iniFile.MapTo(&cfg); err != nil {
			return cfg, fmt.Errorf("map %s: %w", path, err)
		}
		cfg.Path = path
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("stat %s: %w", path, err)
	}

	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrideFromEnvString(&cfg.Log.Level, EnvLogLevel)
	overrideFromEnvString(&cfg.Rules.Dir, EnvRulesDir)
	overrideFromEnvString(&cfg.Scan.GeoIPDB, EnvGeoIPDB)
	overrideFromEnvInt(&cfg.Scan.Workers, EnvWorkers)
}

func normalize(cfg *Config) {
	if cfg.Scan.Workers < 1 {
		cfg.Scan.Workers = runtime.NumCPU()
	}
	if cfg.Scan.ProbeTimeout <= 0 {
		cfg.Scan.ProbeTimeout = 5 * time.Second
	}
	if cfg.Rules.LockTimeout <= 0 {
		cfg.Rules.LockTimeout = 5 * time.Second
	}
	cfg.Rules.Dir = expandHome(cfg.Rules.Dir)
	cfg.Scan.GeoIPDB = expandHome(cfg.Scan.GeoIPDB)

	formats := cfg.Rules.ExportFormats[:0]
	for _, f := range cfg.Rules.ExportFormats {
		if f = strings.TrimSpace(f); f != "" {
			formats = append(formats, f)
		}
	}
	cfg.Rules.ExportFormats = formats
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func overrideFromEnvString(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
