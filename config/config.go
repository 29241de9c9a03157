// Package config loads the engine's ini configuration file: where its
// source tables and spill files live, how many workers to run, and how it
// should log.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// CommandLineArgs is the set of flags main.go collects before loading a
// Cfg.
type CommandLineArgs struct {
	ConfigPath string
}

// Cfg is the engine's runtime configuration, read from an ini file's
// [engine] and [logging] sections.
type Cfg struct {
	Raw *ini.File

	DataDir   string
	TempDir   string
	OutputDir string
	NWorkers  int `default:"4"`

	LogLevel     string
	InfoLogPath  string
	ErrorLogPath string
}

// New returns a Cfg with defaults sufficient to run without a config
// file at all.
func New() *Cfg {
	return &Cfg{
		Raw:       ini.Empty(),
		DataDir:   ".",
		TempDir:   os.TempDir(),
		OutputDir: ".",
		NWorkers:  4,
		LogLevel:  "info",
	}
}

// Load reads args.ConfigPath and overlays its [engine]/[logging] sections
// onto the defaults. A missing ConfigPath is not an error: Load just
// returns the defaults.
func Load(args CommandLineArgs) (*Cfg, error) {
	cfg := New()
	if args.ConfigPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(args.ConfigPath); os.IsNotExist(err) {
		return nil, errors.Errorf("config: file does not exist: %s", args.ConfigPath)
	}

	raw, err := ini.Load(args.ConfigPath)
	if err != nil {
		return nil, errors.Annotatef(err, "config: parse %s", args.ConfigPath)
	}
	cfg.Raw = raw

	engine := raw.Section("engine")
	cfg.DataDir = engine.Key("data_dir").MustString(cfg.DataDir)
	cfg.TempDir = engine.Key("temp_dir").MustString(cfg.TempDir)
	cfg.OutputDir = engine.Key("output_dir").MustString(cfg.OutputDir)
	cfg.NWorkers = engine.Key("nworkers").MustInt(cfg.NWorkers)

	logging := raw.Section("logging")
	cfg.LogLevel = logging.Key("level").MustString(cfg.LogLevel)
	cfg.InfoLogPath = logging.Key("info_log_path").MustString("")
	cfg.ErrorLogPath = logging.Key("error_log_path").MustString("")

	if cfg.NWorkers < 1 {
		return nil, errors.Errorf("config: nworkers must be >= 1, got %d", cfg.NWorkers)
	}
	return cfg, nil
}

// ResolvePath makes p absolute relative to DataDir when it is not already
// absolute, the convention every table path in an ini-configured catalog
// follows.
func (c *Cfg) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func (c *Cfg) String() string {
	return fmt.Sprintf("Cfg{DataDir=%s TempDir=%s OutputDir=%s NWorkers=%d LogLevel=%s}", c.DataDir, c.TempDir, c.OutputDir, c.NWorkers, c.LogLevel)
}
