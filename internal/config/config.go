package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath              = "/etc/amdgpu-fancontrol/config.yaml"
	DefaultCardsPath         = "/sys/class/drm"
	DefaultEndpointPath      = "device/hwmon/hwmon0"
	DefaultMonitoringPath    = "/sys/kernel/debug/dri/0/amdgpu_pm_info"
	DefaultMeasurementWindow = 30
	DefaultInterval          = 1 * time.Second
	DefaultStatusListen      = "127.0.0.1:9101"
)

type Config struct {
	Cards             []string      `yaml:"cards"`
	CardsPath         string        `yaml:"cards_path"`
	EndpointPath      string        `yaml:"endpoint_path"`
	MonitoringPath    string        `yaml:"monitoring_path"`
	MeasurementWindow int           `yaml:"measurement_window"`
	Interval          time.Duration `yaml:"interval"`
	Log               LogConfig     `yaml:"log"`
	Status            StatusConfig  `yaml:"status"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StatusConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

// CardPath is the sysfs directory of the named card.
func (c Config) CardPath(name string) string {
	return filepath.Join(c.CardsPath, name)
}

func Load(path string) (Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

func LoadFS(fs afero.Fs, path string) (Config, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if len(cfg.Cards) == 0 {
		return Config{}, fmt.Errorf("cards is required")
	}
	seen := make(map[string]bool, len(cfg.Cards))
	for i, name := range cfg.Cards {
		name = strings.TrimSpace(name)
		if name == "" {
			return Config{}, fmt.Errorf("cards[%d] is empty", i)
		}
		if seen[name] {
			return Config{}, fmt.Errorf("cards[%d] %q is listed twice", i, name)
		}
		seen[name] = true
		cfg.Cards[i] = name
	}

	if cfg.CardsPath == "" {
		cfg.CardsPath = DefaultCardsPath
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = DefaultEndpointPath
	}
	if filepath.IsAbs(cfg.EndpointPath) {
		return Config{}, fmt.Errorf("endpoint_path must be relative to the card directory")
	}
	if cfg.MonitoringPath == "" {
		cfg.MonitoringPath = DefaultMonitoringPath
	}

	if cfg.MeasurementWindow == 0 {
		cfg.MeasurementWindow = DefaultMeasurementWindow
	}
	if cfg.MeasurementWindow < 1 {
		return Config{}, fmt.Errorf("measurement_window must be >= 1")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Interval < 0 {
		return Config{}, fmt.Errorf("interval must be > 0")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return Config{}, fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "text"
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("log.format must be 'text' or 'json'")
	}

	if cfg.Status.Enable && cfg.Status.Listen == "" {
		cfg.Status.Listen = DefaultStatusListen
	}

	return cfg, nil
}
