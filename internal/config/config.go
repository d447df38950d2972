package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskline/internal/db"
)

const (
	EnvPrefix = "TASKLINE"
	FileName  = "taskline.yml"
)

// Config is the effective runtime configuration.
type Config struct {
	Addr            string        `yaml:"addr"`
	Workspace       string        `yaml:"workspace"`
	DBURL           string        `yaml:"db-url,omitempty"`
	StaticDir       string        `yaml:"static-dir"`
	LogLevel        string        `yaml:"log-level"`
	LogFormat       string        `yaml:"log-format"`
	CORSOrigins     []string      `yaml:"cors-origins"`
	ShutdownTimeout time.Duration `yaml:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Addr:            "0.0.0.0:5000",
		Workspace:       ".",
		StaticDir:       "static",
		LogLevel:        "info",
		LogFormat:       "json",
		CORSOrigins:     []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// SetDefaults registers defaults and environment bindings on v. DB_URL is
// honored alongside TASKLINE_DB_URL.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("workspace", d.Workspace)
	v.SetDefault("db-url", "")
	v.SetDefault("static-dir", d.StaticDir)
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)
	v.SetDefault("cors-origins", strings.Join(d.CORSOrigins, ","))
	v.SetDefault("shutdown-timeout", d.ShutdownTimeout.String())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("db-url", EnvPrefix+"_DB_URL", "DB_URL")
}

// LoadDotEnv copies variables from a .env file into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	env := viper.New()
	env.SetConfigFile(path)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, key := range env.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, env.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load resolves the configuration from v: flags, then environment, then the
// workspace taskline.yml, then defaults.
func Load(v *viper.Viper) (*Config, error) {
	if err := mergeFile(v, Path(v.GetString("workspace"))); err != nil {
		return nil, err
	}
	timeout, err := time.ParseDuration(v.GetString("shutdown-timeout"))
	if err != nil {
		return nil, fmt.Errorf("shutdown-timeout: %w", err)
	}
	cfg := &Config{
		Addr:            strings.TrimSpace(v.GetString("addr")),
		Workspace:       v.GetString("workspace"),
		DBURL:           strings.TrimSpace(v.GetString("db-url")),
		StaticDir:       v.GetString("static-dir"),
		LogLevel:        strings.ToLower(v.GetString("log-level")),
		LogFormat:       strings.ToLower(v.GetString("log-format")),
		CORSOrigins:     splitList(v.Get("cors-origins")),
		ShutdownTimeout: timeout,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("invalid config yaml %s: %w", path, err)
	}
	if list, ok := values["cors-origins"]; ok {
		values["cors-origins"] = strings.Join(splitList(list), ",")
	}
	return v.MergeConfigMap(values)
}

// Validate checks the values a server start depends on.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("addr %q: %w", c.Addr, err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log-format must be json or text, got %q", c.LogFormat)
	}
	if err := db.CheckURL(c.DBURL); err != nil {
		return fmt.Errorf("db-url: %w", err)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown-timeout must be positive")
	}
	return nil
}

// YAML renders the config the way taskline.yml expects it.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(struct {
		Config          `yaml:",inline"`
		ShutdownTimeout string `yaml:"shutdown-timeout"`
	}{Config: *c, ShutdownTimeout: c.ShutdownTimeout.String()})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func splitList(raw any) []string {
	var parts []string
	switch v := raw.(type) {
	case nil:
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []any:
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = []string{fmt.Sprint(v)}
	}
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}
