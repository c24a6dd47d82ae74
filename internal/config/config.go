// Package config assembles session configuration from defaults, an optional
// YAML file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/lab_matrix/internal/budget"
	"github.com/tphummel/lab_matrix/internal/cloudapi"
	"github.com/tphummel/lab_matrix/internal/deploy"
	"github.com/tphummel/lab_matrix/internal/ledger"
	"github.com/tphummel/lab_matrix/internal/monitor"
	"github.com/tphummel/lab_matrix/internal/provision"
	"github.com/tphummel/lab_matrix/internal/targets"
)

// Error reports an invalid or missing setting.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Msg)
}

// Config is everything a session needs to start.
type Config struct {
	Token    string `yaml:"token"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Size     string `yaml:"size"`
	Tag      string `yaml:"tag"`

	MaxMachines int `yaml:"max_machines"`
	MaxMinutes  int `yaml:"max_minutes"`

	// Worker identifies a parallel worker process. Empty means primary.
	Worker  string   `yaml:"worker"`
	Targets []string `yaml:"targets"`

	SnapshotsPath string `yaml:"snapshots"`
	LedgerPath    string `yaml:"ledger"`
	NATSURL       string `yaml:"nats_url"`
	StatusAddr    string `yaml:"status_addr"`
	// MonitorSeconds is the status monitor interval; zero disables it.
	MonitorSeconds int `yaml:"status_monitor_interval"`

	PayloadDir string                  `yaml:"payload_dir"`
	Classifier deploy.ClassifierConfig `yaml:"classifier"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Endpoint:       cloudapi.DefaultEndpoint,
		Region:         provision.DefaultRegion,
		Size:           provision.DefaultSize,
		Tag:            provision.DefaultTag,
		MaxMachines:    budget.DefaultMaxMachines,
		MaxMinutes:     budget.DefaultMaxMinutes,
		SnapshotsPath:  targets.DefaultSnapshotsPath,
		LedgerPath:     ledger.DefaultPath,
		MonitorSeconds: int(monitor.DefaultInterval / time.Second),
		PayloadDir:     ".",
	}
}

// Primary reports whether this process owns session-global cleanup.
func (c Config) Primary() bool { return c.Worker == "" }

// MonitorInterval returns the status monitor period.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorSeconds) * time.Second
}

// Overrides carries explicitly passed values, such as command-line flags.
type Overrides struct {
	Endpoint string
	Token    string
	Worker   string
	Targets  []string
}

// Load builds a Config from defaults, the YAML file named by
// LAB_MATRIX_CONFIG when set, the environment, and finally o. Relative file
// settings are resolved against ProjectRoot of the working directory, so a
// test binary running in its package directory sees the same files as a
// command run from the repository root. A missing token is an *Error.
func Load(o Overrides) (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("LAB_MATRIX_CONFIG")); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.Endpoint, cfg.Token = ResolveProviderConfig(o.Endpoint, o.Token, cfg.Endpoint, cfg.Token)
	if w := strings.TrimSpace(o.Worker); w != "" {
		cfg.Worker = w
	}
	if len(o.Targets) > 0 {
		cfg.Targets = o.Targets
	}
	wd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("working directory: %w", err)
	}
	cfg.Anchor(ProjectRoot(wd))
	return cfg, cfg.Validate()
}

// ProjectRoot returns the nearest directory at or above dir that holds a
// go.mod file, or dir itself when none does.
func ProjectRoot(dir string) string {
	for d := dir; ; {
		if _, err := os.Stat(filepath.Join(d, "go.mod")); err == nil {
			return d
		}
		parent := filepath.Dir(d)
		if parent == d {
			return dir
		}
		d = parent
	}
}

// Anchor makes the snapshot mapping, ledger and payload paths absolute by
// resolving relative ones against root. A disabled ledger stays disabled.
func (c *Config) Anchor(root string) {
	c.SnapshotsPath = anchor(root, c.SnapshotsPath)
	if !strings.EqualFold(c.LedgerPath, ledger.Off) {
		c.LedgerPath = anchor(root, c.LedgerPath)
	}
	c.PayloadDir = anchor(root, c.PayloadDir)
}

func anchor(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// LoadFile merges the YAML file at path into cfg. Keys absent from the file
// leave cfg unchanged.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Key: "LAB_MATRIX_CONFIG", Msg: fmt.Sprintf("file %s does not exist", path)}
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &Error{Key: "LAB_MATRIX_CONFIG", Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"DIGITALOCEAN_TOKEN":     &cfg.Token,
		"DIGITALOCEAN_API_URL":   &cfg.Endpoint,
		"LAB_MATRIX_REGION":      &cfg.Region,
		"LAB_MATRIX_SIZE":        &cfg.Size,
		"LAB_MATRIX_TAG":         &cfg.Tag,
		"LAB_MATRIX_WORKER":      &cfg.Worker,
		"LAB_MATRIX_SNAPSHOTS":   &cfg.SnapshotsPath,
		"LAB_MATRIX_LEDGER":      &cfg.LedgerPath,
		"NATS_URL":               &cfg.NATSURL,
		"LAB_MATRIX_STATUS_ADDR": &cfg.StatusAddr,
		"SYSADMIN_AI_PATH":       &cfg.PayloadDir,
		"SYSADMIN_AI_PROVIDER":   &cfg.Classifier.Provider,
		"SYSADMIN_AI_MODEL":      &cfg.Classifier.Model,
		"SYSADMIN_AI_API_KEY":    &cfg.Classifier.APIKey,
		"SYSADMIN_AI_BASE_URL":   &cfg.Classifier.BaseURL,
	}
	for key, dst := range str {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := strings.TrimSpace(os.Getenv("LAB_MATRIX_TARGETS")); v != "" {
		cfg.Targets = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("MAX_TEST_DROPLETS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Key: "MAX_TEST_DROPLETS", Msg: fmt.Sprintf("not an integer: %q", v)}
		}
		cfg.MaxMachines = n
	}
	if v := strings.TrimSpace(os.Getenv("MAX_SESSION_MINUTES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Key: "MAX_SESSION_MINUTES", Msg: fmt.Sprintf("not an integer: %q", v)}
		}
		cfg.MaxMinutes = n
	}
	if v := strings.TrimSpace(os.Getenv("STATUS_MONITOR_INTERVAL")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Key: "STATUS_MONITOR_INTERVAL", Msg: fmt.Sprintf("not an integer: %q", v)}
		}
		cfg.MonitorSeconds = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks required and bounded settings.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return &Error{Key: "DIGITALOCEAN_TOKEN", Msg: "is required"}
	}
	if c.MaxMachines <= 0 {
		return &Error{Key: "MAX_TEST_DROPLETS", Msg: "must be positive"}
	}
	if c.MaxMinutes <= 0 {
		return &Error{Key: "MAX_SESSION_MINUTES", Msg: "must be positive"}
	}
	if c.MonitorSeconds < 0 {
		return &Error{Key: "STATUS_MONITOR_INTERVAL", Msg: "must not be negative"}
	}
	if _, err := targets.Filter(c.Targets); err != nil {
		return &Error{Key: "LAB_MATRIX_TARGETS", Msg: err.Error()}
	}
	return nil
}

// ResolveProviderConfig merges explicit endpoint and token values with the
// ones from the environment. Explicit values win; whitespace-only explicit
// values count as unset.
func ResolveProviderConfig(configEndpoint, configToken, envEndpoint, envToken string) (endpoint, token string) {
	endpoint = strings.TrimSpace(envEndpoint)
	token = strings.TrimSpace(envToken)

	if value := strings.TrimSpace(configEndpoint); value != "" {
		endpoint = value
	}
	if value := strings.TrimSpace(configToken); value != "" {
		token = value
	}

	return endpoint, token
}
