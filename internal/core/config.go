package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Slot wait policies.
const (
	SlotWaitFailFast = "fail-fast"
	SlotWaitWait     = "wait"
)

// Config is the client configuration.
type Config struct {
	Hosts           string        `yaml:"hosts"`
	HostsFile       string        `yaml:"hosts_file"`
	SlotWait        string        `yaml:"slot_wait"`
	SlotWaitTimeout time.Duration `yaml:"slot_wait_timeout"`
	PauseTime       time.Duration `yaml:"pause_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	IOTimeout       time.Duration `yaml:"io_timeout"`
	Backoff         struct {
		Initial    time.Duration `yaml:"initial"`
		Max        time.Duration `yaml:"max"`
		Multiplier float64       `yaml:"multiplier"`
	} `yaml:"backoff"`
	Fallback bool   `yaml:"fallback"`
	StateDB  string `yaml:"state_db"`
	SSH      struct {
		User       string `yaml:"user"`
		Key        string `yaml:"key"`
		KnownHosts string `yaml:"known_hosts"`
		Command    string `yaml:"command"`
		// Port is the sshd port on every ssh-mode host; zero means 22.
		Port int `yaml:"port"`
	} `yaml:"ssh"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	var cfg Config
	cfg.HostsFile = filepath.Join(configHome(), "ccfleet", "hosts")
	cfg.SlotWait = SlotWaitWait
	cfg.SlotWaitTimeout = 5 * time.Minute
	cfg.PauseTime = time.Second
	cfg.ConnectTimeout = 4 * time.Second
	cfg.IOTimeout = 300 * time.Second
	p := DefaultBackoffPolicy()
	cfg.Backoff.Initial = p.Initial
	cfg.Backoff.Max = p.Max
	cfg.Backoff.Multiplier = p.Multiplier
	cfg.Fallback = true
	cfg.StateDB = filepath.Join(stateHome(), "ccfleet", "state.db")
	cfg.SSH.Command = "ccfleet-agent --inetd"
	cfg.SSH.KnownHosts = filepath.Join(homeDir(), ".ssh", "known_hosts")
	return cfg
}

// DefaultConfigPath is $XDG_CONFIG_HOME/ccfleet/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configHome(), "ccfleet", "config.yaml")
}

// LoadConfig reads YAML configuration from path over the defaults and then
// applies environment overrides. An empty path uses DefaultConfigPath and
// tolerates the file being absent; an explicit path must exist.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv applies the CCFLEET_* overrides. Malformed values are ignored
// with a warning so a typo in the environment never breaks a build.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("CCFLEET_FALLBACK"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Fallback = b
		} else {
			envWarn("CCFLEET_FALLBACK", v)
		}
	}
	if v, ok := os.LookupEnv("CCFLEET_BACKOFF_PERIOD"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Backoff.Initial = time.Duration(n) * time.Second
		} else {
			envWarn("CCFLEET_BACKOFF_PERIOD", v)
		}
	}
	if v, ok := os.LookupEnv("CCFLEET_IO_TIMEOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.IOTimeout = time.Duration(n) * time.Second
		} else {
			envWarn("CCFLEET_IO_TIMEOUT", v)
		}
	}
	if v, ok := os.LookupEnv("CCFLEET_PAUSE_TIME_MSEC"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PauseTime = time.Duration(n) * time.Millisecond
		} else {
			envWarn("CCFLEET_PAUSE_TIME_MSEC", v)
		}
	}
	if v := os.Getenv("CCFLEET_SSH"); v != "" {
		c.SSH.Command = v
	}
}

func envWarn(name, value string) {
	log.Warn().Str("var", name).Str("value", value).Msg("Ignoring malformed environment override")
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	switch c.SlotWait {
	case SlotWaitFailFast, SlotWaitWait:
	default:
		return fmt.Errorf("config: slot_wait must be %q or %q, got %q", SlotWaitFailFast, SlotWaitWait, c.SlotWait)
	}
	if c.ConnectTimeout <= 0 || c.IOTimeout <= 0 {
		return errors.New("config: connect_timeout and io_timeout must be positive")
	}
	if c.PauseTime <= 0 {
		return errors.New("config: pause_time must be positive")
	}
	if c.Backoff.Initial < 0 || c.Backoff.Max < 0 {
		return errors.New("config: backoff durations must not be negative")
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("config: ssh.port %d out of range", c.SSH.Port)
	}
	return nil
}

// BackoffPolicy returns the configured backoff policy.
func (c *Config) BackoffPolicy() BackoffPolicy {
	p := DefaultBackoffPolicy()
	p.Initial = c.Backoff.Initial
	p.Max = c.Backoff.Max
	p.Multiplier = c.Backoff.Multiplier
	return p
}

// WaitPolicy returns the slot acquisition policy.
func (c *Config) WaitPolicy() WaitPolicy {
	return WaitPolicy{
		Wait:    c.SlotWait == SlotWaitWait,
		Timeout: c.SlotWaitTimeout,
		Pause:   c.PauseTime,
	}
}

// HostSpec returns the host specification and where it came from:
// CCFLEET_HOSTS, then the config's hosts, then the hosts file.
func (c *Config) HostSpec() (spec, source string, err error) {
	if v := strings.TrimSpace(os.Getenv("CCFLEET_HOSTS")); v != "" {
		return v, "CCFLEET_HOSTS", nil
	}
	if v := strings.TrimSpace(c.Hosts); v != "" {
		return v, "config", nil
	}
	if c.HostsFile != "" {
		data, err := os.ReadFile(c.HostsFile)
		switch {
		case err == nil:
			if v := strings.TrimSpace(string(data)); v != "" {
				return v, c.HostsFile, nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return "", "", fmt.Errorf("read hosts file: %w", err)
		}
	}
	return "", "", ErrNoHosts
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func configHome() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return base
	}
	return filepath.Join(homeDir(), ".config")
}

func stateHome() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return base
	}
	return filepath.Join(homeDir(), ".local", "state")
}
