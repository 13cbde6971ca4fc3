// Package config loads testrig settings from defaults, an optional config
// file, and TESTRIG_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tilt-dev/testrig/internal/availability"
	"github.com/tilt-dev/testrig/internal/livecheck"
	"github.com/tilt-dev/testrig/internal/orchestrator"
	"github.com/tilt-dev/testrig/internal/wait"
)

const EnvPrefix = "TESTRIG"

type Config struct {
	Docker    DockerConfig    `mapstructure:"docker"`
	LiveCheck LiveCheckConfig `mapstructure:"livecheck"`
}

type DockerConfig struct {
	Binary       string        `mapstructure:"binary"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	PullPolicy   string        `mapstructure:"pull_policy"`
}

type LiveCheckConfig struct {
	BinaryPath        string        `mapstructure:"binary_path"`
	DownloadURL       string        `mapstructure:"download_url"`
	CacheDir          string        `mapstructure:"cache_dir"`
	RegistryPath      string        `mapstructure:"registry_path"`
	IngestPort        int           `mapstructure:"ingest_port"`
	AdminPort         int           `mapstructure:"admin_port"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	OutputDir         string        `mapstructure:"output_dir"`
	Format            string        `mapstructure:"format"`
	StartAttempts     int           `mapstructure:"start_attempts"`
	StartInterval     time.Duration `mapstructure:"start_interval"`
	HealthTimeout     time.Duration `mapstructure:"health_timeout"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
}

// DefaultCacheDir is where a downloaded live-check binary is kept,
// under the user's XDG cache home.
func DefaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, "testrig")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("docker.binary", "docker")
	v.SetDefault("docker.probe_timeout", availability.DefaultTimeout)
	v.SetDefault("docker.poll_interval", wait.DefaultInterval)
	v.SetDefault("docker.wait_timeout", wait.DefaultTimeout)
	v.SetDefault("docker.stop_timeout", orchestrator.DefaultStopTimeout)
	v.SetDefault("docker.pull_policy", orchestrator.PullIfMissing.String())

	v.SetDefault("livecheck.binary_path", "")
	v.SetDefault("livecheck.download_url", "")
	v.SetDefault("livecheck.cache_dir", DefaultCacheDir())
	v.SetDefault("livecheck.registry_path", "./registry")
	v.SetDefault("livecheck.ingest_port", livecheck.DefaultIngestPort)
	v.SetDefault("livecheck.admin_port", livecheck.DefaultAdminPort)
	v.SetDefault("livecheck.inactivity_timeout", livecheck.DefaultInactivityTimeout)
	v.SetDefault("livecheck.output_dir", "./livecheck-report")
	v.SetDefault("livecheck.format", livecheck.DefaultFormat)
	v.SetDefault("livecheck.start_attempts", livecheck.DefaultStartAttempts)
	v.SetDefault("livecheck.start_interval", livecheck.DefaultStartInterval)
	v.SetDefault("livecheck.health_timeout", livecheck.DefaultHealthTimeout)
	v.SetDefault("livecheck.grace_period", livecheck.DefaultGracePeriod)
}

// NewViper returns a viper instance with defaults and environment
// bindings, e.g. TESTRIG_LIVECHECK_ADMIN_PORT for livecheck.admin_port.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (if non-empty) on top of the defaults and
// environment.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading config %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := orchestrator.ParsePullPolicy(c.Docker.PullPolicy); err != nil {
		return errors.Wrap(err, "docker.pull_policy")
	}
	for name, d := range map[string]time.Duration{
		"docker.probe_timeout":     c.Docker.ProbeTimeout,
		"docker.poll_interval":     c.Docker.PollInterval,
		"docker.wait_timeout":      c.Docker.WaitTimeout,
		"livecheck.start_interval": c.LiveCheck.StartInterval,
		"livecheck.health_timeout": c.LiveCheck.HealthTimeout,
		"livecheck.grace_period":   c.LiveCheck.GracePeriod,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	for name, p := range map[string]int{
		"livecheck.ingest_port": c.LiveCheck.IngestPort,
		"livecheck.admin_port":  c.LiveCheck.AdminPort,
	} {
		if p < 0 || p > 65535 {
			return fmt.Errorf("%s out of range: %d", name, p)
		}
	}
	if c.LiveCheck.IngestPort != 0 && c.LiveCheck.IngestPort == c.LiveCheck.AdminPort {
		return fmt.Errorf("livecheck.ingest_port and livecheck.admin_port are both %d", c.LiveCheck.IngestPort)
	}
	if c.LiveCheck.StartAttempts <= 0 {
		return fmt.Errorf("livecheck.start_attempts must be positive, got %d", c.LiveCheck.StartAttempts)
	}
	return nil
}

func (c LiveCheckConfig) ManagerConfig() livecheck.Config {
	return livecheck.Config{
		RegistryPath:      c.RegistryPath,
		IngestPort:        c.IngestPort,
		AdminPort:         c.AdminPort,
		InactivityTimeout: c.InactivityTimeout,
		OutputDir:         c.OutputDir,
		Format:            c.Format,
		StartAttempts:     c.StartAttempts,
		StartInterval:     c.StartInterval,
		HealthTimeout:     c.HealthTimeout,
		GracePeriod:       c.GracePeriod,
	}
}

func (c DockerConfig) OrchestratorOptions() orchestrator.Options {
	policy, _ := orchestrator.ParsePullPolicy(c.PullPolicy)
	return orchestrator.Options{
		PullPolicy:   policy,
		PollInterval: c.PollInterval,
		StopTimeout:  c.StopTimeout,
	}
}
