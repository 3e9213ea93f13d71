package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all clawbox configuration.
type Config struct {
	// StateDir holds descriptors, locks, sync sessions and logs.
	StateDir string `mapstructure:"state_dir"`

	// ProjectDir contains the ansible/ and packer/ trees.
	ProjectDir string `mapstructure:"project_dir"`

	// BaseImage is the tart image new VMs are cloned from.
	BaseImage string `mapstructure:"base_image"`

	// VMBaseName prefixes VM names: <base>-<number>.
	VMBaseName string `mapstructure:"vm_base_name"`

	// SecretsFile holds vm_password for the provisioned VM user.
	SecretsFile string `mapstructure:"secrets_file"`

	// MetricsTextfile, when set, receives a Prometheus textfile after each command.
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`

	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Guest     GuestConfig     `mapstructure:"guest"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`

	// ConfigFile is the config file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

// BootstrapConfig is the admin account baked into the base image.
type BootstrapConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// GuestConfig describes guest-side paths.
type GuestConfig struct {
	// SharedRoot is where the hypervisor exposes shared directories.
	SharedRoot string `mapstructure:"shared_root"`

	// PayloadLocalPath is the working copy of the OpenClaw payload.
	PayloadLocalPath string `mapstructure:"payload_local_path"`

	// SignalPayloadLocalPath is the working copy of the signal-cli data.
	SignalPayloadLocalPath string `mapstructure:"signal_payload_local_path"`
}

// SyncConfig controls the payload sync daemon.
type SyncConfig struct {
	MarkerFilename   string        `mapstructure:"marker_filename"`
	DaemonBinary     string        `mapstructure:"daemon_binary"`
	Interval         time.Duration `mapstructure:"interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Grace            time.Duration `mapstructure:"grace"`
}

// TimeoutConfig bounds every wait clawbox performs.
type TimeoutConfig struct {
	Boot           time.Duration `mapstructure:"boot"`
	Stop           time.Duration `mapstructure:"stop"`
	IP             time.Duration `mapstructure:"ip"`
	Ready          time.Duration `mapstructure:"ready"`
	Preflight      time.Duration `mapstructure:"preflight"`
	SSHConnect     time.Duration `mapstructure:"ssh_connect"`
	GuestCommand   time.Duration `mapstructure:"guest_command"`
	Poll           time.Duration `mapstructure:"poll"`
	RegistryLock   time.Duration `mapstructure:"registry_lock"`
	DescriptorLock time.Duration `mapstructure:"descriptor_lock"`
}

// WatcherConfig controls the background VM watcher.
type WatcherConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// LocksDir is the lock registry directory.
func (c *Config) LocksDir() string { return filepath.Join(c.StateDir, "locks") }

// VMsDir holds one descriptor per VM.
func (c *Config) VMsDir() string { return filepath.Join(c.StateDir, "vms") }

// SyncDir holds sync session records.
func (c *Config) SyncDir() string { return filepath.Join(c.StateDir, "sync") }

// WatchersDir holds watcher records.
func (c *Config) WatchersDir() string { return filepath.Join(c.StateDir, "watchers") }

// LogsDir holds launch logs and the sync event log.
func (c *Config) LogsDir() string { return filepath.Join(c.StateDir, "logs") }

// KeysDir holds per-VM SSH keys.
func (c *Config) KeysDir() string { return filepath.Join(c.StateDir, "keys") }

// AnsibleDir is the configuration-engine tree.
func (c *Config) AnsibleDir() string { return filepath.Join(c.ProjectDir, "ansible") }

// PackerTemplate is the base image template.
func (c *Config) PackerTemplate() string {
	return filepath.Join(c.ProjectDir, "packer", "macos-base.pkr.hcl")
}

// VMName returns the VM name for a number.
func (c *Config) VMName(number int) string {
	return fmt.Sprintf("%s-%d", c.VMBaseName, number)
}

// DefaultConfig returns a Config with sensible defaults rooted at paths.
func DefaultConfig(paths *Paths) *Config {
	return &Config{
		StateDir:    paths.StateDir,
		ProjectDir:  ".",
		BaseImage:   "macos-base",
		VMBaseName:  DefaultVMBaseName,
		SecretsFile: filepath.Join(paths.DataDir, "secrets.yml"),
		LogLevel:    "info",
		Bootstrap: BootstrapConfig{
			User:     "admin",
			Password: "admin",
		},
		Guest: GuestConfig{
			SharedRoot:             "/Volumes/My Shared Files",
			PayloadLocalPath:       "~/.openclaw",
			SignalPayloadLocalPath: "~/.local/share/signal-cli",
		},
		Sync: SyncConfig{
			MarkerFilename:   ".clawbox-payload-host-marker",
			DaemonBinary:     "/usr/local/bin/clawbox-syncd",
			Interval:         5 * time.Second,
			FailureThreshold: 5,
			Grace:            10 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Boot:           300 * time.Second,
			Stop:           60 * time.Second,
			IP:             120 * time.Second,
			Ready:          60 * time.Second,
			Preflight:      120 * time.Second,
			SSHConnect:     8 * time.Second,
			GuestCommand:   30 * time.Second,
			Poll:           2 * time.Second,
			RegistryLock:   10 * time.Second,
			DescriptorLock: 5 * time.Second,
		},
		Watcher: WatcherConfig{
			PollInterval: 5 * time.Second,
			StopTimeout:  3 * time.Second,
		},
	}
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to determine paths: %w", err)
	}
	cfg, err := LoadFrom(viper.New(), paths)
	if err != nil {
		return nil, err
	}
	Global = cfg
	return cfg, nil
}

// LoadFrom builds a Config using v and the given paths. Precedence, low to
// high: defaults, ansible group vars, config file, CLAWBOX_* environment.
func LoadFrom(v *viper.Viper, paths *Paths) (*Config, error) {
	setDefaults(v, DefaultConfig(paths))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(paths.DataDir)
	v.AddConfigPath(paths.ConfigDir)

	// Environment variable support: CLAWBOX_STATE_DIR, CLAWBOX_TIMEOUTS_BOOT, etc.
	v.SetEnvPrefix("CLAWBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Group vars sit below the config file, so they are applied as defaults
	// once the project dir is known.
	projectDir := v.GetString("project_dir")
	gv, err := LoadGroupVars(filepath.Join(projectDir, "ansible", "group_vars", "all.yml"))
	if err != nil {
		return nil, err
	}
	gv.apply(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ConfigFile = v.ConfigFileUsed()

	if errs := Validate(cfg); HasFatal(errs) {
		return nil, errors.New(FormatValidationErrors(errs))
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("project_dir", d.ProjectDir)
	v.SetDefault("base_image", d.BaseImage)
	v.SetDefault("vm_base_name", d.VMBaseName)
	v.SetDefault("secrets_file", d.SecretsFile)
	v.SetDefault("metrics_textfile", d.MetricsTextfile)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("bootstrap.user", d.Bootstrap.User)
	v.SetDefault("bootstrap.password", d.Bootstrap.Password)

	v.SetDefault("guest.shared_root", d.Guest.SharedRoot)
	v.SetDefault("guest.payload_local_path", d.Guest.PayloadLocalPath)
	v.SetDefault("guest.signal_payload_local_path", d.Guest.SignalPayloadLocalPath)

	v.SetDefault("sync.marker_filename", d.Sync.MarkerFilename)
	v.SetDefault("sync.daemon_binary", d.Sync.DaemonBinary)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.failure_threshold", d.Sync.FailureThreshold)
	v.SetDefault("sync.grace", d.Sync.Grace)

	v.SetDefault("timeouts.boot", d.Timeouts.Boot)
	v.SetDefault("timeouts.stop", d.Timeouts.Stop)
	v.SetDefault("timeouts.ip", d.Timeouts.IP)
	v.SetDefault("timeouts.ready", d.Timeouts.Ready)
	v.SetDefault("timeouts.preflight", d.Timeouts.Preflight)
	v.SetDefault("timeouts.ssh_connect", d.Timeouts.SSHConnect)
	v.SetDefault("timeouts.guest_command", d.Timeouts.GuestCommand)
	v.SetDefault("timeouts.poll", d.Timeouts.Poll)
	v.SetDefault("timeouts.registry_lock", d.Timeouts.RegistryLock)
	v.SetDefault("timeouts.descriptor_lock", d.Timeouts.DescriptorLock)

	v.SetDefault("watcher.poll_interval", d.Watcher.PollInterval)
	v.SetDefault("watcher.stop_timeout", d.Watcher.StopTimeout)
}
