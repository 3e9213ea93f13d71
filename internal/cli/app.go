package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/execx"
	"github.com/javanstorm/clawbox/internal/guest"
	"github.com/javanstorm/clawbox/internal/logging"
	"github.com/javanstorm/clawbox/internal/provision"
	"github.com/javanstorm/clawbox/internal/vm"
	"github.com/javanstorm/clawbox/internal/watcher"
	"github.com/javanstorm/clawbox/pkg/hypervisor"
)

// app is what a command needs to drive VMs.
type app struct {
	cfg      *config.Config
	mgr      *vm.Manager
	watchers *watcher.Supervisor
	log      *slog.Logger
}

// newApp wires the production collaborators. Tests replace it.
var newApp = func(cmd *cobra.Command) (*app, error) {
	cfg := config.Global
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return nil, err
		}
	}

	driver, err := hypervisor.NewDriver(hypervisor.TartConfig{
		PollInterval: cfg.Timeouts.Poll,
		LogDir:       cfg.LogsDir(),
	})
	if err != nil {
		return nil, err
	}

	logger := logging.New(cmd.ErrOrStderr())
	watchers := newWatchers(cfg, logger)
	mgr := vm.NewManager(vm.ManagerConfig{
		Config: cfg,
		Driver: driver,
		Engine: &provision.AnsibleEngine{
			Dir:            cfg.AnsibleDir(),
			SecretsFile:    cfg.SecretsFile,
			ConnectTimeout: cfg.Timeouts.SSHConnect,
			Runner:         execx.OSRunner{},
			Stream:         cmd.OutOrStdout(),
		},
		Connector: guest.SSHConnector{
			DialTimeout: cfg.Timeouts.SSHConnect,
			RetryDelay:  cfg.Timeouts.Poll,
		},
		Watchers: watchers,
		Out:      cmd.OutOrStdout(),
		Logger:   logger,
	})
	return &app{cfg: cfg, mgr: mgr, watchers: watchers, log: logger}, nil
}

func newWatchers(cfg *config.Config, logger *slog.Logger) *watcher.Supervisor {
	return watcher.New(watcher.Config{
		Dir:         cfg.WatchersDir(),
		LogDir:      cfg.LogsDir(),
		Interval:    cfg.Watcher.PollInterval,
		StopTimeout: cfg.Watcher.StopTimeout,
		Logger:      logger,
	})
}
