package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/clawbox/internal/retry"
	"github.com/javanstorm/clawbox/internal/vm"
	"github.com/javanstorm/clawbox/internal/watcher"
	"github.com/javanstorm/clawbox/pkg/hypervisor"
)

// watchCmd is spawned by launch and runs detached until the VM stops.
var watchCmd = &cobra.Command{
	Use:    watcher.Command + " <vm-name>",
	Short:  "Record the VM as stopped once it shuts down",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	name := args[0]
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	defer func() {
		if err := a.watchers.Forget(name, os.Getpid()); err != nil {
			a.log.Warn("remove watcher record", "vm", name, "error", err)
		}
	}()

	a.log.Info("watching VM", "vm", name, "pid", os.Getpid(), "interval", a.cfg.Watcher.PollInterval)
	onStopped := func(ctx context.Context) error {
		// A command may hold the VM lock briefly; wait it out.
		return retry.WithExponentialBackoff(ctx, func() error {
			err := a.mgr.MarkStopped(ctx, name)
			if err != nil && !errors.Is(err, vm.ErrVMLocked) {
				return retry.Fatal(err)
			}
			return err
		},
			retry.WithMaxRetries(10),
			retry.WithInitialDelay(500*time.Millisecond),
			retry.WithMaxDelay(10*time.Second),
		)
	}
	return watcher.Run(ctx, name, hypervisor.Oracle{Driver: a.mgr.Driver()}, a.cfg.Watcher.PollInterval, onStopped, a.log)
}
