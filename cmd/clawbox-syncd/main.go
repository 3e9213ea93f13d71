// Package main is the entry point for clawbox-syncd, the guest sync daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/javanstorm/clawbox/internal/logging"
	"github.com/javanstorm/clawbox/internal/syncd"
	"github.com/javanstorm/clawbox/internal/version"
)

var (
	localDir    string
	mountDir    string
	markerName  string
	sessionID   string
	interval    time.Duration
	threshold   int
	grace       time.Duration
	statusFile  string
	logFile     string
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:           "clawbox-syncd",
	Short:         "Mirror a guest-local payload copy back to its host mount",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&localDir, "local", "", "guest-local working copy")
	f.StringVar(&mountDir, "mount", "", "host-shared payload mount")
	f.StringVar(&markerName, "marker", ".clawbox-payload-host-marker", "host marker file name")
	f.StringVar(&sessionID, "session", "", "sync session id to report")
	f.DurationVar(&interval, "interval", syncd.DefaultInterval, "push interval")
	f.IntVar(&threshold, "failure-threshold", syncd.DefaultFailureThreshold, "consecutive failures before exiting")
	f.DurationVar(&grace, "grace", syncd.DefaultGrace, "bound on the final push at shutdown")
	f.StringVar(&statusFile, "status-file", "", "status file path")
	f.StringVar(&logFile, "log-file", "", "JSON log file path")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	_ = rootCmd.MarkFlagRequired("local")
	_ = rootCmd.MarkFlagRequired("mount")
}

func run(cmd *cobra.Command, args []string) error {
	if err := logging.SetLevel(logLevel); err != nil {
		return err
	}

	var sinks []io.Writer
	if logFile != "" {
		path, err := syncd.ExpandHome(logFile)
		if err != nil {
			return err
		}
		f, err := logging.OpenFile(path)
		if err != nil {
			return err
		}
		defer f.Close()
		sinks = append(sinks, f)
	}
	logger := logging.New(os.Stderr, sinks...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	d, err := syncd.New(syncd.Config{
		LocalDir:         localDir,
		MountDir:         mountDir,
		MarkerName:       markerName,
		SessionID:        sessionID,
		Interval:         interval,
		FailureThreshold: threshold,
		Grace:            grace,
		StatusFile:       statusFile,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
