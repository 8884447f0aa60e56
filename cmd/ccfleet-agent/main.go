package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/ccfleet/internal/agent"
	"github.com/3cpo-dev/ccfleet/internal/hosts"
	"github.com/3cpo-dev/ccfleet/internal/telemetry"
)

var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

type options struct {
	listen      string
	inetd       bool
	slots       int
	tmpDir      string
	ioTimeout   time.Duration
	monitor     string
	otlp        string
	maxVersion  uint32
	shutdown    time.Duration
	showVersion bool
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "ccfleet-agent",
		Short: "ccfleet worker: compiles preprocessed sources sent by ccfleet clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				fmt.Printf("ccfleet-agent %s (%s) %s protocol %d\n", version, commit, buildDate, opts.maxVersion)
				return nil
			}
			return run(cmd.Context(), opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := cmd.Flags()
	f.StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error")
	f.StringVar(&opts.listen, "listen", ":3632", "TCP address to accept clients on")
	f.BoolVar(&opts.inetd, "inetd", false, "serve one job on stdin and stdout, as started over ssh")
	f.IntVar(&opts.slots, "slots", hosts.LocalCPUs(), "concurrent compiles")
	f.StringVar(&opts.tmpDir, "tmpdir", os.TempDir(), "directory for per-job scratch space")
	f.DurationVar(&opts.ioTimeout, "io-timeout", 300*time.Second, "bound on reading a request and writing a reply")
	f.StringVar(&opts.monitor, "monitor", "", "address for /health, /metrics and pprof (disabled when empty)")
	f.StringVar(&opts.otlp, "otlp", "", "OTLP/HTTP endpoint to push metrics to")
	f.Uint32Var(&opts.maxVersion, "max-protocol", agent.MaxVersion, "highest protocol version to accept")
	f.DurationVar(&opts.shutdown, "shutdown-timeout", 30*time.Second, "wait for running compiles on shutdown")
	f.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}
	return cmd
}

func run(ctx context.Context, opts options) error {
	telemetry.ServiceName = "ccfleet-agent"
	telemetry.ServiceVersion = version
	metrics := telemetry.NewCollector(opts.monitor != "" || opts.otlp != "", opts.otlp)
	defer func() {
		if err := metrics.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("Final metrics export failed")
		}
	}()
	srv := &agent.Server{
		Version:    version,
		MaxVersion: opts.maxVersion,
		Slots:      opts.slots,
		TempDir:    opts.tmpDir,
		IOTimeout:  opts.ioTimeout,
		Metrics:    metrics,
	}

	if opts.inetd {
		// stdout carries the protocol; logs stay on stderr.
		if err := srv.ServeConn(ctx, os.Stdin, os.Stdout); err != nil {
			log.Error().Err(err).Msg("Job failed")
			return err
		}
		return nil
	}

	if opts.monitor != "" {
		sysmon := telemetry.NewSystemMonitor(metrics, 15*time.Second)
		sysmon.Start()
		defer sysmon.Stop()
		ms := telemetry.NewMonitoringServer(opts.monitor, metrics)
		ms.RegisterHealthCheck("slots", srv.HealthCheck)
		ms.RegisterHealthCheck("load", sysmon.LoadCheck)
		ms.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck)
		go func() {
			if err := ms.Start(); err != nil {
				log.Error().Err(err).Msg("Monitoring server stopped")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(opts.listen) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("ccfleet-agent shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), opts.shutdown)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("Running compiles canceled")
	}
	return <-errc
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setupLogger()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
