package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/ccfleet/internal/core"
	"github.com/3cpo-dev/ccfleet/internal/hosts"
	"github.com/3cpo-dev/ccfleet/internal/telemetry"
)

var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

// exitError carries a process exit status out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ccfleet [flags] [--] <compiler> [args...]",
		Short: "ccfleet: distribute C and C++ compiles across a fleet of workers",
		Long: "ccfleet runs one compiler invocation, shipping the preprocessed source to a worker " +
			"when it can and compiling locally when it cannot. It can also be installed as a " +
			"symlink named after the compiler.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			cfgPath, _ := cmd.Flags().GetString("config")
			return compileExit(cmd.Context(), cfgPath, args, false)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().SetInterspersed(false)

	cmd.PersistentFlags().StringP("log", "l", defaultLogLevel(), "Set log level. Available: trace, debug, info, warn, error")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/ccfleet/config.yaml)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		setLogLevel(levelStr)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newHostsCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newKeygenCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ccfleet %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func defaultLogLevel() string {
	if v := os.Getenv("CCFLEET_LOG"); v != "" {
		return v
	}
	return "warn"
}

func setLogLevel(levelStr string) {
	level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
	if err != nil || levelStr == "" {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
}

// Setup the logger. A compile must stay silent on success, so the level
// defaults to warn.
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	setLogLevel(defaultLogLevel())
}

// compileExit runs one compiler invocation and turns its outcome into an
// exitError. masquerade is set when ccfleet was invoked under the
// compiler's name.
func compileExit(ctx context.Context, cfgPath string, argv []string, masquerade bool) error {
	status, err := runCompile(ctx, cfgPath, argv, masquerade)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ccfleet: %v\n", err)
		return exitError{code: core.ExitCode(err)}
	}
	if status != 0 {
		return exitError{code: status}
	}
	return nil
}

func runCompile(ctx context.Context, cfgPath string, argv []string, masquerade bool) (int, error) {
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return 0, err
	}
	spec, source, err := cfg.HostSpec()
	if err != nil {
		return 0, err
	}
	list, err := hosts.Parse(spec)
	if err != nil {
		return 0, err
	}
	log.Debug().Str("source", source).Int("hosts", len(list.Hosts)).Msg("Host list loaded")

	var store *core.Store
	if cfg.StateDB != "" {
		if store, err = core.NewStore(cfg.StateDB); err != nil {
			log.Warn().Err(err).Str("path", cfg.StateDB).Msg("State database unavailable, keeping state in memory")
			store = nil
		} else {
			defer store.Close()
		}
	}
	telemetry.ServiceVersion = version
	metrics := telemetry.NewCollector(cfg.Telemetry.OTLPEndpoint != "", cfg.Telemetry.OTLPEndpoint)
	defer func() {
		if err := metrics.Shutdown(); err != nil {
			log.Debug().Err(err).Msg("Metrics export failed")
		}
	}()

	d := core.NewDispatcher(&cfg, list, store, metrics)
	argv = append([]string(nil), argv...)
	local, err := resolveCompiler(argv[0])
	if err != nil {
		return 0, err
	}
	d.LocalCompiler = local
	if masquerade || isSelf(argv[0]) {
		argv[0] = filepath.Base(argv[0])
	}
	return d.Run(ctx, argv)
}

func main() {
	setupLogger()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	if name := filepath.Base(os.Args[0]); name != "ccfleet" && name != "ccfleet.exe" {
		// Installed as a symlink named after a compiler.
		err = compileExit(ctx, "", append([]string{os.Args[0]}, os.Args[1:]...), true)
	} else {
		root := newRootCmd()
		root.SetContext(ctx)
		err = root.Execute()
	}
	cancel()
	var ee exitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		os.Exit(ee.code)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
