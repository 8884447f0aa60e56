package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/ccfleet/internal/core"
	"github.com/3cpo-dev/ccfleet/internal/hosts"
	"github.com/3cpo-dev/ccfleet/internal/ssh"
)

// Load the config and the parsed host list
func loadHosts(cmd *cobra.Command) (core.Config, *hosts.List, string, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, nil, "", err
	}
	spec, source, err := cfg.HostSpec()
	if err != nil {
		return cfg, nil, "", err
	}
	list, err := hosts.Parse(spec)
	if err != nil {
		return cfg, nil, "", err
	}
	return cfg, list, source, nil
}

func openStore(cfg core.Config) (*core.Store, error) {
	if cfg.StateDB == "" {
		return nil, fmt.Errorf("no state_db configured")
	}
	return core.NewStore(cfg.StateDB)
}

// stateStatus describes the state database and returns its backoff
// entries by host key. An unusable database is reported, not returned as
// an error, since compiles still run without one.
func stateStatus(ctx context.Context, cfg core.Config) (string, map[string]core.BackoffEntry, error) {
	if cfg.StateDB == "" {
		return "disabled", nil, nil
	}
	store, err := core.NewStore(cfg.StateDB)
	if err != nil {
		return "unavailable: " + err.Error(), nil, nil
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return "unavailable: " + err.Error(), nil, nil
	}
	entries, err := store.BackoffEntries(ctx)
	if err != nil {
		return "", nil, err
	}
	backedOff := make(map[string]core.BackoffEntry, len(entries))
	for _, e := range entries {
		backedOff[e.Host] = e
	}
	return cfg.StateDB, backedOff, nil
}

// Show the host list and backoff state
func newHostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "Show the resolved host list and which hosts are backed off",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, list, source, err := loadHosts(cmd)
			if err != nil {
				return err
			}
			state, backedOff, err := stateStatus(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Printf("source: %s\nstate db: %s\nlocal slots: %d (preprocess %d)\n", source, state, list.LocalSlots, list.LocalCppSlots)
			if list.Randomized {
				fmt.Println("order: randomized")
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tMODE\tSLOTS\tCOMPRESSION\tSTATE")
			now := time.Now()
			for _, h := range list.Hosts {
				state := "ready"
				switch e, ok := backedOff[h.Key()]; {
				case h.Down:
					state = "down"
				case ok && now.Before(e.Until):
					state = fmt.Sprintf("backed off %s (%d failures: %s)", e.Until.Sub(now).Round(time.Second), e.Failures, e.LastError)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", h.Spec, h.Mode, h.Slots, h.Compression, state)
			}
			return w.Flush()
		},
	}
}

// Summarize job history
func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent compiles per host",
		RunE: func(cmd *cobra.Command, args []string) error {
			since, _ := cmd.Flags().GetDuration("since")
			recent, _ := cmd.Flags().GetInt("recent")
			prune, _ := cmd.Flags().GetDuration("prune")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				n, err := store.PruneHistory(cmd.Context(), time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d jobs\n", n)
			}
			stats, err := store.Stats(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tJOBS\tREMOTE\tFAILED\tFALLBACK\tSENT\tRECEIVED\tMEAN")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n", s.Host, s.Jobs, s.Remote, s.RemoteFailed,
					s.Fallbacks, s.BytesSent, s.BytesReceived, s.MeanDuration)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if recent <= 0 {
				return nil
			}
			jobs, err := store.RecentJobs(cmd.Context(), recent)
			if err != nil {
				return err
			}
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tHOST\tINPUT\tOUTCOME\tSTATUS\tDURATION\tREASON")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", j.Started.Format(time.RFC3339), j.Host, j.Input,
					j.Outcome, j.Status, j.Duration, j.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Duration("since", 24*time.Hour, "summarize jobs started within this window")
	cmd.Flags().Int("recent", 0, "also list this many recent jobs")
	cmd.Flags().Duration("prune", 0, "delete jobs older than this first")
	return cmd
}

// Install the worker on ssh hosts
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Upload ccfleet-agent to every remote host over SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			binary, _ := cmd.Flags().GetString("binary")
			remote, _ := cmd.Flags().GetString("remote-path")
			acceptNew, _ := cmd.Flags().GetBool("accept-new")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			cfg, list, _, err := loadHosts(cmd)
			if err != nil {
				return err
			}
			if binary == "" {
				binary = filepath.Join(filepath.Dir(selfPath()), "ccfleet-agent")
			}
			if _, err := os.Stat(binary); err != nil {
				return fmt.Errorf("agent binary: %w", err)
			}
			targets := core.Targets(list)
			if len(targets) == 0 {
				return fmt.Errorf("no remote hosts to deploy to")
			}
			d := core.NewDeployer(&cfg)
			d.AcceptNew = acceptNew
			d.Concurrency = concurrency
			failed := 0
			for _, r := range d.Deploy(cmd.Context(), targets, binary, remote) {
				if r.Err != nil {
					failed++
					fmt.Printf("%s\tFAILED\t%v\n", r.Host, r.Err)
					continue
				}
				fmt.Printf("%s\tok\t%s\t%s\n", r.Host, r.Checksum[:12], r.Version)
			}
			if failed > 0 {
				return fmt.Errorf("deploy failed on %d of %d hosts", failed, len(targets))
			}
			return nil
		},
	}
	cmd.Flags().String("binary", "", "agent binary to upload (default: ccfleet-agent next to this binary)")
	cmd.Flags().String("remote-path", ".local/bin/ccfleet-agent", "install path on the hosts, relative to the login directory unless absolute")
	cmd.Flags().Bool("accept-new", false, "trust and record host keys not yet in known_hosts")
	cmd.Flags().Int("concurrency", 8, "hosts to upload to at once")
	return cmd
}

// Generate an SSH key for ssh-mode hosts
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key for ssh-mode hosts and print its authorized_keys line",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			force, _ := cmd.Flags().GetBool("force")
			if path == "" {
				cfgPath, _ := cmd.Flags().GetString("config")
				cfg, err := core.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				path = cfg.SSH.Key
			}
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, ".ssh", "ccfleet_ed25519")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to replace it", path)
			}
			host, _ := os.Hostname()
			line, err := ssh.GenerateEd25519Keypair(path, "ccfleet@"+host)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s and %s.pub; add this line to ~/.ssh/authorized_keys on each host\n", path, path)
			fmt.Print(line)
			return nil
		},
	}
	cmd.Flags().String("path", "", "private key path (default: ssh.key from config or ~/.ssh/ccfleet_ed25519)")
	cmd.Flags().Bool("force", false, "overwrite an existing key")
	return cmd
}
