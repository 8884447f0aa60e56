package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ccfleet/internal/hosts"
	"github.com/3cpo-dev/ccfleet/internal/ssh"
)

// DeployResult is the outcome of installing the worker on one host.
type DeployResult struct {
	Host     string
	Checksum string
	// Version is what the installed binary printed for --version.
	Version  string
	Duration time.Duration
	Err      error
}

// Deployer installs the worker binary on hosts over ssh.
type Deployer struct {
	SSH         SSHSettings
	Timeout     time.Duration
	Concurrency int
	// AcceptNew records host keys of hosts not yet in known_hosts.
	AcceptNew bool

	push func(ctx context.Context, h hosts.HostDef, localPath, remotePath string) DeployResult
}

// NewDeployer builds a deployer from the client configuration.
func NewDeployer(cfg *Config) *Deployer {
	return &Deployer{
		SSH:         sshSettings(cfg),
		Timeout:     30 * time.Second,
		Concurrency: 8,
	}
}

// Targets returns the hosts a worker can be installed on: every remote
// entry that is not marked down, once per machine.
func Targets(list *hosts.List) []hosts.HostDef {
	seen := make(map[string]bool)
	var out []hosts.HostDef
	for _, h := range list.Hosts {
		if h.Mode == hosts.ModeLocal || h.Down {
			continue
		}
		key := h.User + "@" + h.Host
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

// Deploy uploads localPath to remotePath on every host, at most
// Concurrency at a time. Results are in the order of hs.
func (d *Deployer) Deploy(ctx context.Context, hs []hosts.HostDef, localPath, remotePath string) []DeployResult {
	push := d.push
	if push == nil {
		signer, hostKeys, err := d.SSH.credentials(d.AcceptNew)
		if err != nil {
			out := make([]DeployResult, len(hs))
			for i, h := range hs {
				out[i] = DeployResult{Host: h.Spec, Err: err}
			}
			return out
		}
		push = func(ctx context.Context, h hosts.HostDef, local, remote string) DeployResult {
			return d.sshPush(ctx, d.SSH.client(h, signer, hostKeys, d.Timeout), h, local, remote)
		}
	}
	n := d.Concurrency
	if n <= 0 {
		n = 1
	}
	sem := make(chan struct{}, n)
	out := make([]DeployResult, len(hs))
	var wg sync.WaitGroup
	for i, h := range hs {
		wg.Add(1)
		go func(i int, h hosts.HostDef) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out[i] = DeployResult{Host: h.Spec, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			start := time.Now()
			r := push(ctx, h, localPath, remotePath)
			r.Host = h.Spec
			r.Duration = time.Since(start)
			if r.Err != nil {
				log.Error().Err(r.Err).Str("host", h.Spec).Msg("Deploy failed")
			} else {
				log.Info().Str("host", h.Spec).Str("sha256", r.Checksum).Str("version", r.Version).Dur("took", r.Duration).Msg("Deployed")
			}
			out[i] = r
		}(i, h)
	}
	wg.Wait()
	return out
}

func (d *Deployer) sshPush(ctx context.Context, c *ssh.Client, h hosts.HostDef, localPath, remotePath string) DeployResult {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	cli, err := ssh.Dial(ctx, c)
	if err != nil {
		return DeployResult{Err: fmt.Errorf("connect: %w", err)}
	}
	defer cli.Close()
	sum, err := ssh.PushFile(ctx, cli, localPath, remotePath, 0o755)
	if err != nil {
		return DeployResult{Err: fmt.Errorf("upload: %w", err)}
	}
	stdout, stderr, err := ssh.RunCommand(ctx, cli, shellQuote(remotePath)+" --version")
	if err != nil {
		return DeployResult{Checksum: sum, Err: fmt.Errorf("run installed worker: %w: %s", err, strings.TrimSpace(stderr))}
	}
	return DeployResult{Checksum: sum, Version: strings.TrimSpace(stdout)}
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
