package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/ccfleet/internal/agent"
	"github.com/3cpo-dev/ccfleet/internal/hosts"
	"github.com/3cpo-dev/ccfleet/internal/ssh"
)

// Conn is one job's exclusive connection to a worker.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Connector opens connections to workers.
type Connector interface {
	Connect(ctx context.Context, h hosts.HostDef) (Conn, error)
}

// SSHSettings configures tunnels to ssh-mode hosts.
type SSHSettings struct {
	User    string
	KeyPath string
	// KnownHosts is the known_hosts file; host keys are always verified.
	KnownHosts string
	// Command starts a worker serving one job on stdin and stdout. A host
	// entry's own command takes precedence.
	Command string
	// Port is the sshd port; zero means 22.
	Port int
}

// NetConnector dials TCP workers directly and ssh workers through a tunnel
// whose ready banner is validated before the connection is returned.
type NetConnector struct {
	ConnectTimeout time.Duration
	SSH            SSHSettings

	signerOnce sync.Once
	signer     xssh.Signer
	hostKeys   xssh.HostKeyCallback
	setupErr   error
}

// NewNetConnector builds a connector from the client configuration.
func NewNetConnector(cfg *Config) *NetConnector {
	return &NetConnector{
		ConnectTimeout: cfg.ConnectTimeout,
		SSH:            sshSettings(cfg),
	}
}

func sshSettings(cfg *Config) SSHSettings {
	return SSHSettings{
		User:       cfg.SSH.User,
		KeyPath:    cfg.SSH.Key,
		KnownHosts: cfg.SSH.KnownHosts,
		Command:    cfg.SSH.Command,
		Port:       cfg.SSH.Port,
	}
}

func (c *NetConnector) Connect(ctx context.Context, h hosts.HostDef) (Conn, error) {
	if c.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()
	}
	switch h.Mode {
	case hosts.ModeTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", net.JoinHostPort(h.Host, strconv.Itoa(h.Port)))
	case hosts.ModeSSH:
		return c.connectSSH(ctx, h)
	}
	return nil, fmt.Errorf("host %s is not a remote worker", h.Spec)
}

func (c *NetConnector) setup() error {
	c.signerOnce.Do(func() {
		c.signer, c.hostKeys, c.setupErr = c.SSH.credentials(false)
	})
	return c.setupErr
}

// credentials loads the private key, if any, and the host key callback.
// With acceptNew, hosts missing from known_hosts are trusted and recorded.
func (s SSHSettings) credentials(acceptNew bool) (xssh.Signer, xssh.HostKeyCallback, error) {
	var signer xssh.Signer
	if s.KeyPath != "" {
		var err error
		if signer, err = ssh.LoadPrivateKeySigner(s.KeyPath); err != nil {
			return nil, nil, err
		}
	}
	known := s.KnownHosts
	if known == "" {
		known = ssh.DefaultKnownHostsPath()
	}
	load := ssh.LoadKnownHostsCallback
	if acceptNew {
		load = ssh.AcceptNewCallback
	}
	cb, err := load(known)
	if err != nil {
		return nil, nil, err
	}
	return signer, cb, nil
}

// client describes the ssh connection to h.
func (s SSHSettings) client(h hosts.HostDef, signer xssh.Signer, hostKeys xssh.HostKeyCallback, timeout time.Duration) *ssh.Client {
	user := h.User
	if user == "" {
		user = s.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	port := s.Port
	if port == 0 {
		port = 22
	}
	return &ssh.Client{
		Addr:       net.JoinHostPort(h.Host, strconv.Itoa(port)),
		User:       user,
		Signer:     signer,
		KnownHosts: hostKeys,
		Timeout:    timeout,
	}
}

func (c *NetConnector) connectSSH(ctx context.Context, h hosts.HostDef) (Conn, error) {
	if err := c.setup(); err != nil {
		return nil, err
	}
	command := h.Command
	if command == "" {
		command = c.SSH.Command
	}
	client := c.SSH.client(h, c.signer, c.hostKeys, c.ConnectTimeout)
	tun, err := ssh.OpenTunnel(ctx, client, command)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = tun.SetDeadline(dl)
	}
	version, err := agent.ReadReady(tun)
	if err != nil {
		stderr := strings.TrimSpace(tun.Stderr())
		tun.Close()
		if stderr != "" {
			return nil, fmt.Errorf("%w (remote stderr: %s)", err, stderr)
		}
		return nil, err
	}
	if want := agent.VersionFor(h.Compression); version < want {
		tun.Close()
		return nil, fmt.Errorf("worker speaks up to version %d, need %d: %w", version, want, agent.ErrProtocol)
	}
	_ = tun.SetDeadline(time.Time{})
	log.Debug().Str("host", h.Spec).Uint32("version", version).Msg("Tunnel ready")
	return tun, nil
}
