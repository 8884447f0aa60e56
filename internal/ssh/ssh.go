// Package ssh opens tunnels to workers started over ssh and pushes worker
// binaries to hosts.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Client struct {
	Addr string
	User string
	// Signer authenticates the user. When nil, keys from the running
	// ssh-agent are offered.
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	var auth []xssh.AuthMethod
	if c.Signer != nil {
		auth = append(auth, xssh.PublicKeys(c.Signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		auth = append(auth, xssh.PublicKeysCallback(func() ([]xssh.Signer, error) {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, fmt.Errorf("ssh-agent: %w", err)
			}
			defer conn.Close()
			return agent.NewClient(conn).Signers()
		}))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no private key and no ssh-agent")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying with a linear backoff. The
// caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: c.Timeout}
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		cli, err := dialOnce(ctx, dialer, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, d Dialer, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		if cfg.Timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
		}
		c, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			ch <- res{err: fmt.Errorf("ssh handshake with %s: %w", addr, err)}
			return
		}
		_ = conn.SetDeadline(time.Time{})
		ch <- res{cli: xssh.NewClient(c, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			conn.Close()
		}
		return r.cli, r.err
	}
}

// Tunnel is a remote command's stdin and stdout used as one stream.
type Tunnel struct {
	client  *xssh.Client
	session *xssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  *limitedWriter

	mu        sync.Mutex
	deadline  *time.Timer
	closeOnce sync.Once
	closeErr  error
}

// OpenTunnel connects to the host and starts command there.
func OpenTunnel(ctx context.Context, c *Client, command string) (*Tunnel, error) {
	cli, err := Dial(ctx, c)
	if err != nil {
		return nil, err
	}
	t, err := StartTunnel(cli, command)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return t, nil
}

// StartTunnel starts command on an established connection. Closing the
// tunnel closes cli.
func StartTunnel(cli *xssh.Client, command string) (*Tunnel, error) {
	session, err := cli.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	t := &Tunnel{client: cli, session: session, stdin: stdin, stdout: stdout, stderr: &limitedWriter{n: 64 << 10}}
	session.Stderr = t.stderr
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	return t, nil
}

func (t *Tunnel) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *Tunnel) Write(p []byte) (int, error) { return t.stdin.Write(p) }

// CloseWrite signals end of input to the remote command.
func (t *Tunnel) CloseWrite() error { return t.stdin.Close() }

// Stderr returns what the remote command wrote to its stderr so far, up
// to a limit.
func (t *Tunnel) Stderr() string {
	t.stderr.mu.Lock()
	defer t.stderr.mu.Unlock()
	return t.stderr.buf.String()
}

// SetDeadline bounds the whole tunnel: when d passes the connection is
// closed and pending reads and writes fail.
func (t *Tunnel) SetDeadline(d time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deadline != nil {
		t.deadline.Stop()
	}
	if !d.IsZero() {
		t.deadline = time.AfterFunc(time.Until(d), func() { _ = t.Close() })
	}
	return nil
}

func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.deadline != nil {
			t.deadline.Stop()
		}
		t.mu.Unlock()
		_ = t.stdin.Close()
		_ = t.session.Close()
		t.closeErr = t.client.Close()
	})
	return t.closeErr
}

// limitedWriter keeps the first n bytes written and drops the rest.
type limitedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	n   int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n > 0 {
		q := p
		if len(q) > l.n {
			q = q[:l.n]
		}
		l.buf.Write(q)
		l.n -= len(q)
	}
	return len(p), nil
}

// RunCommand runs command on the host and returns its stdout and stderr.
func RunCommand(ctx context.Context, cli *xssh.Client, command string) (string, string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		return "", "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), stderr.String(), fmt.Errorf("run %q: %w", command, err)
		}
		return stdout.String(), stderr.String(), nil
	}
}
