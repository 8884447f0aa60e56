// Package agent implements the compile worker and the wire protocol it
// speaks with clients.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ccfleet/internal/args"
	"github.com/3cpo-dev/ccfleet/internal/compiler"
	"github.com/3cpo-dev/ccfleet/internal/telemetry"
)

// Server accepts compile requests over TCP or on a single inetd-style
// stream, compiles them in a scratch directory and sends the results back.
type Server struct {
	Version string
	// MaxVersion is the highest protocol version accepted.
	MaxVersion uint32
	Compiler   compiler.Runner
	// Slots bounds concurrent compiles; zero means one per CPU.
	Slots int
	// TempDir is where per-job scratch directories are created.
	TempDir string
	// IOTimeout bounds reading a request and writing a reply on a
	// network connection.
	IOTimeout time.Duration
	Metrics   *telemetry.Collector

	initOnce sync.Once
	sem      chan struct{}
	active   atomic.Int64

	mu       sync.Mutex
	ln       net.Listener
	closing  bool
	conns    sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		if s.MaxVersion == 0 {
			s.MaxVersion = MaxVersion
		}
		if s.Compiler == nil {
			s.Compiler = compiler.NewExec()
		}
		if s.Slots <= 0 {
			s.Slots = runtime.NumCPU()
		}
		if s.IOTimeout <= 0 {
			s.IOTimeout = 300 * time.Second
		}
		s.sem = make(chan struct{}, s.Slots)
		s.ctx, s.cancel = context.WithCancel(context.Background())
	})
}

// Active returns the number of compiles in progress.
func (s *Server) Active() int { return int(s.active.Load()) }

// HealthCheck reports degraded while every slot is busy.
func (s *Server) HealthCheck() telemetry.HealthCheck {
	s.init()
	active := s.Active()
	status := telemetry.HealthStatusHealthy
	if active >= s.Slots {
		status = telemetry.HealthStatusDegraded
	}
	return telemetry.HealthCheck{
		Name:    "slots",
		Status:  status,
		Message: fmt.Sprintf("%d of %d slots busy", active, s.Slots),
	}
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, one request per connection. It returns
// nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.init()
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.finished = make(chan struct{})
	s.mu.Unlock()
	defer close(s.finished)

	log.Info().Str("addr", ln.Addr().String()).Str("version", s.Version).Int("slots", s.Slots).Uint32("max_version", s.MaxVersion).Msg("Worker listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer conn.Close()
			if err := s.serveNetConn(conn); err != nil {
				log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Request failed")
			}
		}()
	}
}

func (s *Server) serveNetConn(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.IOTimeout))
	req, err := ReadRequest(conn, s.MaxVersion)
	if err != nil {
		s.Metrics.Counter("ccfleet_agent_protocol_errors_total", 1, nil)
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})
	res, err := s.handle(s.ctx, req)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.IOTimeout))
	return WriteResult(conn, req.Version, res)
}

// ServeConn handles one request on an already open stream, such as the
// stdin and stdout of a process started over ssh. It writes the ready
// banner first.
func (s *Server) ServeConn(ctx context.Context, r io.Reader, w io.Writer) error {
	s.init()
	if err := WriteReady(w, s.MaxVersion); err != nil {
		return fmt.Errorf("write banner: %w", err)
	}
	req, err := ReadRequest(r, s.MaxVersion)
	if err != nil {
		s.Metrics.Counter("ccfleet_agent_protocol_errors_total", 1, nil)
		return err
	}
	res, err := s.handle(ctx, req)
	if err != nil {
		return err
	}
	return WriteResult(w, req.Version, res)
}

// Shutdown stops accepting connections and waits for running compiles.
// When ctx ends first the compiles are canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.init()
	s.mu.Lock()
	s.closing = true
	ln, finished := s.ln, s.finished
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
		<-finished
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// handle compiles one request. A returned error means no reply is sent and
// the connection is dropped; compile failures are reported in the Result.
func (s *Server) handle(ctx context.Context, req *Request) (*Result, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()
	s.active.Add(1)
	defer s.active.Add(-1)

	start := time.Now()
	labels := map[string]string{"version": fmt.Sprint(req.Version)}
	s.Metrics.Counter("ccfleet_agent_requests_total", 1, labels)
	s.Metrics.Histogram("ccfleet_agent_source_bytes", float64(len(req.Source)), labels)

	res, err := s.compile(ctx, req)
	if err != nil {
		s.Metrics.Counter("ccfleet_agent_errors_total", 1, labels)
		return nil, err
	}
	if res.Status != 0 {
		s.Metrics.Counter("ccfleet_agent_compile_failures_total", 1, labels)
	}
	s.Metrics.Timer("ccfleet_agent_compile_duration", time.Since(start), labels)
	log.Info().
		Str("compiler", req.Args[0]).
		Int("status", res.Status).
		Int("source_bytes", len(req.Source)).
		Int("object_bytes", len(res.Object)).
		Dur("took", time.Since(start)).
		Msg("Compiled")
	return res, nil
}

func (s *Server) compile(ctx context.Context, req *Request) (*Result, error) {
	cls, err := args.Classify(req.Args, "")
	if err != nil {
		return nil, fmt.Errorf("classify request: %w", err)
	}
	if cls.Local() {
		return nil, fmt.Errorf("request cannot be compiled remotely (%s): %w", cls.Reason, ErrProtocol)
	}
	job := cls.Job

	dir, err := os.MkdirTemp(s.TempDir, "ccfleet-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext, ok := args.PreprocessedExt(job.InputFile)
	if !ok {
		return nil, fmt.Errorf("input %s has no known extension: %w", job.InputFile, ErrProtocol)
	}
	input := filepath.Join(dir, "input"+ext)
	outExt := filepath.Ext(job.OutputFile)
	if outExt == "" {
		outExt = ".o"
	}
	output := filepath.Join(dir, "output"+outExt)
	if err := os.WriteFile(input, req.Source, 0o600); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	argv := RewriteArgs(job.Args, job.InputFile, input, output)
	if req.Cwd != "" && wantsDebugInfo(argv) {
		argv = append(argv, "-fdebug-prefix-map="+dir+"="+req.Cwd)
	}

	out, err := compiler.Capture(ctx, s.Compiler, compiler.Cmd{Argv: argv, Dir: dir})
	if err != nil {
		return nil, err
	}
	res := &Result{Status: out.Status, Stderr: out.Stderr, Stdout: out.Stdout}
	if out.Status != 0 {
		return res, nil
	}
	if res.Object, err = os.ReadFile(output); err != nil {
		return nil, fmt.Errorf("compiler succeeded but left no output: %w", err)
	}
	return res, nil
}

// RewriteArgs points argv at the worker's scratch files: the first
// occurrence of the input becomes newInput and every output reference
// becomes newOutput.
func RewriteArgs(argv []string, input, newInput, newOutput string) []string {
	out := make([]string, len(argv))
	copy(out, argv)
	replacedInput := false
	for i := 1; i < len(out); i++ {
		a := out[i]
		switch {
		case a == "-o":
			if i+1 < len(out) {
				out[i+1] = newOutput
				i++
			}
		case strings.HasPrefix(a, "-o"):
			out[i] = "-o" + newOutput
		case strings.HasPrefix(a, "-"):
		case !replacedInput && a == input:
			out[i] = newInput
			replacedInput = true
		case args.IsObject(a):
			out[i] = newOutput
		}
	}
	return out
}

func wantsDebugInfo(argv []string) bool {
	for _, a := range argv {
		if strings.HasPrefix(a, "-g") && a != "-g0" {
			return true
		}
	}
	return false
}
