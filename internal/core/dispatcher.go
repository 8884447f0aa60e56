package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ccfleet/internal/agent"
	"github.com/3cpo-dev/ccfleet/internal/args"
	"github.com/3cpo-dev/ccfleet/internal/compiler"
	"github.com/3cpo-dev/ccfleet/internal/hosts"
	"github.com/3cpo-dev/ccfleet/internal/telemetry"
)

// JobRecorder keeps a history of finished jobs.
type JobRecorder interface {
	RecordJob(ctx context.Context, r JobRecord) error
}

// Dispatcher runs compiler invocations, remotely when it can and locally
// otherwise.
type Dispatcher struct {
	// Pool holds the configured hosts. A job that lands on a localhost
	// entry compiles here under that slot.
	Pool *SlotPool
	// LocalPool bounds local compiles done as fallback or because the
	// invocation cannot be distributed.
	LocalPool *SlotPool
	// CppPool bounds concurrent local preprocessing.
	CppPool   *SlotPool
	Backoff   Backoff
	Connector Connector
	Compiler  compiler.Runner
	History   JobRecorder
	Metrics   *telemetry.Collector

	Wait      WaitPolicy
	IOTimeout time.Duration
	// Fallback compiles locally after a dispatch failure. When false the
	// failure is returned.
	Fallback bool

	// Dir is the directory the compiler was invoked in.
	Dir string
	// DepEnv is the value of DEPENDENCIES_OUTPUT.
	DepEnv string
	// LocalCompiler, when set, replaces argv[0] for processes run on this
	// machine. Workers still receive the name as invoked.
	LocalCompiler string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewDispatcher wires a dispatcher from configuration. store may be nil, in
// which case backoff is kept in memory and slots are limited per process.
func NewDispatcher(cfg *Config, list *hosts.List, store *Store, metrics *telemetry.Collector) *Dispatcher {
	var backoff Backoff = NewMemoryBackoff(cfg.BackoffPolicy())
	var leaser Leaser
	var history JobRecorder
	if store != nil {
		store.Policy = cfg.BackoffPolicy()
		backoff, leaser, history = store, store, store
	}
	local := []hosts.HostDef{{Spec: "localslots", Mode: hosts.ModeLocal, Host: "localhost", Slots: list.LocalSlots}}
	cpp := []hosts.HostDef{{Spec: "localslots_cpp", Mode: hosts.ModeLocal, Host: "localhost", Slots: list.LocalCppSlots}}
	dir, _ := os.Getwd()
	return &Dispatcher{
		Pool:      NewSlotPool("hosts", list.Hosts, backoff, leaser),
		LocalPool: NewSlotPool("local", local, nil, leaser),
		CppPool:   NewSlotPool("cpp", cpp, nil, leaser),
		Backoff:   backoff,
		Connector: NewNetConnector(cfg),
		Compiler:  compiler.NewExec(),
		History:   history,
		Metrics:   metrics,
		Wait:      cfg.WaitPolicy(),
		IOTimeout: cfg.IOTimeout,
		Fallback:  cfg.Fallback,
		Dir:       dir,
		DepEnv:    os.Getenv(args.DepEnvVar),
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}
}

// jobRun is the bookkeeping of one invocation.
type jobRun struct {
	rec    JobRecord
	logger zerolog.Logger
}

// Run compiles argv and returns the compiler's exit status. An error is
// returned only when no compiler ran to completion: bad arguments, a
// canceled context, or a dispatch failure with fallback disabled.
func (d *Dispatcher) Run(ctx context.Context, argv []string) (int, error) {
	run := &jobRun{rec: JobRecord{
		ID:      uuid.NewString(),
		Started: time.Now(),
		Host:    "localhost",
	}}
	if len(argv) > 0 {
		run.rec.Compiler = filepath.Base(argv[0])
	}
	run.logger = log.With().Str("job", run.rec.ID).Logger()

	cls, err := args.Classify(argv, d.DepEnv)
	if err != nil {
		return 0, err
	}
	if cls.Local() {
		run.logger.Debug().Str("reason", cls.Reason).Msg("Compiling locally")
		run.rec.Reason = cls.Reason
		status, err := d.runLocal(ctx, argv, d.LocalPool)
		d.finish(run, OutcomeLocal, status, err)
		return status, err
	}
	job := cls.Job
	run.rec.Input = job.InputFile
	if job.NeedsDepFile {
		run.logger.Debug().Str("dep_file", job.DepFile).Str("dep_target", job.DepTarget).Msg("Dependency file expected")
	}

	status, err := d.dispatch(ctx, run, job, argv)
	var de *DispatchError
	if err == nil || !errors.As(err, &de) || ctx.Err() != nil {
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return status, err
	}
	if de.HostFault {
		window := d.Backoff.MarkFailed(run.rec.Host, time.Now(), de)
		run.logger.Warn().Err(de).Dur("backoff", window).Msg("Host failed")
	}
	run.rec.Reason = de.Error()
	if !d.Fallback {
		d.finish(run, OutcomeError, 0, de)
		return 0, de
	}
	run.logger.Warn().Err(de).Msg("Dispatch failed, compiling locally")
	status, err = d.runLocal(ctx, argv, d.LocalPool)
	d.finish(run, OutcomeFallback, status, err)
	return status, err
}

// dispatch tries to compile job on a worker. Any *DispatchError it returns
// leaves nothing behind: the slot is released and the connection closed.
func (d *Dispatcher) dispatch(ctx context.Context, run *jobRun, job *args.Job, argv []string) (int, error) {
	slot, err := d.Pool.Acquire(ctx, d.Wait)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &DispatchError{Stage: StageSelect, Err: err}
	}
	defer slot.Release()
	h := slot.Host
	run.rec.Host = h.Key()
	run.logger = run.logger.With().Str("host", h.Spec).Logger()

	if h.Mode == hosts.ModeLocal {
		status, err := d.runLocal(ctx, argv, nil)
		d.finish(run, OutcomeLocal, status, err)
		return status, err
	}

	// Preprocess while the connection is being set up.
	cppCtx, cancelCpp := context.WithCancel(ctx)
	defer cancelCpp()
	cppDone := make(chan preprocessed, 1)
	go func() { cppDone <- d.preprocess(cppCtx, job) }()

	conn, err := d.Connector.Connect(ctx, h)
	if err != nil {
		cancelCpp()
		<-cppDone
		return 0, &DispatchError{Stage: StageConnect, Host: h.Spec, HostFault: true, Err: err}
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cpp := <-cppDone
	if cpp.err != nil {
		return 0, cpp.err
	}
	if err := d.checkDepFile(job); err != nil {
		return 0, err
	}

	version := agent.VersionFor(h.Compression)
	_ = conn.SetDeadline(time.Now().Add(d.IOTimeout))
	sent, serr := sendRequest(conn, &agent.Request{
		Version: version,
		Args:    job.Args,
		Cwd:     d.Dir,
		Source:  cpp.source,
	})
	if serr != nil {
		serr.Host = h.Spec
		return 0, serr
	}
	run.rec.BytesSent = int64(sent)
	res, err := agent.ReadResult(conn, version)
	if err != nil {
		return 0, &DispatchError{Stage: StageReceive, Host: h.Spec, HostFault: true, Err: err}
	}
	run.rec.BytesReceived = int64(res.WireBytes)
	d.Backoff.Clear(h.Key())
	d.Metrics.Histogram("ccfleet_client_source_bytes", float64(len(cpp.source)), map[string]string{"host": h.Key()})
	d.Metrics.Counter("ccfleet_client_wire_bytes_total", float64(sent), map[string]string{"host": h.Key(), "direction": "sent"})
	d.Metrics.Counter("ccfleet_client_wire_bytes_total", float64(res.WireBytes), map[string]string{"host": h.Key(), "direction": "received"})

	if res.Status == 0 {
		if err := writeObject(d.path(job.OutputFile), res.Object); err != nil {
			return 0, &DispatchError{Stage: StageOutput, Host: h.Spec, Err: err}
		}
	}
	d.emit(cpp.stderr, res.Stderr, res.Stdout)
	outcome := OutcomeRemote
	if res.Status != 0 {
		outcome = OutcomeRemoteFailed
		run.logger.Debug().Int("status", res.Status).Msg("Remote compile failed")
	}
	d.finish(run, outcome, res.Status, nil)
	return res.Status, nil
}

// connWriter remembers the first error the connection itself returned.
type connWriter struct {
	w   io.Writer
	err error
}

func (c *connWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}

// sendRequest writes req to w. Only a failed write on w blames the host;
// encoding failures happen on this side of the connection.
func sendRequest(w io.Writer, req *agent.Request) (int, *DispatchError) {
	cw := &connWriter{w: w}
	sent, err := agent.WriteRequest(cw, req)
	if err != nil {
		return 0, &DispatchError{Stage: StageSend, HostFault: cw.err != nil, Err: err}
	}
	return sent, nil
}

type preprocessed struct {
	source []byte
	stderr []byte
	err    error
}

// preprocess produces the source to send. Its diagnostics are held back
// until the job succeeds remotely: on fallback the local compile prints
// them again.
func (d *Dispatcher) preprocess(ctx context.Context, job *args.Job) preprocessed {
	slot, err := d.CppPool.Acquire(ctx, WaitPolicy{Wait: true, Pause: d.Wait.Pause})
	if err != nil {
		return preprocessed{err: &DispatchError{Stage: StagePreprocess, Err: err}}
	}
	defer slot.Release()
	var stderr bytes.Buffer
	src, status, err := compiler.Preprocess(ctx, d.localRunner(), job, d.Dir, &stderr)
	switch {
	case err != nil:
		return preprocessed{err: &DispatchError{Stage: StagePreprocess, Err: err}}
	case status != 0:
		return preprocessed{err: &DispatchError{Stage: StagePreprocess, Err: fmt.Errorf("preprocessor exited with status %d", status)}}
	}
	return preprocessed{source: src, stderr: stderr.Bytes()}
}

func (d *Dispatcher) checkDepFile(job *args.Job) error {
	if !job.NeedsDepFile || job.DepFile == "" {
		return nil
	}
	if _, err := os.Stat(d.path(job.DepFile)); err != nil {
		return &DispatchError{Stage: StagePreprocess, Err: fmt.Errorf("dependency file not written: %w", err)}
	}
	return nil
}

// runLocal runs the original invocation on this machine, holding a slot of
// pool when pool is not nil.
func (d *Dispatcher) runLocal(ctx context.Context, argv []string, pool *SlotPool) (int, error) {
	if pool != nil {
		slot, err := pool.Acquire(ctx, WaitPolicy{Wait: true, Pause: d.Wait.Pause})
		if err != nil {
			return 0, err
		}
		defer slot.Release()
	}
	return d.localRunner().Run(ctx, compiler.Cmd{
		Argv:   argv,
		Dir:    d.Dir,
		Stdin:  d.Stdin,
		Stdout: d.Stdout,
		Stderr: d.Stderr,
	})
}

func (d *Dispatcher) localRunner() compiler.Runner {
	if d.LocalCompiler == "" {
		return d.Compiler
	}
	return argv0Runner{Runner: d.Compiler, argv0: d.LocalCompiler}
}

// argv0Runner substitutes the program run for every command.
type argv0Runner struct {
	compiler.Runner
	argv0 string
}

func (r argv0Runner) Run(ctx context.Context, c compiler.Cmd) (int, error) {
	if len(c.Argv) > 0 {
		c.Argv = append([]string{r.argv0}, c.Argv[1:]...)
	}
	return r.Runner.Run(ctx, c)
}

func (d *Dispatcher) path(name string) string {
	if filepath.IsAbs(name) || d.Dir == "" {
		return name
	}
	return filepath.Join(d.Dir, name)
}

func (d *Dispatcher) emit(cppStderr, stderr, stdout []byte) {
	for _, b := range [][]byte{cppStderr, stderr} {
		if len(b) > 0 && d.Stderr != nil {
			_, _ = d.Stderr.Write(b)
		}
	}
	if len(stdout) > 0 && d.Stdout != nil {
		_, _ = d.Stdout.Write(stdout)
	}
}

func (d *Dispatcher) finish(run *jobRun, outcome string, status int, err error) {
	run.rec.Outcome = outcome
	run.rec.Status = status
	run.rec.Duration = time.Since(run.rec.Started)
	if err != nil && run.rec.Reason == "" {
		run.rec.Reason = err.Error()
	}
	labels := map[string]string{"outcome": outcome, "host": run.rec.Host}
	d.Metrics.Counter("ccfleet_client_jobs_total", 1, labels)
	d.Metrics.Timer("ccfleet_client_job_duration", run.rec.Duration, labels)
	run.logger.Debug().
		Str("outcome", outcome).
		Int("status", status).
		Int64("sent", run.rec.BytesSent).
		Int64("received", run.rec.BytesReceived).
		Dur("duration", run.rec.Duration).
		Msg("Job finished")
	if d.History == nil {
		return
	}
	if err := d.History.RecordJob(context.Background(), run.rec); err != nil {
		run.logger.Warn().Err(err).Msg("Recording job history failed")
	}
}

// writeObject puts data at name through a temporary file in the same
// directory so a reader never sees a partial object.
func writeObject(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod object: %w", err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}
