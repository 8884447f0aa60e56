// Package compiler runs compiler processes for the client and the worker.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCanceled is returned when the context ends before the process exits.
var ErrCanceled = errors.New("compiler process canceled")

// Cmd is one process to run.
type Cmd struct {
	Argv []string
	Dir  string
	// Env replaces the environment when non-nil.
	Env []string
	// Stdin defaults to no input.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner starts compiler processes. Run returns the exit status; an error
// means the process could not be started or did not finish.
type Runner interface {
	Run(ctx context.Context, c Cmd) (int, error)
}

// Exec runs commands with os/exec. Each process gets its own process group
// so that cancellation reaches the driver's children (cc1, as).
type Exec struct {
	// TerminationGrace is the wait between SIGTERM and SIGKILL.
	TerminationGrace time.Duration
}

// NewExec returns an Exec with default settings.
func NewExec() *Exec {
	return &Exec{TerminationGrace: 2 * time.Second}
}

func (e *Exec) Run(ctx context.Context, c Cmd) (int, error) {
	if len(c.Argv) == 0 {
		return 0, fmt.Errorf("empty command")
	}
	path, err := exec.LookPath(c.Argv[0])
	if err != nil {
		return 0, fmt.Errorf("find %s: %w", c.Argv[0], err)
	}
	cmd := exec.Command(path, c.Argv[1:]...)
	cmd.Args[0] = c.Argv[0]
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", c.Argv[0], err)
	}
	log.Debug().Str("argv0", c.Argv[0]).Int("pid", cmd.Process.Pid).Int("args", len(c.Argv)-1).Msg("Compiler started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		e.terminate(cmd.Process.Pid, done)
		return 0, fmt.Errorf("%s: %w", c.Argv[0], ErrCanceled)
	}

	status := exitStatus(cmd.ProcessState)
	log.Debug().Str("argv0", c.Argv[0]).Int("status", status).Dur("took", time.Since(start)).Msg("Compiler finished")

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return status, fmt.Errorf("wait %s: %w", c.Argv[0], waitErr)
	}
	return status, nil
}

// terminate sends SIGTERM to the process group, then SIGKILL if the group
// has not exited after the grace period.
func (e *Exec) terminate(pid int, done <-chan error) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	grace := e.TerminationGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
	}
}

// exitStatus follows the shell convention: 128+N for a process killed by
// signal N.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// Output holds the captured streams of a finished process.
type Output struct {
	Status int
	Stdout []byte
	Stderr []byte
}

// Capture runs c with both output streams collected in memory. Writers set
// on c are ignored.
func Capture(ctx context.Context, r Runner, c Cmd) (Output, error) {
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	status, err := r.Run(ctx, c)
	return Output{Status: status, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
}
