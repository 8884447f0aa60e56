package compiler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/ccfleet/internal/args"
)

func TestExecCapturesStreamsAndStatus(t *testing.T) {
	out, err := Capture(context.Background(), NewExec(), Cmd{
		Argv: []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != 3 || string(out.Stdout) != "out\n" || string(out.Stderr) != "err\n" {
		t.Fatalf("got status=%d stdout=%q stderr=%q", out.Status, out.Stdout, out.Stderr)
	}
}

func TestExecRunsInDir(t *testing.T) {
	dir := t.TempDir()
	out, err := Capture(context.Background(), NewExec(), Cmd{Argv: []string{"sh", "-c", "pwd"}, Dir: dir})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(out.Stdout)))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Fatalf("pwd %q, want %q", got, want)
	}
}

func TestExecMissingBinary(t *testing.T) {
	_, err := NewExec().Run(context.Background(), Cmd{Argv: []string{"ccfleet-no-such-compiler"}})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestExecCancelKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	e := &Exec{TerminationGrace: 100 * time.Millisecond}
	start := time.Now()
	_, err := e.Run(ctx, Cmd{Argv: []string{"sh", "-c", "sleep 30 & wait"}})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancel took %v", time.Since(start))
	}
}

func TestExitStatusForSignal(t *testing.T) {
	out, err := Capture(context.Background(), NewExec(), Cmd{Argv: []string{"sh", "-c", "kill -TERM $$"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != 128+15 {
		t.Fatalf("status %d", out.Status)
	}
}

// fakeRunner records commands and writes canned output.
type fakeRunner struct {
	argv   []string
	stdout string
	stderr string
	status int
}

func (f *fakeRunner) Run(_ context.Context, c Cmd) (int, error) {
	f.argv = c.Argv
	if c.Stdout != nil {
		c.Stdout.Write([]byte(f.stdout))
	}
	if c.Stderr != nil {
		c.Stderr.Write([]byte(f.stderr))
	}
	return f.status, nil
}

func TestPreprocessRunsDashE(t *testing.T) {
	res, err := args.Classify([]string{"gcc", "-O2", "-c", "hello.c", "-o", "hello.o"}, "")
	if err != nil || res.Local() {
		t.Fatalf("classify: %+v %v", res, err)
	}
	f := &fakeRunner{stdout: "int main;", stderr: "warning"}
	var stderr bytes.Buffer
	src, status, err := Preprocess(context.Background(), f, res.Job, "", &stderr)
	if err != nil || status != 0 {
		t.Fatalf("preprocess: %d %v", status, err)
	}
	if string(src) != "int main;" || stderr.String() != "warning" {
		t.Fatalf("src=%q stderr=%q", src, stderr.String())
	}
	if strings.Join(f.argv, " ") != "gcc -O2 -E hello.c" {
		t.Fatalf("argv %q", f.argv)
	}
}

func TestPreprocessReadsPreprocessedInput(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.i"), []byte("int a;"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := args.Classify([]string{"gcc", "-c", "a.i"}, "")
	if err != nil || res.Local() {
		t.Fatalf("classify: %+v %v", res, err)
	}
	f := &fakeRunner{}
	src, _, err := Preprocess(context.Background(), f, res.Job, dir, nil)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if string(src) != "int a;" || f.argv != nil {
		t.Fatalf("src=%q argv=%q", src, f.argv)
	}
}
