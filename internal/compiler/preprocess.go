package compiler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/ccfleet/internal/args"
)

// Preprocess runs the preprocessing step of job on this machine and returns
// the preprocessed source. Compiler diagnostics go to stderr. A nonzero
// status is returned as is; the caller decides what it means.
func Preprocess(ctx context.Context, r Runner, job *args.Job, dir string, stderr io.Writer) ([]byte, int, error) {
	if job.Preprocessed {
		name := job.InputFile
		if dir != "" && !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		src, err := os.ReadFile(name)
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: %w", job.InputFile, err)
		}
		return src, 0, nil
	}
	var out bytes.Buffer
	status, err := r.Run(ctx, Cmd{
		Argv:   job.PreprocessArgs(),
		Dir:    dir,
		Stdout: &out,
		Stderr: stderr,
	})
	if err != nil {
		return nil, status, fmt.Errorf("preprocess %s: %w", job.InputFile, err)
	}
	return out.Bytes(), status, nil
}
