package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/3cpo-dev/ccfleet/internal/agent"
	"github.com/3cpo-dev/ccfleet/internal/args"
	"github.com/3cpo-dev/ccfleet/internal/codec"
	"github.com/3cpo-dev/ccfleet/internal/hosts"
)

// Exit codes for failures that are not the compiler's own status. Build
// wrappers written for distcc recognize the same values.
const (
	ExitFailed        = 100
	ExitBadArguments  = 101
	ExitConnectFailed = 103
	ExitBadHostSpec   = 106
	ExitIOError       = 107
	ExitTruncated     = 108
	ExitProtocolError = 109
	ExitBusy          = 114
	ExitNoHosts       = 116
	ExitTimeout       = 118
)

var (
	// ErrNoHosts means no host specification was found anywhere.
	ErrNoHosts = errors.New("no hosts configured")
	// ErrNoSlot means every eligible host was busy, down or backed off.
	ErrNoSlot = errors.New("no free slot on any host")
)

// Stage names the dispatch step that failed.
type Stage string

const (
	StageSelect     Stage = "select"
	StageConnect    Stage = "connect"
	StagePreprocess Stage = "preprocess"
	StageSend       Stage = "send"
	StageReceive    Stage = "receive"
	StageOutput     Stage = "output"
)

// DispatchError is a failure to get a job compiled remotely. It is always
// recoverable by compiling locally. HostFault is set when the host itself
// is to blame and should be backed off.
type DispatchError struct {
	Stage     Stage
	Host      string
	HostFault bool
	Err       error
}

func (e *DispatchError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Host, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *DispatchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ExitCode maps an error from this package or its collaborators to a
// process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var hse *hosts.HostSpecError
	var de *DispatchError
	switch {
	case errors.Is(err, args.ErrBadArguments):
		return ExitBadArguments
	case errors.As(err, &hse):
		return ExitBadHostSpec
	case errors.Is(err, ErrNoHosts):
		return ExitNoHosts
	case errors.Is(err, ErrNoSlot):
		return ExitBusy
	case errors.As(err, &de):
		return dispatchExitCode(de)
	}
	return ExitFailed
}

func dispatchExitCode(de *DispatchError) int {
	switch {
	case de.Timeout():
		return ExitTimeout
	case errors.Is(de, io.ErrUnexpectedEOF):
		return ExitTruncated
	case errors.Is(de, agent.ErrProtocol), errors.Is(de, codec.ErrCorrupt), errors.Is(de, codec.ErrLengthMismatch):
		return ExitProtocolError
	case de.Stage == StageConnect:
		return ExitConnectFailed
	case de.Stage == StageOutput, de.Stage == StagePreprocess:
		return ExitIOError
	case de.Stage == StageSelect:
		return ExitBusy
	}
	return ExitFailed
}
