package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ccfleet/internal/codec"
)

// Protocol versions. The version selects the block compression used in
// both directions.
const (
	VersionPlain uint32 = 1
	VersionLZO   uint32 = 2
	VersionZstd  uint32 = 4
	VersionLZ4   uint32 = 5

	MaxVersion = VersionLZ4
)

// Limits applied while reading so a corrupt length cannot force a huge
// allocation.
const (
	MaxArgs      = 1 << 16
	MaxArgLen    = 1 << 20
	MaxBlockSize = 1 << 30
)

// Token names. Every token is four ASCII characters followed by eight
// lowercase hex digits; blocks follow their token as raw bytes.
const (
	tokRequest = "DIST"
	tokArgc    = "ARGC"
	tokArgv    = "ARGV"
	tokCwd     = "CDIR"
	tokSource  = "DOTI"
	tokDone    = "DONE"
	tokStatus  = "STAT"
	tokStderr  = "SERR"
	tokStdout  = "SOUT"
	tokObject  = "DOTO"
	tokReady   = "REDY"
)

// ErrProtocol marks a peer that sent something other than what the
// protocol allows at that point.
var ErrProtocol = errors.New("protocol error")

// VersionFor returns the protocol version that carries blocks compressed
// with kind.
func VersionFor(kind codec.Kind) uint32 {
	switch kind {
	case codec.LZO1X:
		return VersionLZO
	case codec.Zstd:
		return VersionZstd
	case codec.LZ4:
		return VersionLZ4
	default:
		return VersionPlain
	}
}

// KindFor maps a protocol version to its block compression.
func KindFor(version uint32) (codec.Kind, error) {
	switch version {
	case VersionPlain:
		return codec.None, nil
	case VersionLZO:
		return codec.LZO1X, nil
	case VersionZstd:
		return codec.Zstd, nil
	case VersionLZ4:
		return codec.LZ4, nil
	default:
		return codec.None, fmt.Errorf("unsupported protocol version %d: %w", version, ErrProtocol)
	}
}

// Request is what the client sends for one compile.
type Request struct {
	Version uint32
	Args    []string
	Cwd     string
	// Source is the preprocessed source, uncompressed.
	Source []byte
}

// Result is what the worker sends back.
type Result struct {
	Status int
	Stderr []byte
	Stdout []byte
	// Object is empty unless Status is zero.
	Object []byte
	// WireBytes counts the block bytes as they crossed the connection.
	WireBytes int
}

func writeToken(w io.Writer, name string, v uint32) error {
	_, err := fmt.Fprintf(w, "%s%08x", name, v)
	return err
}

func writeToken2(w io.Writer, name string, a, b uint32) error {
	_, err := fmt.Fprintf(w, "%s%08x%08x", name, a, b)
	return err
}

func readHex(r io.Reader) (uint32, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, truncated(err)
	}
	v, err := strconv.ParseUint(string(buf[:]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad token value %q: %w", buf[:], ErrProtocol)
	}
	return uint32(v), nil
}

func readToken(r io.Reader, name string) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, truncated(err)
	}
	if string(buf[:]) != name {
		return 0, fmt.Errorf("expected token %s, got %q: %w", name, buf[:], ErrProtocol)
	}
	return readHex(r)
}

func readToken2(r io.Reader, name string) (uint32, uint32, error) {
	a, err := readToken(r, name)
	if err != nil {
		return 0, 0, err
	}
	b, err := readHex(r)
	return a, b, err
}

// truncated turns an early EOF into io.ErrUnexpectedEOF so callers can tell
// a cut-off stream from other I/O failures.
func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func readBytes(r io.Reader, n uint32, limit int) ([]byte, error) {
	if int64(n) > int64(limit) {
		return nil, fmt.Errorf("block of %d bytes exceeds limit %d: %w", n, limit, ErrProtocol)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, truncated(err)
	}
	return buf, nil
}

func writeString(w io.Writer, name, s string) error {
	if err := writeToken(w, name, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader, name string) (string, error) {
	n, err := readToken(r, name)
	if err != nil {
		return "", err
	}
	b, err := readBytes(r, n, MaxArgLen)
	return string(b), err
}

// writeBlock sends data under name. Uncompressed versions carry one length;
// compressed versions carry the wire length and the decoded length. It
// returns the number of block bytes written after the token.
func writeBlock(w io.Writer, name string, data []byte, kind codec.Kind) (int, error) {
	if kind == codec.None {
		if err := writeToken(w, name, uint32(len(data))); err != nil {
			return 0, err
		}
		return w.Write(data)
	}
	if len(data) == 0 {
		return 0, writeToken2(w, name, 0, 0)
	}
	packed, err := codec.Compress(data, kind)
	if err != nil {
		return 0, fmt.Errorf("compress %s: %w", name, err)
	}
	if err := writeToken2(w, name, uint32(len(packed)), uint32(len(data))); err != nil {
		return 0, err
	}
	return w.Write(packed)
}

func readBlock(r io.Reader, name string, kind codec.Kind) ([]byte, int, error) {
	if kind == codec.None {
		n, err := readToken(r, name)
		if err != nil {
			return nil, 0, err
		}
		b, err := readBytes(r, n, MaxBlockSize)
		return b, len(b), err
	}
	wire, size, err := readToken2(r, name)
	if err != nil {
		return nil, 0, err
	}
	if size > MaxBlockSize {
		return nil, 0, fmt.Errorf("%s declares %d bytes: %w", name, size, ErrProtocol)
	}
	if wire == 0 {
		if size != 0 {
			return nil, 0, fmt.Errorf("%s: empty block declares %d bytes: %w", name, size, ErrProtocol)
		}
		return []byte{}, 0, nil
	}
	packed, err := readBytes(r, wire, MaxBlockSize)
	if err != nil {
		return nil, 0, err
	}
	data, err := codec.Decompress(packed, kind, int(size))
	if err != nil {
		return nil, 0, fmt.Errorf("decompress %s: %w", name, err)
	}
	return data, len(packed), nil
}

// WriteRequest sends req and returns the size of the source block on the
// wire.
func WriteRequest(w io.Writer, req *Request) (int, error) {
	kind, err := KindFor(req.Version)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriterSize(w, 64<<10)
	if err := writeToken(bw, tokRequest, req.Version); err != nil {
		return 0, err
	}
	if err := writeToken(bw, tokArgc, uint32(len(req.Args))); err != nil {
		return 0, err
	}
	for _, a := range req.Args {
		if err := writeString(bw, tokArgv, a); err != nil {
			return 0, err
		}
	}
	if err := writeString(bw, tokCwd, req.Cwd); err != nil {
		return 0, err
	}
	n, err := writeBlock(bw, tokSource, req.Source, kind)
	if err != nil {
		return 0, err
	}
	return n, bw.Flush()
}

// ReadRequest reads one request. Versions above maxVersion, or unknown
// ones, are rejected.
func ReadRequest(r io.Reader, maxVersion uint32) (*Request, error) {
	br := bufio.NewReader(r)
	version, err := readToken(br, tokRequest)
	if err != nil {
		return nil, fmt.Errorf("read request header: %w", err)
	}
	if version > maxVersion {
		return nil, fmt.Errorf("client version %d above %d: %w", version, maxVersion, ErrProtocol)
	}
	kind, err := KindFor(version)
	if err != nil {
		return nil, err
	}
	argc, err := readToken(br, tokArgc)
	if err != nil {
		return nil, fmt.Errorf("read argc: %w", err)
	}
	if argc == 0 || argc > MaxArgs {
		return nil, fmt.Errorf("argc %d out of range: %w", argc, ErrProtocol)
	}
	req := &Request{Version: version, Args: make([]string, 0, argc)}
	for i := uint32(0); i < argc; i++ {
		a, err := readString(br, tokArgv)
		if err != nil {
			return nil, fmt.Errorf("read argv[%d]: %w", i, err)
		}
		req.Args = append(req.Args, a)
	}
	if req.Cwd, err = readString(br, tokCwd); err != nil {
		return nil, fmt.Errorf("read cwd: %w", err)
	}
	if req.Source, _, err = readBlock(br, tokSource, kind); err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return req, nil
}

// WriteResult sends res, compressed per version.
func WriteResult(w io.Writer, version uint32, res *Result) error {
	kind, err := KindFor(version)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(w, 64<<10)
	if err := writeToken(bw, tokDone, version); err != nil {
		return err
	}
	if err := writeToken(bw, tokStatus, uint32(res.Status)); err != nil {
		return err
	}
	if _, err := writeBlock(bw, tokStderr, res.Stderr, kind); err != nil {
		return err
	}
	if _, err := writeBlock(bw, tokStdout, res.Stdout, kind); err != nil {
		return err
	}
	var obj []byte
	if res.Status == 0 {
		obj = res.Object
	}
	if _, err := writeBlock(bw, tokObject, obj, kind); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadResult reads the worker's reply to a request sent with version.
func ReadResult(r io.Reader, version uint32) (*Result, error) {
	kind, err := KindFor(version)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(r)
	got, err := readToken(br, tokDone)
	if err != nil {
		return nil, fmt.Errorf("read result header: %w", err)
	}
	if got != version {
		return nil, fmt.Errorf("worker answered version %d to %d: %w", got, version, ErrProtocol)
	}
	status, err := readToken(br, tokStatus)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	res := &Result{Status: int(int32(status))}
	var n int
	if res.Stderr, n, err = readBlock(br, tokStderr, kind); err != nil {
		return nil, fmt.Errorf("read stderr: %w", err)
	}
	res.WireBytes += n
	if res.Stdout, n, err = readBlock(br, tokStdout, kind); err != nil {
		return nil, fmt.Errorf("read stdout: %w", err)
	}
	res.WireBytes += n
	obj, n, err := readBlock(br, tokObject, kind)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	res.WireBytes += n
	if res.Status == 0 {
		res.Object = obj
	} else if len(obj) != 0 {
		log.Warn().Int("status", res.Status).Int("bytes", len(obj)).Msg("Discarding object sent with failing status")
	}
	return res, nil
}

// WriteReady sends the banner a worker started over a tunnel prints before
// reading a request.
func WriteReady(w io.Writer, maxVersion uint32) error {
	return writeToken(w, tokReady, maxVersion)
}

// ReadReady validates the ready banner and returns the worker's highest
// version.
func ReadReady(r io.Reader) (uint32, error) {
	v, err := readToken(r, tokReady)
	if err != nil {
		return 0, fmt.Errorf("read ready banner: %w", err)
	}
	return v, nil
}
