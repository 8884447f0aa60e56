package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	lzo "github.com/rasky/go-lzo"
)

// Kind identifies the block compression negotiated with a host.
type Kind uint8

const (
	None Kind = iota
	LZO1X
	Zstd
	LZ4
)

var (
	// ErrCorrupt reports a compressed block that cannot be decoded.
	ErrCorrupt = errors.New("codec: corrupt input")
	// ErrLengthMismatch reports a block whose decoded size differs from the declared size.
	ErrLengthMismatch = errors.New("codec: length mismatch")
)

// String returns the host-spec option name of the kind.
func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case LZO1X:
		return "lzo"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind maps a host-spec option name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "none":
		return None, nil
	case "lzo":
		return LZO1X, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<30))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd decoder: %v", err))
	}
}

// Compress encodes data with the given kind. Output is deterministic for a
// given input and kind. None returns data unchanged.
func Compress(data []byte, kind Kind) ([]byte, error) {
	switch kind {
	case None:
		return data, nil
	case LZO1X:
		return compressLZO(data), nil
	case Zstd:
		if len(data) == 0 {
			return []byte{}, nil
		}
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
	case LZ4:
		return compressLZ4(data)
	default:
		return nil, fmt.Errorf("compress: unsupported kind %d", kind)
	}
}

// Decompress decodes compressed into exactly expectedLen bytes. Truncated or
// malformed input returns ErrCorrupt, and a decoded size other than
// expectedLen returns ErrLengthMismatch.
func Decompress(compressed []byte, kind Kind, expectedLen int) ([]byte, error) {
	if expectedLen < 0 {
		return nil, fmt.Errorf("decompress: negative length %d: %w", expectedLen, ErrLengthMismatch)
	}
	switch kind {
	case None:
		if len(compressed) != expectedLen {
			return nil, fmt.Errorf("decompress none: got %d bytes, want %d: %w", len(compressed), expectedLen, ErrLengthMismatch)
		}
		return compressed, nil
	case LZO1X:
		return decompressLZO(compressed, expectedLen)
	case Zstd:
		return decompressZstd(compressed, expectedLen)
	case LZ4:
		return decompressLZ4(compressed, expectedLen)
	default:
		return nil, fmt.Errorf("decompress: unsupported kind %d", kind)
	}
}

// lzoEnd is the LZO1X end-of-stream marker, which is also the whole
// encoding of an empty input.
var lzoEnd = []byte{0x11, 0x00, 0x00}

func compressLZO(data []byte) []byte {
	if len(data) == 0 {
		return append([]byte(nil), lzoEnd...)
	}
	return lzo.Compress1X(data)
}

func decompressLZO(compressed []byte, expectedLen int) (out []byte, err error) {
	if len(compressed) < len(lzoEnd) {
		return nil, fmt.Errorf("lzo: %d byte block: %w", len(compressed), ErrCorrupt)
	}
	if expectedLen == 0 && bytes.Equal(compressed, lzoEnd) {
		return []byte{}, nil
	}
	// Malformed input can drive the decoder out of range.
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("lzo: %v: %w", r, ErrCorrupt)
		}
	}()
	out, err = lzo.Decompress1X(bytes.NewReader(compressed), len(compressed), expectedLen)
	if err != nil {
		return nil, fmt.Errorf("lzo: %v: %w", err, ErrCorrupt)
	}
	if len(out) != expectedLen {
		return nil, fmt.Errorf("lzo: got %d bytes, want %d: %w", len(out), expectedLen, ErrLengthMismatch)
	}
	return out, nil
}

func decompressZstd(compressed []byte, expectedLen int) ([]byte, error) {
	if len(compressed) == 0 {
		if expectedLen == 0 {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("zstd: empty block for %d bytes: %w", expectedLen, ErrCorrupt)
	}
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, expectedLen))
	if err != nil {
		return nil, fmt.Errorf("zstd: %v: %w", err, ErrCorrupt)
	}
	if len(out) != expectedLen {
		return nil, fmt.Errorf("zstd: got %d bytes, want %d: %w", len(out), expectedLen, ErrLengthMismatch)
	}
	return out, nil
}

// LZ4 uses the frame format so incompressible input still yields a valid
// block instead of the zero-length result of the raw block API.

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressLZ4(compressed []byte, expectedLen int) ([]byte, error) {
	if len(compressed) == 0 {
		if expectedLen == 0 {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("lz4: empty block for %d bytes: %w", expectedLen, ErrCorrupt)
	}
	r := lz4.NewReader(bytes.NewReader(compressed))
	out := make([]byte, expectedLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("lz4: %v: %w", err, ErrCorrupt)
	}
	var extra [1]byte
	n, err := r.Read(extra[:])
	if n > 0 {
		return nil, fmt.Errorf("lz4: output longer than %d bytes: %w", expectedLen, ErrLengthMismatch)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("lz4: %v: %w", err, ErrCorrupt)
	}
	return out, nil
}
