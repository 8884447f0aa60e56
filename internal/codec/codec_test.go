package codec

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

var allKinds = []Kind{None, LZO1X, Zstd, LZ4}

func sampleInputs() map[string][]byte {
	rng := rand.New(rand.NewSource(42))
	random := make([]byte, 70000)
	rng.Read(random)

	// Mix of short and far repeats so every LZO match form is produced.
	var mixed bytes.Buffer
	for i := 0; i < 4000; i++ {
		mixed.WriteString("static int counter_")
		mixed.WriteByte(byte('a' + i%26))
		if i%7 == 0 {
			mixed.Write(random[i : i+3])
		}
		mixed.WriteString(" = 0;\n")
	}
	far := append(append(append([]byte{}, random[:500]...), random[:20000]...), random[:500]...)

	return map[string][]byte{
		"empty":   {},
		"one":     {'x'},
		"three":   []byte("abc"),
		"four":    []byte("abcd"),
		"zeros":   make([]byte, 100000),
		"text":    []byte(strings.Repeat("int main(void) { return 0; }\n", 300)),
		"random":  random,
		"mixed":   mixed.Bytes(),
		"far":     far,
		"longlit": random[:300],
	}
}

func TestRoundTrip(t *testing.T) {
	for name, in := range sampleInputs() {
		for _, kind := range allKinds {
			c, err := Compress(in, kind)
			if err != nil {
				t.Fatalf("%s/%s: compress: %v", name, kind, err)
			}
			out, err := Decompress(c, kind, len(in))
			if err != nil {
				t.Fatalf("%s/%s: decompress: %v", name, kind, err)
			}
			if !bytes.Equal(out, in) {
				t.Fatalf("%s/%s: round trip mismatch (%d vs %d bytes)", name, kind, len(out), len(in))
			}
		}
	}
}

func TestCompressIsDeterministic(t *testing.T) {
	in := sampleInputs()["mixed"]
	for _, kind := range allKinds {
		a, _ := Compress(in, kind)
		b, _ := Compress(in, kind)
		if !bytes.Equal(a, b) {
			t.Fatalf("%s: output differs between runs", kind)
		}
	}
}

func TestLZOEmptyIsEndMarker(t *testing.T) {
	c, _ := Compress(nil, LZO1X)
	if !bytes.Equal(c, []byte{0x11, 0, 0}) {
		t.Fatalf("expected bare end marker, got %x", c)
	}
}

func TestLZOCompressesRedundantInput(t *testing.T) {
	in := sampleInputs()["text"]
	c, _ := Compress(in, LZO1X)
	if len(c) >= len(in)/4 {
		t.Fatalf("expected strong compression, got %d from %d", len(c), len(in))
	}
}

func isCodecError(err error) bool {
	return errors.Is(err, ErrCorrupt) || errors.Is(err, ErrLengthMismatch)
}

func TestTruncatedInputFailsClosed(t *testing.T) {
	in := sampleInputs()["mixed"]
	for _, kind := range []Kind{LZO1X, Zstd, LZ4} {
		c, err := Compress(in, kind)
		if err != nil {
			t.Fatalf("%s: compress: %v", kind, err)
		}
		cuts := []int{0, 1, len(c) / 3, len(c) / 2}
		if kind == LZO1X {
			cuts = append(cuts, len(c)-1)
		}
		for _, cut := range cuts {
			_, err := Decompress(c[:cut], kind, len(in))
			if err == nil {
				t.Fatalf("%s: truncation at %d/%d decoded without error", kind, cut, len(c))
			}
			if !isCodecError(err) {
				t.Fatalf("%s: truncation at %d: unexpected error type %v", kind, cut, err)
			}
		}
	}
}

func TestLengthMismatch(t *testing.T) {
	in := []byte(strings.Repeat("abcdefgh", 64))
	for _, kind := range allKinds {
		c, _ := Compress(in, kind)
		for _, n := range []int{len(in) - 1, len(in) + 1} {
			if _, err := Decompress(c, kind, n); !isCodecError(err) {
				t.Fatalf("%s: expected codec error for length %d, got %v", kind, n, err)
			}
		}
	}
}

func TestLZOGarbageNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	buf := make([]byte, 64)
	for i := 0; i < 5000; i++ {
		n := rng.Intn(len(buf))
		rng.Read(buf[:n])
		_, _ = Decompress(buf[:n], LZO1X, rng.Intn(256))
	}
}

func TestLZODecodesShortMatchAfterLiterals(t *testing.T) {
	// Hand-assembled stream: initial run "ab" (0x13), then an M1 match
	// copying 2 bytes from distance 2 with one trailing literal 'c',
	// then the end marker.
	stream := []byte{17 + 2, 'a', 'b', 0x05, 0x00, 'c', 0x11, 0x00, 0x00}
	out, err := Decompress(stream, LZO1X, 5)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != "ababc" {
		t.Fatalf("got %q", out)
	}
}

func TestParseKind(t *testing.T) {
	for _, kind := range allKinds {
		got, err := ParseKind(kind.String())
		if err != nil || got != kind {
			t.Fatalf("ParseKind(%q) = %v, %v", kind.String(), got, err)
		}
	}
	if _, err := ParseKind("gzip"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func BenchmarkLZOCompress(b *testing.B) {
	in := sampleInputs()["mixed"]
	b.SetBytes(int64(len(in)))
	for i := 0; i < b.N; i++ {
		_, _ = Compress(in, LZO1X)
	}
}
