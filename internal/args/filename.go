package args

import (
	"path/filepath"
	"strings"
)

// Extension returns the extension of the final path element without its
// dot. A name with no dot, a trailing dot, or only a leading dot (".c") has
// no extension.
func Extension(name string) (string, bool) {
	base := filepath.Base(name)
	dot := strings.LastIndexByte(base, '.')
	if dot <= 0 || dot == len(base)-1 {
		return "", false
	}
	return base[dot+1:], true
}

// sourceExts maps each compilable extension to its preprocessed form.
var sourceExts = map[string]string{
	"c":   "i",
	"i":   "i",
	"cc":  "ii",
	"cpp": "ii",
	"cxx": "ii",
	"cp":  "ii",
	"c++": "ii",
	"C":   "ii",
	"ii":  "ii",
	"m":   "mi",
	"mi":  "mi",
	"mm":  "mii",
	"M":   "mii",
	"mii": "mii",
}

// IsSource reports whether name has an extension the compiler driver
// preprocesses and compiles. Assembly (.s, .S) is not a source.
func IsSource(name string) bool {
	ext, ok := Extension(name)
	if !ok {
		return false
	}
	_, ok = sourceExts[ext]
	return ok
}

// IsPreprocessed reports whether name is already preprocessed source.
func IsPreprocessed(name string) bool {
	ext, ok := Extension(name)
	if !ok {
		return false
	}
	switch ext {
	case "i", "ii", "mi", "mii":
		return true
	}
	return false
}

// PreprocessedExt returns the extension, with dot, that preprocessing name
// produces.
func PreprocessedExt(name string) (string, bool) {
	ext, ok := Extension(name)
	if !ok {
		return "", false
	}
	pp, ok := sourceExts[ext]
	if !ok {
		return "", false
	}
	return "." + pp, true
}

// IsObject reports whether a bare token names an object file.
func IsObject(name string) bool {
	return strings.HasSuffix(name, ".o")
}

// ReplaceExt swaps the extension of name for ext (given with its dot),
// appending when name has none.
func ReplaceExt(name, ext string) string {
	if e, ok := Extension(name); ok {
		return name[:len(name)-len(e)-1] + ext
	}
	if strings.HasSuffix(name, ".") {
		return name + strings.TrimPrefix(ext, ".")
	}
	return name + ext
}

// outputFromSource derives the default output name: the source's base name
// in the current directory with ext.
func outputFromSource(source, ext string) string {
	return ReplaceExt(filepath.Base(source), ext)
}

// isAutoconfTest reports inputs generated by configure scripts.
func isAutoconfTest(source string) bool {
	base := filepath.Base(source)
	return strings.HasPrefix(base, "conftest.") || strings.HasPrefix(base, "tmp.conftest.")
}
