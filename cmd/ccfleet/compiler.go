package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// selfPath is the resolved path of the running binary.
func selfPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		return resolved
	}
	return exe
}

func sameFile(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		return false
	}
	return ra == b
}

// isSelf reports whether name, as it would be run, is this binary.
func isSelf(name string) bool {
	if !strings.ContainsRune(name, filepath.Separator) {
		return false
	}
	return sameFile(name, selfPath())
}

// resolveCompiler finds the real compiler for name on PATH, skipping
// entries that lead back to this binary, as they do when it is installed
// as a compiler symlink ahead of the real one.
func resolveCompiler(name string) (string, error) {
	return lookPathExcept(name, os.Getenv("PATH"), selfPath())
}

func lookPathExcept(name, path, self string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		if !sameFile(name, self) {
			return name, nil
		}
		name = filepath.Base(name)
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		fi, err := os.Stat(candidate)
		if err != nil || fi.IsDir() || fi.Mode()&0o111 == 0 {
			continue
		}
		if sameFile(candidate, self) {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("compiler %s not found on PATH", name)
}
