// Package args decides whether a compiler invocation can be compiled on a
// remote worker and derives the file names and argument vectors needed to
// do so.
package args

import (
	"errors"
	"fmt"
	"strings"
)

// DepEnvVar names the environment convention "<file> [<target>]" that asks
// the compiler to write a dependency file.
const DepEnvVar = "DEPENDENCIES_OUTPUT"

// ErrBadArguments marks an invocation that cannot be run at all, locally or
// remotely.
var ErrBadArguments = errors.New("bad arguments")

// Job describes a compile that may be shipped to a worker.
type Job struct {
	InputFile  string
	OutputFile string
	// Args is the argument vector the worker runs: local-only flags
	// stripped, output always explicit.
	Args []string
	// CompileArgs is the client-side argument vector with -Wp, options
	// expanded and the output made explicit.
	CompileArgs []string
	// Preprocessed is set when the input needs no preprocessing.
	Preprocessed bool

	NeedsDepFile bool
	DepFile      string
	// DepTarget comes only from the environment convention.
	DepTarget string
	// SetsDepTarget records a command-line -MT or -MQ with a separate value.
	SetsDepTarget bool
	// explicitDepFile records a command-line -MF.
	explicitDepFile bool
	depFromEnv      bool
}

// Result is the outcome of Classify: either a Job or a reason to compile
// locally.
type Result struct {
	Job    *Job
	Reason string
}

// Local reports whether the invocation must be compiled on this machine.
func (r Result) Local() bool { return r.Job == nil }

func local(format string, a ...any) Result {
	return Result{Reason: fmt.Sprintf(format, a...)}
}

// scan holds the state accumulated while walking an argument vector.
type scan struct {
	argv   []string
	i      int
	seenC  bool
	seenS  bool
	input  string
	output string
	local  string
}

func (s *scan) value(flag string) (string, error) {
	if s.i+1 >= len(s.argv) {
		return "", fmt.Errorf("%s requires a value: %w", flag, ErrBadArguments)
	}
	s.i++
	return s.argv[s.i], nil
}

func (s *scan) setOutput(name string) {
	if s.output != "" {
		s.local = "multiple output files (link step?)"
		return
	}
	s.output = name
}

// rule is one (predicate, action) pair of the scanner. Rules are tried in
// order and the first whose predicate matches handles the token.
type rule struct {
	match func(a string) bool
	apply func(s *scan, a string) error
}

func exact(names ...string) func(string) bool {
	return func(a string) bool {
		for _, n := range names {
			if a == n {
				return true
			}
		}
		return false
	}
}

func prefix(prefixes ...string) func(string) bool {
	return func(a string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(a, p) {
				return true
			}
		}
		return false
	}
}

func runLocal(reason string) func(*scan, string) error {
	return func(s *scan, a string) error {
		s.local = fmt.Sprintf("%s (%s)", reason, a)
		return nil
	}
}

func skipValue(s *scan, a string) error {
	_, err := s.value(a)
	return err
}

func pass(*scan, string) error { return nil }

var remoteLanguages = []string{"c", "c++", "objective-c", "objective-c++", "go"}

func languageOverride(s *scan, a string) error {
	lang := a[2:]
	if lang == "" {
		v, err := s.value(a)
		if err != nil {
			return err
		}
		lang = v
	}
	for _, l := range remoteLanguages {
		if strings.HasPrefix(lang, l) {
			return nil
		}
	}
	s.local = fmt.Sprintf("language override -x %s", lang)
	return nil
}

var rules = []rule{
	{exact("-E"), runLocal("preprocess only")},
	{exact("-Xclang"), skipValue},
	{exact("-MD", "-MMD", "-MG", "-MP"), pass},
	{exact("-MF", "-MT", "-MQ"), skipValue},
	{prefix("-MF", "-MT", "-MQ"), pass},
	{prefix("-M"), runLocal("dependency listing")},
	{exact("-march=native", "-mtune=native", "-mcpu=native"), runLocal("host-specific target")},
	{func(a string) bool {
		return strings.HasPrefix(a, "-Wa,") && (strings.Contains(a, ",-a") || strings.Contains(a, "--MD"))
	}, runLocal("assembler listing")},
	{prefix("-specs="), runLocal("compiler specs override")},
	{exact("-S"), func(s *scan, _ string) error { s.seenS = true; return nil }},
	{exact("-fprofile-arcs", "-ftest-coverage", "--coverage", "-fprofile-correction"), runLocal("profiling")},
	{prefix("-fprofile-generate", "-fprofile-use", "-fauto-profile"), runLocal("profiling")},
	{exact("-frepo"), runLocal("template repository")},
	{prefix("-x"), languageOverride},
	{prefix("-dr"), runLocal("rtl dump")},
	{exact("-c"), func(s *scan, _ string) error { s.seenC = true; return nil }},
	{exact("-o"), func(s *scan, a string) error {
		v, err := s.value(a)
		if err != nil {
			return err
		}
		s.setOutput(v)
		return nil
	}},
	{prefix("-o"), func(s *scan, a string) error { s.setOutput(a[2:]); return nil }},
	{prefix("-"), pass},
	{IsSource, func(s *scan, a string) error {
		if s.input != "" {
			s.local = fmt.Sprintf("multiple inputs (%s, %s)", s.input, a)
			return nil
		}
		s.input = a
		return nil
	}},
	{IsObject, func(s *scan, a string) error { s.setOutput(a); return nil }},
}

// Classify decides whether argv (compiler first) can be distributed.
// depEnv is the value of DepEnvVar, or "" when unset. A malformed
// invocation returns an error wrapping ErrBadArguments.
func Classify(argv []string, depEnv string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command line: %w", ErrBadArguments)
	}
	if strings.HasPrefix(argv[0], "-") {
		return Result{}, fmt.Errorf("compiler name %q looks like an option: %w", argv[0], ErrBadArguments)
	}
	argv = ExpandPreprocessorOptions(argv)

	s := &scan{argv: argv}
	for s.i = 1; s.i < len(argv); s.i++ {
		a := argv[s.i]
		for _, r := range rules {
			if !r.match(a) {
				continue
			}
			if err := r.apply(s, a); err != nil {
				return Result{}, err
			}
			break
		}
		if s.local != "" {
			return local("%s", s.local), nil
		}
	}

	if !s.seenC && !s.seenS {
		return local("no -c or -S"), nil
	}
	if s.input == "" {
		return local("no source input"), nil
	}
	if isAutoconfTest(s.input) {
		return local("autoconf test program %s", s.input), nil
	}

	compileArgs := append([]string(nil), argv...)
	if s.output == "" {
		ext := ".o"
		if s.seenS {
			ext = ".s"
		}
		s.output = outputFromSource(s.input, ext)
		compileArgs = append(compileArgs, "-o", s.output)
	}
	if s.output == "-" {
		return local("output to stdout"), nil
	}

	job := &Job{
		InputFile:    s.input,
		OutputFile:   s.output,
		Args:         StripLocal(compileArgs),
		CompileArgs:  compileArgs,
		Preprocessed: IsPreprocessed(s.input),
	}
	job.applyDepInfo(compileArgs, depEnv)
	return Result{Job: job}, nil
}
