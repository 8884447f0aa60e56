package args

import "strings"

// Flags that only matter to the preprocessor or linker. The worker compiles
// preprocessed source, so these are dropped from what it runs.
var (
	stripWithValue = map[string]bool{
		"-D": true, "-I": true, "-U": true, "-L": true, "-l": true,
		"-MF": true, "-MT": true, "-MQ": true,
		"-include": true, "-imacros": true, "-iprefix": true, "-iwithprefix": true,
		"-isystem": true, "-iwithprefixbefore": true, "-idirafter": true,
	}
	stripPrefixes = []string{
		"-Wp,", "-Wl,", "-D", "-U", "-I", "-l", "-L",
		"-MF", "-MT", "-MQ", "-isystem", "-stdlib",
	}
	stripBare = map[string]bool{
		"-undef": true, "-nostdinc": true, "-nostdinc++": true,
		"-MD": true, "-MMD": true, "-MG": true, "-MP": true,
	}
)

// StripLocal removes local-only flags while keeping the relative order of
// everything else.
func StripLocal(argv []string) []string {
	out := make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		switch {
		case stripWithValue[a]:
			if i+1 < len(argv) {
				i++
			}
		case stripBare[a]:
		case hasAnyPrefix(a, stripPrefixes):
		default:
			out = append(out, a)
		}
	}
	return out
}

// StripOutput removes "-o FILE" and "-oFILE".
func StripOutput(argv []string) []string {
	out := make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		switch a := argv[i]; {
		case a == "-o":
			i++
		case strings.HasPrefix(a, "-o"):
		default:
			out = append(out, a)
		}
	}
	return out
}

// SetAction replaces every -c and -S with action. It reports false when
// neither flag was present.
func SetAction(argv []string, action string) ([]string, bool) {
	out := append([]string(nil), argv...)
	found := false
	for i, a := range out {
		if a == "-c" || a == "-S" {
			out[i] = action
			found = true
		}
	}
	return out, found
}

// ExpandPreprocessorOptions rewrites each "-Wp,a,b" into separate options.
// "-Wp,-MD,file" and "-Wp,-MMD,file" become "-MD -MF file" (or -MMD).
func ExpandPreprocessorOptions(argv []string) []string {
	var out []string
	for i, a := range argv {
		if !strings.HasPrefix(a, "-Wp,") {
			if out != nil {
				out = append(out, a)
			}
			continue
		}
		if out == nil {
			out = append(make([]string, 0, len(argv)+4), argv[:i]...)
		}
		parts := strings.Split(a[len("-Wp,"):], ",")
		for j := 0; j < len(parts); j++ {
			if parts[j] == "" {
				continue
			}
			out = append(out, parts[j])
			if (parts[j] == "-MD" || parts[j] == "-MMD") && j+1 < len(parts) {
				j++
				out = append(out, "-MF", parts[j])
			}
		}
	}
	if out == nil {
		return argv
	}
	return out
}

// PreprocessArgs returns the argument vector that writes this job's
// preprocessed source to standard output. When a dependency file is wanted
// because of -MD or -MMD, its name and target are pinned so the file lands
// where a local compile would have put it.
func (j *Job) PreprocessArgs() []string {
	argv, _ := SetAction(StripOutput(j.CompileArgs), "-E")
	if j.NeedsDepFile && !j.depFromEnv {
		if !j.explicitDepFile {
			argv = append(argv, "-MF", j.DepFile)
		}
		if !j.SetsDepTarget {
			argv = append(argv, "-MT", j.OutputFile)
		}
	}
	return argv
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
