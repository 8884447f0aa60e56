package args

import "strings"

// DepInfo describes the dependency file a compile is expected to leave
// behind.
type DepInfo struct {
	Needs bool
	File  string
	// Target is set only from the environment convention. A command-line
	// -MT or -MQ with a separate value sets SetsTarget and nothing else;
	// bundled forms such as -MTx count as any other -M flag.
	Target     string
	SetsTarget bool
	Explicit   bool
	FromEnv    bool
}

// DependencyInfo scans argv for dependency-file flags. output is the object
// file the compile produces; depEnv is the value of DepEnvVar.
func DependencyInfo(argv []string, output, depEnv string) DepInfo {
	var d DepInfo
	if depEnv != "" {
		d.Needs = true
	}
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		if a == "-MT" || a == "-MQ" {
			d.SetsTarget = true
			i++
			continue
		}
		if strings.HasPrefix(a, "-M") {
			d.Needs = true
		}
		switch {
		case a == "-MF":
			if i+1 < len(argv) {
				i++
				d.File = argv[i]
				d.Explicit = true
			}
		case strings.HasPrefix(a, "-MF"):
			d.File = a[3:]
			d.Explicit = true
		}
	}
	if d.Explicit {
		return d
	}
	if depEnv != "" {
		d.FromEnv = true
		d.File = depEnv
		if sp := strings.IndexByte(depEnv, ' '); sp >= 0 {
			d.File, d.Target = depEnv[:sp], depEnv[sp+1:]
		}
		return d
	}
	d.File = ReplaceExt(output, ".d")
	return d
}

func (j *Job) applyDepInfo(argv []string, depEnv string) {
	d := DependencyInfo(argv, j.OutputFile, depEnv)
	j.NeedsDepFile = d.Needs
	j.DepFile = d.File
	j.DepTarget = d.Target
	j.SetsDepTarget = d.SetsTarget
	j.explicitDepFile = d.Explicit
	j.depFromEnv = d.FromEnv
}
