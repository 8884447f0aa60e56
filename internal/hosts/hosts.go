// Package hosts parses host specifications: the compact text that lists
// compile workers, how to reach them, and how many jobs each takes.
//
//	localhost/4 build1/8,lzo build2:4000 alice@build3,zstd  # comment
package hosts

import (
	"fmt"
	"math/rand"
	"net"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/3cpo-dev/ccfleet/internal/codec"
)

const (
	// DefaultPort is the TCP port workers listen on.
	DefaultPort = 3632
	// DefaultSlots is the capacity of a remote host without /N.
	DefaultSlots = 4

	defaultLocalSlots    = 2
	defaultLocalCppSlots = 8
)

// Mode is how a host is reached.
type Mode int

const (
	ModeLocal Mode = iota
	ModeTCP
	ModeSSH
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeTCP:
		return "tcp"
	case ModeSSH:
		return "ssh"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// HostDef is one parsed host entry.
type HostDef struct {
	// Spec is the entry exactly as written.
	Spec string
	Mode Mode
	Host string
	Port int
	// User and Command apply to SSH hosts; empty means the ssh default.
	User        string
	Command     string
	Slots       int
	Compression codec.Kind
	// Down hosts are parsed but never selected.
	Down bool
}

// Key identifies the host across processes, e.g. for shared backoff state.
func (h HostDef) Key() string {
	switch h.Mode {
	case ModeLocal:
		return "localhost"
	case ModeTCP:
		return "tcp:" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
	default:
		if h.User != "" {
			return "ssh:" + h.User + "@" + h.Host
		}
		return "ssh:" + h.Host
	}
}

func (h HostDef) String() string { return h.Spec }

// List is a parsed host specification.
type List struct {
	Hosts []HostDef
	// LocalSlots bounds concurrent local compiles; LocalCppSlots bounds
	// concurrent local preprocessing.
	LocalSlots    int
	LocalCppSlots int
	Randomized    bool
}

// HostSpecError reports an unusable host specification.
type HostSpecError struct {
	Token  string
	Reason string
}

func (e *HostSpecError) Error() string {
	if e.Token == "" {
		return "host specification: " + e.Reason
	}
	return fmt.Sprintf("host specification %q: %s", e.Token, e.Reason)
}

// LocalCPUs is the slot count used for a bare localhost entry.
func LocalCPUs() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Parse parses spec. Entries are separated by whitespace; '#' starts a
// comment that runs to the end of the line. The whole spec fails if any
// entry fails or no host is listed.
func Parse(spec string) (*List, error) {
	l := &List{LocalSlots: defaultLocalSlots, LocalCppSlots: defaultLocalCppSlots}
	for _, tok := range tokenize(spec) {
		switch {
		case tok == "--randomize":
			l.Randomized = true
			continue
		case strings.HasPrefix(tok, "--localslots_cpp"):
			n, rest, err := parseSlots(tok[len("--localslots_cpp"):])
			if err != nil || rest != "" || n == 0 {
				return nil, &HostSpecError{Token: tok, Reason: "bad --localslots_cpp value"}
			}
			l.LocalCppSlots = n
			continue
		case strings.HasPrefix(tok, "--localslots"):
			n, rest, err := parseSlots(tok[len("--localslots"):])
			if err != nil || rest != "" || n == 0 {
				return nil, &HostSpecError{Token: tok, Reason: "bad --localslots value"}
			}
			l.LocalSlots = n
			continue
		}
		h, err := parseEntry(tok)
		if err != nil {
			return nil, err
		}
		l.Hosts = append(l.Hosts, h)
	}
	if len(l.Hosts) == 0 {
		return nil, &HostSpecError{Reason: "no hosts"}
	}
	if l.Randomized {
		rand.Shuffle(len(l.Hosts), func(i, j int) { l.Hosts[i], l.Hosts[j] = l.Hosts[j], l.Hosts[i] })
	}
	return l, nil
}

func tokenize(spec string) []string {
	var toks []string
	for len(spec) > 0 {
		switch c := spec[0]; {
		case c == '#':
			end := strings.IndexAny(spec, "\n\r")
			if end < 0 {
				return toks
			}
			spec = spec[end:]
		case isSpace(c):
			spec = spec[1:]
		default:
			end := strings.IndexAny(spec, " #\t\n\f\r\v")
			if end < 0 {
				end = len(spec)
			}
			toks = append(toks, spec[:end])
			spec = spec[end:]
		}
	}
	return toks
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func parseEntry(tok string) (HostDef, error) {
	h := HostDef{Spec: tok, Slots: DefaultSlots}
	var err error
	switch {
	case strings.HasPrefix(tok, "localhost") && (len(tok) == 9 || tok[9] == '/' || tok[9] == '='):
		err = parseLocal(&h, tok[len("localhost"):])
	case strings.Contains(tok, "@"):
		err = parseSSH(&h, tok)
	default:
		err = parseTCP(&h, tok)
	}
	return h, err
}

func parseLocal(h *HostDef, rest string) error {
	h.Mode = ModeLocal
	h.Host = "localhost"
	h.Slots = LocalCPUs()
	rest, err := multiplier(h, rest)
	if err != nil {
		return err
	}
	if rest != "" {
		return &HostSpecError{Token: h.Spec, Reason: fmt.Sprintf("unexpected %q after localhost", rest)}
	}
	return nil
}

func parseSSH(h *HostDef, tok string) error {
	h.Mode = ModeSSH
	at := strings.IndexByte(tok, '@')
	h.User = tok[:at]
	rest := tok[at+1:]

	end := strings.IndexAny(rest, "/:,")
	if end < 0 {
		end = len(rest)
	}
	h.Host, rest = rest[:end], rest[end:]
	if h.Host == "" {
		return &HostSpecError{Token: h.Spec, Reason: "hostname is required"}
	}
	rest, err := multiplier(h, rest)
	if err != nil {
		return err
	}
	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			end = len(rest)
		}
		h.Command, rest = rest[:end], rest[end:]
	}
	return options(h, rest)
}

func parseTCP(h *HostDef, tok string) error {
	h.Mode = ModeTCP
	h.Port = DefaultPort
	rest := tok
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return &HostSpecError{Token: h.Spec, Reason: "IPv6 address requires closing ']'"}
		}
		h.Host, rest = rest[1:end], rest[end+1:]
	} else {
		end := strings.IndexAny(rest, "/:,")
		if end < 0 {
			end = len(rest)
		}
		h.Host, rest = rest[:end], rest[end:]
	}
	if h.Host == "" {
		return &HostSpecError{Token: h.Spec, Reason: "hostname is required"}
	}
	rest, err := multiplier(h, rest)
	if err != nil {
		return err
	}
	if strings.HasPrefix(rest, ":") {
		rest = rest[1:]
		end := strings.IndexAny(rest, "/,")
		if end < 0 {
			end = len(rest)
		}
		port, err := strconv.Atoi(rest[:end])
		if err != nil || port <= 0 || port > 65535 {
			return &HostSpecError{Token: h.Spec, Reason: fmt.Sprintf("invalid port %q", rest[:end])}
		}
		h.Port, rest = port, rest[end:]
	}
	if rest, err = multiplier(h, rest); err != nil {
		return err
	}
	return options(h, rest)
}

// multiplier consumes an optional "/N" or "=N" slot count.
func multiplier(h *HostDef, rest string) (string, error) {
	if !strings.HasPrefix(rest, "/") && !strings.HasPrefix(rest, "=") {
		return rest, nil
	}
	n, rest, err := parseSlots(rest)
	if err != nil || n == 0 {
		return "", &HostSpecError{Token: h.Spec, Reason: "bad slot multiplier"}
	}
	h.Slots = n
	return rest, nil
}

// parseSlots reads "/N" or "=N" from the front of s.
func parseSlots(s string) (int, string, error) {
	if s == "" || (s[0] != '/' && s[0] != '=') {
		return 0, s, fmt.Errorf("expected /N")
	}
	s = s[1:]
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, s, err
	}
	return n, s[end:], nil
}

func options(h *HostDef, rest string) error {
	for rest != "" {
		if rest[0] != ',' {
			return &HostSpecError{Token: h.Spec, Reason: fmt.Sprintf("unexpected %q", rest)}
		}
		rest = rest[1:]
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			end = len(rest)
		}
		opt := rest[:end]
		rest = rest[end:]
		switch opt {
		case "lzo", "zstd", "lz4":
			h.Compression, _ = codec.ParseKind(opt)
		case "down":
			h.Down = true
		case "cpp", "auth":
			return &HostSpecError{Token: h.Spec, Reason: fmt.Sprintf("option %q is not supported", opt)}
		default:
			return &HostSpecError{Token: h.Spec, Reason: fmt.Sprintf("unrecognized option %q", opt)}
		}
	}
	return nil
}
