package security

import (
	"path/filepath"
	"strings"
)

// Allowlist restricts the host-shell tools agents may run.
type Allowlist struct {
	Commands []string
}

// DefaultShellAllowlist lists diagnostic tools that only read state.
func DefaultShellAllowlist() Allowlist {
	return Allowlist{Commands: []string{"cat", "df", "dmesg", "free", "ip", "ls", "netstat", "ps", "ss", "top", "uptime"}}
}

// Allows reports whether command starts with an allowed tool and contains no
// shell control characters.
func (a Allowlist) Allows(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 || strings.ContainsAny(command, ";|&`$<>\n\\") {
		return false
	}
	tool := filepath.Base(fields[0])
	for _, c := range a.Commands {
		if c == tool {
			return true
		}
	}
	return false
}

var readOnlyVerbs = map[string]bool{"show": true, "ping": true, "ping6": true, "traceroute": true, "traceroute6": true}

// IsReadOnlyCLI accepts switch CLI commands that cannot change configuration.
func IsReadOnlyCLI(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 || strings.ContainsAny(command, ";\n") {
		return false
	}
	return readOnlyVerbs[strings.ToLower(fields[0])]
}
