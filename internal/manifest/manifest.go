package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"nae-runtime/internal/validation"
)

type Manifest struct {
	Name              string   `yaml:"Name" json:"name"`
	Description       string   `yaml:"Description" json:"description,omitempty"`
	Version           string   `yaml:"Version" json:"version"`
	Author            string   `yaml:"Author" json:"author,omitempty"`
	AOSCXVersionMin   string   `yaml:"AOSCXVersionMin" json:"aoscxVersionMin,omitempty"`
	AOSCXPlatformList []string `yaml:"AOSCXPlatformList" json:"aoscxPlatformList,omitempty"`
}

// HostInfo describes the switch the agent is loaded on. Empty fields skip
// the corresponding compatibility check.
type HostInfo struct {
	SoftwareVersion string
	Platform        string
}

var (
	versionRe = regexp.MustCompile(`^\d+(\.\d+){0,3}$`)
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.\-]{0,99}$`)
)

func (m Manifest) Validate(host HostInfo) error {
	var c validation.Collector
	if strings.TrimSpace(m.Name) == "" {
		c.Add("Name", "missing", "Provide the agent name")
	} else if !nameRe.MatchString(m.Name) {
		c.Add("Name", "invalid", "Use letters, digits, spaces, dots, dashes or underscores")
	}
	if strings.TrimSpace(m.Version) == "" {
		c.Add("Version", "missing", "Example: 1.0")
	} else if !versionRe.MatchString(m.Version) {
		c.Add("Version", "invalid", "Example: 1.0")
	}
	if m.AOSCXVersionMin != "" {
		if !versionRe.MatchString(m.AOSCXVersionMin) {
			c.Add("AOSCXVersionMin", "invalid", "Example: 10.04")
		} else if host.SoftwareVersion != "" {
			hostVersion := normalizeSoftwareVersion(host.SoftwareVersion)
			if versionRe.MatchString(hostVersion) && CompareVersions(hostVersion, m.AOSCXVersionMin) < 0 {
				c.Add("AOSCXVersionMin", "unsupported", fmt.Sprintf("host runs %s", host.SoftwareVersion))
			}
		}
	}
	if len(m.AOSCXPlatformList) > 0 && host.Platform != "" {
		found := false
		for _, p := range m.AOSCXPlatformList {
			if strings.EqualFold(strings.TrimSpace(p), host.Platform) {
				found = true
				break
			}
		}
		if !found {
			c.Add("AOSCXPlatformList", "unsupported", fmt.Sprintf("host platform %s not listed", host.Platform))
		}
	}
	return c.Err(validation.CodeManifest, "manifest failed validation")
}

// normalizeSoftwareVersion strips image prefixes such as "FL." or "GL.".
func normalizeSoftwareVersion(v string) string {
	v = strings.TrimSpace(v)
	for len(v) > 0 && (v[0] < '0' || v[0] > '9') {
		v = v[1:]
	}
	return v
}

// CompareVersions compares dotted numeric versions; missing segments are 0.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}
