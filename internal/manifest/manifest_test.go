package manifest

import (
	"testing"

	"nae-runtime/internal/series"
	"nae-runtime/internal/validation"
)

func TestManifestRequiresNameAndVersion(t *testing.T) {
	err := Manifest{}.Validate(HostInfo{})
	if !validation.HasCode(err, validation.CodeManifest) {
		t.Fatalf("expected manifest error, got %v", err)
	}
	if err := (Manifest{Name: "cpu-monitor", Version: "1.0"}).Validate(HostInfo{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestManifestHostCompatibility(t *testing.T) {
	m := Manifest{Name: "a", Version: "1.0", AOSCXVersionMin: "10.04", AOSCXPlatformList: []string{"8320", "8400"}}
	if err := m.Validate(HostInfo{SoftwareVersion: "FL.10.06.0001", Platform: "8400"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Validate(HostInfo{SoftwareVersion: "FL.10.03.0010"}); err == nil {
		t.Fatalf("expected old software to be rejected")
	}
	if err := m.Validate(HostInfo{Platform: "6300"}); err == nil {
		t.Fatalf("expected unlisted platform to be rejected")
	}
}

func TestCompareVersions(t *testing.T) {
	if CompareVersions("10.4", "10.04.1") >= 0 {
		t.Fatalf("expected 10.4 < 10.04.1")
	}
	if CompareVersions("10.10", "10.9") <= 0 {
		t.Fatalf("expected 10.10 > 10.9")
	}
}

func defs() ParameterDefinitions {
	return ParameterDefinitions{
		"threshold": {Name: "threshold", Type: "Integer", Default: 90},
		"ratio":     {Type: "float", Default: "1.1"},
		"vrf":       {Type: "string", Default: "default"},
		"password":  {Type: "string", Encrypted: true},
	}
}

func TestResolveDefaultsAndOverrides(t *testing.T) {
	p, err := defs().Resolve(map[string]string{"threshold": "80", "password": "s3cret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Get("threshold").Int() != 80 {
		t.Fatalf("expected override, got %v", p.Get("threshold").Value())
	}
	if p.Get("ratio").Float() != 1.1 {
		t.Fatalf("expected default ratio")
	}
	if v := p.Get("threshold").SeriesValue(); v.Kind != series.KindNumber || v.Num != 80 {
		t.Fatalf("expected numeric series value, got %+v", v)
	}
	if p.Get("password").String() != "******" || p.Get("password").Plain() != "s3cret" {
		t.Fatalf("expected encrypted parameter to be redacted")
	}
	if p.Redacted()["password"] != "******" || p.Values()["password"] != "s3cret" {
		t.Fatalf("expected redacted and plain views to differ")
	}
}

func TestResolveRejectsBadValues(t *testing.T) {
	_, err := defs().Resolve(map[string]string{"threshold": "high"})
	if !validation.HasCode(err, validation.CodeParameter) {
		t.Fatalf("expected parameter error, got %v", err)
	}
	_, err = defs().Resolve(map[string]string{"missing": "1"})
	if !validation.HasCode(err, validation.CodeParameter) {
		t.Fatalf("expected unknown parameter error, got %v", err)
	}
	bad := ParameterDefinitions{"x": {Type: "bytes"}}
	if _, err := bad.Resolve(nil); !validation.HasCode(err, validation.CodeManifest) {
		t.Fatalf("expected manifest error for unsupported type, got %v", err)
	}
}

func TestApplyUpdatesHandlesInPlace(t *testing.T) {
	p, _ := defs().Resolve(nil)
	handle := p.Get("threshold")
	changes, err := p.Apply(map[string]string{"threshold": "70", "vrf": "default"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].Name != "threshold" || changes[0].Old != "90" || changes[0].New != "70" {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if handle.Int() != 70 {
		t.Fatalf("expected existing handle to observe the update")
	}
	if _, err := p.Apply(map[string]string{"threshold": "x"}); err == nil {
		t.Fatalf("expected invalid update to fail")
	}
	if handle.Int() != 70 {
		t.Fatalf("expected failed update to leave values unchanged")
	}
}

const declaration = `
Manifest:
  Name: dhcp-ratio
  Version: "1.0"
ParameterDefinitions:
  limit:
    Type: float
    Default: 1.1
Monitors:
  - Name: clients
    URI: /rest/v10.04/system/dhcp_clients/*?attributes=count
    Aggregate: sum
  - Name: servers
    URI: /rest/v10.04/system/dhcp_servers/*?attributes=count
    Aggregate: sum
Rules:
  - Name: imbalance
    Condition: ratio of {} and {} > {}
    Bindings: ["monitor:clients", "monitor:servers", "param:limit"]
    Clear: "<= {}"
    ClearBindings: ["param:limit"]
    OnFire:
      - Type: alert_level
        Level: critical
    OnClear:
      - Type: alert_level
        Level: none
`

func TestLoadDeclaration(t *testing.T) {
	d, err := LoadDeclaration([]byte(declaration))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Manifest.Name != "dhcp-ratio" || len(d.Monitors) != 2 || len(d.Rules) != 1 {
		t.Fatalf("unexpected declaration %+v", d)
	}
	if d.Rules[0].OnFire[0].Level != "critical" {
		t.Fatalf("expected action to decode")
	}
}

func TestLoadDeclarationRejectsUnknownReferences(t *testing.T) {
	doc := `
Manifest: {Name: x, Version: "1"}
Monitors:
  - Name: cpu
    URI: /cpu
Rules:
  - Name: r
    Condition: "{} > {}"
    Bindings: ["monitor:mem", "param:nope"]
    OnFire:
      - Type: page
`
	_, err := LoadDeclaration([]byte(doc))
	if !validation.HasCode(err, validation.CodeDeclaration) {
		t.Fatalf("expected declaration error, got %v", err)
	}
}

func TestSplitBinding(t *testing.T) {
	if k, n := SplitBinding("monitor:cpu"); k != "monitor" || n != "cpu" {
		t.Fatalf("unexpected %s %s", k, n)
	}
	if k, n := SplitBinding("90"); k != "literal" || n != "90" {
		t.Fatalf("unexpected %s %s", k, n)
	}
}
