package manifest

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nae-runtime/internal/validation"
)

// Declaration is an agent written entirely in YAML: manifest, parameters,
// monitors, rules and the actions each rule edge runs.
type Declaration struct {
	Manifest             Manifest             `yaml:"Manifest" json:"manifest"`
	ParameterDefinitions ParameterDefinitions `yaml:"ParameterDefinitions" json:"parameterDefinitions,omitempty"`
	Monitors             []MonitorSpec        `yaml:"Monitors" json:"monitors"`
	Rules                []RuleSpec           `yaml:"Rules" json:"rules"`
}

// MonitorSpec declares a named series. URI placeholders are filled from Args,
// which use the binding syntax of RuleSpec.Bindings. Aggregate derives the
// series from another monitor (Of, and Over for ratio denominators).
type MonitorSpec struct {
	Name      string   `yaml:"Name" json:"name"`
	URI       string   `yaml:"URI" json:"uri,omitempty"`
	Args      []string `yaml:"Args" json:"args,omitempty"`
	Aggregate string   `yaml:"Aggregate" json:"aggregate,omitempty"`
	Of        string   `yaml:"Of" json:"of,omitempty"`
	Over      string   `yaml:"Over" json:"over,omitempty"`
	Window    string   `yaml:"Window" json:"window,omitempty"`
	Learning  string   `yaml:"Learning" json:"learning,omitempty"`
	High      float64  `yaml:"HighFactor" json:"highFactor,omitempty"`
	Low       float64  `yaml:"LowFactor" json:"lowFactor,omitempty"`
}

// RuleSpec declares one rule. A binding is "monitor:<name>", "param:<name>"
// or a literal.
type RuleSpec struct {
	Name          string       `yaml:"Name" json:"name"`
	Description   string       `yaml:"Description" json:"description,omitempty"`
	Condition     string       `yaml:"Condition" json:"condition"`
	Bindings      []string     `yaml:"Bindings" json:"bindings,omitempty"`
	Clear         string       `yaml:"Clear" json:"clear,omitempty"`
	ClearBindings []string     `yaml:"ClearBindings" json:"clearBindings,omitempty"`
	OnFire        []ActionSpec `yaml:"OnFire" json:"onFire,omitempty"`
	OnClear       []ActionSpec `yaml:"OnClear" json:"onClear,omitempty"`
}

// ActionSpec is one step of a rule callback. Text fields are Go templates
// rendered against the rule event.
type ActionSpec struct {
	Type     string            `yaml:"Type" json:"type"`
	Message  string            `yaml:"Message" json:"message,omitempty"`
	Severity string            `yaml:"Severity" json:"severity,omitempty"`
	Commands []string          `yaml:"Commands" json:"commands,omitempty"`
	Title    string            `yaml:"Title" json:"title,omitempty"`
	To       []string          `yaml:"To" json:"to,omitempty"`
	Subject  string            `yaml:"Subject" json:"subject,omitempty"`
	URL      string            `yaml:"URL" json:"url,omitempty"`
	Method   string            `yaml:"Method" json:"method,omitempty"`
	Headers  map[string]string `yaml:"Headers" json:"headers,omitempty"`
	Level    string            `yaml:"Level" json:"level,omitempty"`
	Key      string            `yaml:"Key" json:"key,omitempty"`
	Value    string            `yaml:"Value" json:"value,omitempty"`
	Op       string            `yaml:"Op" json:"op,omitempty"`
}

const (
	ActionSyslog     = "syslog"
	ActionCLI        = "cli"
	ActionShell      = "shell"
	ActionReport     = "report"
	ActionEmail      = "email"
	ActionHTTP       = "http"
	ActionAlertLevel = "alert_level"
	ActionVariable   = "variable"
)

var aggregates = map[string]bool{"": true, "rate": true, "avg": true, "sum": true, "ratio": true, "baseline": true}

func LoadDeclarationFile(path string) (*Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read declaration: %w", err)
	}
	return LoadDeclaration(data)
}

// LoadDeclaration decodes and structurally validates a YAML declaration.
// Conditions are compiled later, when the agent is built.
func LoadDeclaration(data []byte) (*Declaration, error) {
	var d Declaration
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, validation.New(validation.CodeDeclaration, "declaration is not valid YAML",
			validation.ErrorDetail{Field: "document", Problem: "decode", Hint: err.Error()})
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Declaration) Validate() error {
	var c validation.Collector
	c.Merge("Manifest", d.Manifest.Validate(HostInfo{}))
	c.Merge("", d.ParameterDefinitions.Validate())

	monitors := map[string]bool{}
	for i, m := range d.Monitors {
		field := fmt.Sprintf("Monitors[%d]", i)
		if m.Name == "" {
			c.Add(field+".Name", "missing", "Name the monitor")
		} else if monitors[m.Name] {
			c.Add(field+".Name", "duplicate", m.Name)
		}
		monitors[m.Name] = true
		if !aggregates[m.Aggregate] {
			c.Add(field+".Aggregate", "invalid", "Use rate, avg, sum, ratio or baseline")
			continue
		}
		switch {
		case m.Aggregate == "" && m.URI == "":
			c.Add(field+".URI", "missing", "Raw monitors need a URI")
		case m.Aggregate != "" && m.Of == "" && m.URI == "":
			c.Add(field+".Of", "missing", "Aggregate another monitor or give a URI")
		}
		if m.Aggregate == "ratio" && m.Over == "" {
			c.Add(field+".Over", "missing", "Ratio needs a denominator monitor")
		}
		if (m.Aggregate == "rate" || m.Aggregate == "avg") && m.Window == "" {
			c.Add(field+".Window", "missing", "Example: 30s")
		}
		for name, text := range map[string]string{"Window": m.Window, "Learning": m.Learning} {
			if text == "" {
				continue
			}
			if _, err := time.ParseDuration(text); err != nil {
				c.Add(field+"."+name, "invalid", "Example: 30s")
			}
		}
		c.Merge(field+".Args", d.checkBindings(m.Args, nil))
	}
	for i, m := range d.Monitors {
		field := fmt.Sprintf("Monitors[%d]", i)
		for _, ref := range []string{m.Of, m.Over} {
			if ref != "" && !monitors[ref] {
				c.Add(field, "unknown_monitor", ref)
			}
		}
	}

	rules := map[string]bool{}
	for i, r := range d.Rules {
		field := fmt.Sprintf("Rules[%d]", i)
		if r.Name == "" {
			c.Add(field+".Name", "missing", "Name the rule")
		} else if rules[r.Name] {
			c.Add(field+".Name", "duplicate", r.Name)
		}
		rules[r.Name] = true
		if strings.TrimSpace(r.Condition) == "" {
			c.Add(field+".Condition", "missing", "Example: {} > {}")
		}
		c.Merge(field+".Bindings", d.checkBindings(r.Bindings, monitors))
		c.Merge(field+".ClearBindings", d.checkBindings(r.ClearBindings, monitors))
		for j, a := range r.OnFire {
			c.Merge(fmt.Sprintf("%s.OnFire[%d]", field, j), a.Validate())
		}
		for j, a := range r.OnClear {
			c.Merge(fmt.Sprintf("%s.OnClear[%d]", field, j), a.Validate())
		}
	}
	return c.Err(validation.CodeDeclaration, "declaration failed validation")
}

func (d *Declaration) checkBindings(bindings []string, monitors map[string]bool) error {
	var c validation.Collector
	for i, b := range bindings {
		kind, name := SplitBinding(b)
		switch kind {
		case "monitor":
			if monitors == nil {
				c.Add(fmt.Sprintf("[%d]", i), "invalid", "URI arguments cannot reference monitors")
			} else if !monitors[name] {
				c.Add(fmt.Sprintf("[%d]", i), "unknown_monitor", name)
			}
		case "param":
			if _, ok := d.ParameterDefinitions[name]; !ok {
				c.Add(fmt.Sprintf("[%d]", i), "unknown_parameter", name)
			}
		}
	}
	return c.Err(validation.CodeBinding, "invalid bindings")
}

// SplitBinding returns ("monitor", name), ("param", name) or ("literal", text).
func SplitBinding(b string) (string, string) {
	for _, kind := range []string{"monitor", "param"} {
		if rest, ok := strings.CutPrefix(b, kind+":"); ok {
			return kind, strings.TrimSpace(rest)
		}
	}
	return "literal", b
}

func (a ActionSpec) Validate() error {
	var c validation.Collector
	switch a.Type {
	case ActionSyslog:
		if a.Message == "" {
			c.Add("Message", "missing", "")
		}
	case ActionCLI, ActionShell:
		if len(a.Commands) == 0 {
			c.Add("Commands", "missing", "")
		}
	case ActionReport:
		if a.Message == "" {
			c.Add("Message", "missing", "")
		}
	case ActionEmail:
		if len(a.To) == 0 {
			c.Add("To", "missing", "")
		}
		if a.Subject == "" {
			c.Add("Subject", "missing", "")
		}
	case ActionHTTP:
		if a.URL == "" {
			c.Add("URL", "missing", "")
		}
	case ActionAlertLevel:
		switch strings.ToLower(a.Level) {
		case "none", "minor", "major", "critical":
		default:
			c.Add("Level", "invalid", "Use none, minor, major or critical")
		}
	case ActionVariable:
		if a.Key == "" {
			c.Add("Key", "missing", "")
		}
		switch a.Op {
		case "", "set", "increment", "delete":
		default:
			c.Add("Op", "invalid", "Use set, increment or delete")
		}
	default:
		c.Add("Type", "invalid", fmt.Sprintf("unknown action %q", a.Type))
	}
	return c.Err(validation.CodeDeclaration, "invalid action")
}
