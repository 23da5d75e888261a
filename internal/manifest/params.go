package manifest

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"nae-runtime/internal/series"
	"nae-runtime/internal/validation"
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeFloat   ParamType = "float"
)

const RedactedValue = "******"

func ParseParamType(s string) (ParamType, error) {
	switch t := ParamType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeString, TypeInteger, TypeFloat:
		return t, nil
	case "int":
		return TypeInteger, nil
	case "double", "number":
		return TypeFloat, nil
	default:
		return "", fmt.Errorf("unsupported parameter type %q", s)
	}
}

type ParameterDefinition struct {
	Name        string `yaml:"Name" json:"name"`
	Type        string `yaml:"Type" json:"type"`
	Description string `yaml:"Description" json:"description,omitempty"`
	Default     any    `yaml:"Default" json:"default,omitempty"`
	Required    bool   `yaml:"Required" json:"required,omitempty"`
	Encrypted   bool   `yaml:"Encrypted" json:"encrypted,omitempty"`
}

type ParameterDefinitions map[string]ParameterDefinition

func (d ParameterDefinitions) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d ParameterDefinitions) Validate() error {
	var c validation.Collector
	for _, name := range d.Names() {
		def := d[name]
		field := "ParameterDefinitions." + name
		if def.Name != "" && def.Name != name {
			c.Add(field+".Name", "mismatch", "Name must match the map key")
		}
		typ, err := ParseParamType(def.Type)
		if err != nil {
			c.Add(field+".Type", "invalid", "Use string, integer or float")
			continue
		}
		if def.Default != nil {
			if _, err := ParseValue(typ, fmt.Sprint(def.Default)); err != nil {
				c.Add(field+".Default", "invalid", err.Error())
			}
		}
	}
	return c.Err(validation.CodeManifest, "parameter definitions failed validation")
}

func ParseValue(typ ParamType, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch typ {
	case TypeInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return v, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a float", raw)
		}
		return v, nil
	default:
		return raw, nil
	}
}

// Param is a typed handle on one parameter. Conditions and actions keep the
// handle and read it when they run, so updates apply without rebuilding.
type Param struct {
	name      string
	typ       ParamType
	encrypted bool

	mu    sync.RWMutex
	value any
}

func (p *Param) Name() string    { return p.name }
func (p *Param) Type() ParamType { return p.typ }
func (p *Param) Encrypted() bool { return p.encrypted }

func (p *Param) Value() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

func (p *Param) set(v any) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}

func (p *Param) Int() int64 {
	switch v := p.Value().(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func (p *Param) Float() float64 {
	switch v := p.Value().(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Plain returns the value as text, including encrypted values. Use it only
// where the secret has to reach its destination.
func (p *Param) Plain() string {
	switch v := p.Value().(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// String is safe for logs and reports: encrypted values are redacted.
func (p *Param) String() string {
	if p.encrypted {
		return RedactedValue
	}
	return p.Plain()
}

func (p *Param) SeriesValue() series.Value {
	switch v := p.Value().(type) {
	case int64:
		return series.Number(float64(v))
	case float64:
		return series.Number(v)
	case string:
		return series.String(v)
	}
	return series.Value{}
}

func (p *Param) LogValue() slog.Value { return slog.StringValue(p.String()) }

type Params struct {
	defs   ParameterDefinitions
	byName map[string]*Param
}

// Resolve applies values over the declared defaults. Unknown names and
// values that do not parse as the declared type are rejected.
func (d ParameterDefinitions) Resolve(values map[string]string) (*Params, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var c validation.Collector
	p := &Params{defs: d, byName: map[string]*Param{}}
	for _, name := range d.Names() {
		def := d[name]
		typ, _ := ParseParamType(def.Type)
		param := &Param{name: name, typ: typ, encrypted: def.Encrypted}
		raw, given := values[name]
		switch {
		case given:
			v, err := ParseValue(typ, raw)
			if err != nil {
				c.Add(name, "invalid", err.Error())
				continue
			}
			param.value = v
		case def.Default != nil:
			v, _ := ParseValue(typ, fmt.Sprint(def.Default))
			param.value = v
		case def.Required:
			c.Add(name, "missing", "Provide a value for the required parameter")
			continue
		default:
			v, _ := ParseValue(typ, zeroOf(typ))
			param.value = v
		}
		p.byName[name] = param
	}
	for name := range values {
		if _, ok := d[name]; !ok {
			c.Add(name, "unknown", "Parameter is not declared")
		}
	}
	if err := c.Err(validation.CodeParameter, "parameters failed validation"); err != nil {
		return nil, err
	}
	return p, nil
}

func zeroOf(typ ParamType) string {
	if typ == TypeString {
		return ""
	}
	return "0"
}

func (p *Params) Get(name string) *Param {
	if p == nil {
		return nil
	}
	return p.byName[name]
}

func (p *Params) Names() []string {
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Values returns plaintext values for persistence.
func (p *Params) Values() map[string]string {
	out := map[string]string{}
	for name, param := range p.byName {
		out[name] = param.Plain()
	}
	return out
}

// Redacted returns values with encrypted parameters masked.
func (p *Params) Redacted() map[string]string {
	out := map[string]string{}
	for name, param := range p.byName {
		out[name] = param.String()
	}
	return out
}

func (p *Params) Encrypted(name string) bool {
	param := p.Get(name)
	return param != nil && param.encrypted
}

type ParamChange struct {
	Name string
	Old  string
	New  string
}

// Apply validates every value first and then updates the handles in place.
func (p *Params) Apply(values map[string]string) ([]ParamChange, error) {
	var c validation.Collector
	parsed := map[string]any{}
	for name, raw := range values {
		param, ok := p.byName[name]
		if !ok {
			c.Add(name, "unknown", "Parameter is not declared")
			continue
		}
		v, err := ParseValue(param.typ, raw)
		if err != nil {
			c.Add(name, "invalid", err.Error())
			continue
		}
		parsed[name] = v
	}
	if err := c.Err(validation.CodeParameter, "parameters failed validation"); err != nil {
		return nil, err
	}
	changes := []ParamChange{}
	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		param := p.byName[name]
		old := param.String()
		oldPlain := param.Plain()
		param.set(parsed[name])
		if param.Plain() == oldPlain {
			continue
		}
		changes = append(changes, ParamChange{Name: name, Old: old, New: param.String()})
	}
	return changes, nil
}
