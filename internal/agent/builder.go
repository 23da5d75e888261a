package agent

import (
	"errors"
	"fmt"
	"strings"

	"nae-runtime/internal/condition"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/monitor"
	"nae-runtime/internal/rules"
	"nae-runtime/internal/series"
	"nae-runtime/internal/telemetry"
	"nae-runtime/internal/validation"
)

// Callback handles a rule edge. A returned error is logged; it does not
// stop the agent.
type Callback func(ctx *Context, ev Event) error

// RuleSpec declares a rule. Placeholders in Condition, Clear and
// Description are bound positionally to Bindings, ClearBindings and
// DescriptionArgs.
type RuleSpec struct {
	Name            string
	Description     string
	DescriptionArgs []any
	Condition       string
	Bindings        []any
	Clear           string
	ClearBindings   []any
	OnFire          Callback
	OnClear         Callback
}

type ruleBinding struct {
	spec RuleSpec
	rule *rules.Rule
}

// Builder collects an agent's monitors and rules during Setup.
type Builder struct {
	params   *manifest.Params
	registry *monitor.Registry
	engine   *rules.Engine
	rules    map[string]*ruleBinding
}

func newBuilder(params *manifest.Params) *Builder {
	return &Builder{
		params:   params,
		registry: monitor.NewRegistry(series.NewPool()),
		engine:   rules.NewEngine(),
		rules:    map[string]*ruleBinding{},
	}
}

func (b *Builder) Params() *manifest.Params { return b.params }

// Param returns the named parameter handle or nil.
func (b *Builder) Param(name string) *manifest.Param { return b.params.Get(name) }

// URI fills the placeholders of template and returns the raw series. Each
// filled path placeholder becomes an instance label.
func (b *Builder) URI(template string, args ...any) (series.Expr, error) {
	if err := checkArgs(args); err != nil {
		return nil, err
	}
	uri, labels, err := telemetry.Substitute(template, args...)
	if err != nil {
		return nil, validation.New(validation.CodeDeclaration, "invalid monitor uri",
			validation.ErrorDetail{Field: "uri", Problem: "invalid", Hint: err.Error()})
	}
	if _, err := telemetry.Parse(uri); err != nil {
		return nil, validation.New(validation.CodeDeclaration, "invalid monitor uri",
			validation.ErrorDetail{Field: "uri", Problem: "invalid", Hint: err.Error()})
	}
	if len(labels) == 0 {
		return series.URI(uri), nil
	}
	return series.LabeledURI(uri, labels), nil
}

// Monitor registers a raw monitor over a URI template.
func (b *Builder) Monitor(name, template string, args ...any) (*monitor.Monitor, error) {
	expr, err := b.URI(template, args...)
	if err != nil {
		return nil, err
	}
	return b.Series(name, expr)
}

// Series registers a monitor over any series expression.
func (b *Builder) Series(name string, expr series.Expr) (*monitor.Monitor, error) {
	m, err := b.registry.Define(name, expr)
	if err != nil {
		problem := "invalid"
		if errors.Is(err, monitor.ErrDuplicateName) {
			problem = "duplicate"
		}
		return nil, validation.New(validation.CodeDeclaration, "invalid monitor",
			validation.ErrorDetail{Field: "monitor", Problem: problem, Hint: err.Error()})
	}
	return m, nil
}

func (b *Builder) Rule(spec RuleSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return validation.New(validation.CodeDeclaration, "rule name is required")
	}
	if _, ok := b.rules[name]; ok {
		return validation.New(validation.CodeDeclaration, "duplicate rule",
			validation.ErrorDetail{Field: "rule", Problem: "duplicate", Hint: name})
	}
	if err := checkArgs(spec.Bindings); err != nil {
		return err
	}
	if err := checkArgs(spec.ClearBindings); err != nil {
		return err
	}
	pool := b.registry.Pool()
	main, err := condition.Compile(spec.Condition, pool, spec.Bindings...)
	if err != nil {
		return fmt.Errorf("rule %s: %w", name, err)
	}
	r := &rules.Rule{ID: name, Name: name, Main: main}
	if strings.TrimSpace(spec.Clear) != "" {
		if r.Clear, err = condition.CompileAny(spec.Clear, main, pool, spec.ClearBindings...); err != nil {
			return fmt.Errorf("rule %s clear: %w", name, err)
		}
	}
	if err := b.engine.Add(r); err != nil {
		return validation.New(validation.CodeDeclaration, "invalid rule",
			validation.ErrorDetail{Field: "rule", Problem: "invalid", Hint: err.Error()})
	}
	spec.Name = name
	b.rules[name] = &ruleBinding{spec: spec, rule: r}
	return nil
}

// checkArgs rejects parameter handles that were looked up but not declared.
func checkArgs(args []any) error {
	for i, a := range args {
		if p, ok := a.(*manifest.Param); ok && p == nil {
			return validation.New(validation.CodeBinding, "unknown parameter",
				validation.ErrorDetail{Field: fmt.Sprintf("bindings[%d]", i), Problem: "unknown_parameter", Hint: "Declare the parameter in ParameterDefinitions"})
		}
	}
	return nil
}

// fillPlaceholders replaces each "{}" with the text of the next arg.
// Parameters format through String, so encrypted values stay redacted.
func fillPlaceholders(text string, args []any) string {
	if len(args) == 0 {
		return text
	}
	var sb strings.Builder
	i := 0
	for {
		idx := strings.Index(text, "{}")
		if idx < 0 || i >= len(args) {
			sb.WriteString(text)
			return sb.String()
		}
		sb.WriteString(text[:idx])
		sb.WriteString(fmt.Sprint(args[i]))
		text = text[idx+2:]
		i++
	}
}
