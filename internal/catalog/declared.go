package catalog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.uber.org/multierr"

	"nae-runtime/internal/actions"
	"nae-runtime/internal/agent"
	"nae-runtime/internal/manifest"
	"nae-runtime/internal/monitor"
	"nae-runtime/internal/series"
	"nae-runtime/internal/validation"
)

// Parameters a declared agent may define to configure its email actions.
const (
	ParamSMTPServer   = "smtp_server"
	ParamSMTPPort     = "smtp_port"
	ParamSMTPSender   = "smtp_sender"
	ParamSMTPUsername = "smtp_username"
	ParamSMTPPassword = "smtp_password"
)

// Declared turns a YAML declaration into an agent definition.
func Declared(d *manifest.Declaration) agent.Definition {
	return agent.Definition{
		Manifest:   d.Manifest,
		Parameters: d.ParameterDefinitions,
		New:        func() agent.Agent { return &declared{decl: d} },
	}
}

type declared struct {
	decl     *manifest.Declaration
	monitors map[string]*monitor.Monitor
	exprs    map[string]series.Expr
}

// TemplateData is what action templates render against.
type TemplateData struct {
	AgentID string
	Event   agent.Event
	Edge    string
	Params  map[string]string
	Vars    map[string]string
	Level   string
}

type step struct {
	spec     manifest.ActionSpec
	texts    map[string]*template.Template
	commands []*template.Template
}

func (a *declared) Setup(b *agent.Builder) error {
	a.monitors = map[string]*monitor.Monitor{}
	a.exprs = map[string]series.Expr{}
	for _, m := range a.decl.Monitors {
		if _, err := a.monitor(b, m.Name, nil); err != nil {
			return err
		}
	}
	for _, r := range a.decl.Rules {
		bindings, err := a.bind(b, r.Bindings)
		if err != nil {
			return err
		}
		clearBindings, err := a.bind(b, r.ClearBindings)
		if err != nil {
			return err
		}
		onFire, err := compileSteps(r.Name+".OnFire", r.OnFire)
		if err != nil {
			return err
		}
		onClear, err := compileSteps(r.Name+".OnClear", r.OnClear)
		if err != nil {
			return err
		}
		spec := agent.RuleSpec{
			Name:          r.Name,
			Description:   r.Description,
			Condition:     r.Condition,
			Bindings:      bindings,
			Clear:         r.Clear,
			ClearBindings: clearBindings,
		}
		if len(onFire) > 0 {
			spec.OnFire = a.callback("fire", onFire)
		}
		if len(onClear) > 0 {
			spec.OnClear = a.callback("clear", onClear)
		}
		if err := b.Rule(spec); err != nil {
			return err
		}
	}
	return nil
}

// monitor defines name and the monitors it derives from, in dependency
// order. seen guards against cycles.
func (a *declared) monitor(b *agent.Builder, name string, seen map[string]bool) (series.Expr, error) {
	if e, ok := a.exprs[name]; ok {
		return e, nil
	}
	if seen[name] {
		return nil, validation.New(validation.CodeDeclaration, "monitor cycle",
			validation.ErrorDetail{Field: "Monitors", Problem: "cycle", Hint: name})
	}
	if seen == nil {
		seen = map[string]bool{}
	}
	seen[name] = true
	var spec *manifest.MonitorSpec
	for i := range a.decl.Monitors {
		if a.decl.Monitors[i].Name == name {
			spec = &a.decl.Monitors[i]
			break
		}
	}
	if spec == nil {
		return nil, validation.New(validation.CodeBinding, "unknown monitor",
			validation.ErrorDetail{Field: "Monitors", Problem: "unknown_monitor", Hint: name})
	}
	expr, err := a.expr(b, spec, seen)
	if err != nil {
		return nil, err
	}
	m, err := b.Series(name, expr)
	if err != nil {
		return nil, err
	}
	a.exprs[name] = expr
	a.monitors[name] = m
	return expr, nil
}

func (a *declared) expr(b *agent.Builder, m *manifest.MonitorSpec, seen map[string]bool) (series.Expr, error) {
	var base series.Expr
	if m.URI != "" {
		args, err := a.bind(b, m.Args)
		if err != nil {
			return nil, err
		}
		if base, err = b.URI(m.URI, args...); err != nil {
			return nil, err
		}
	} else {
		var err error
		if base, err = a.monitor(b, m.Of, seen); err != nil {
			return nil, err
		}
	}
	window, _ := time.ParseDuration(m.Window)
	switch m.Aggregate {
	case "":
		return base, nil
	case "rate":
		return series.Rate(base, window), nil
	case "avg":
		return series.AverageOverTime(base, window), nil
	case "sum":
		return series.Sum(base), nil
	case "ratio":
		den, err := a.monitor(b, m.Over, seen)
		if err != nil {
			return nil, err
		}
		return series.Ratio(base, den), nil
	case "baseline":
		learning, _ := time.ParseDuration(m.Learning)
		return series.Baseline(base, series.BaselineConfig{
			HighFactor:      m.High,
			LowFactor:       m.Low,
			InitialLearning: learning,
			Window:          window,
		}), nil
	}
	return nil, validation.New(validation.CodeDeclaration, "unknown aggregate",
		validation.ErrorDetail{Field: "Aggregate", Problem: "invalid", Hint: m.Aggregate})
}

func (a *declared) bind(b *agent.Builder, bindings []string) ([]any, error) {
	out := make([]any, 0, len(bindings))
	for _, raw := range bindings {
		kind, name := manifest.SplitBinding(raw)
		switch kind {
		case "monitor":
			m, ok := a.monitors[name]
			if !ok {
				return nil, validation.New(validation.CodeBinding, "unknown monitor",
					validation.ErrorDetail{Field: "Bindings", Problem: "unknown_monitor", Hint: name})
			}
			out = append(out, m)
		case "param":
			out = append(out, b.Param(name))
		default:
			out = append(out, series.Parse(name))
		}
	}
	return out, nil
}

func compileSteps(field string, specs []manifest.ActionSpec) ([]step, error) {
	steps := make([]step, 0, len(specs))
	for i, spec := range specs {
		s := step{spec: spec, texts: map[string]*template.Template{}}
		texts := map[string]string{
			"Message": spec.Message, "Title": spec.Title, "Subject": spec.Subject,
			"URL": spec.URL, "Value": spec.Value,
		}
		for name, text := range texts {
			if text == "" {
				continue
			}
			t, err := template.New(name).Option("missingkey=zero").Parse(text)
			if err != nil {
				return nil, templateError(field, i, name, err)
			}
			s.texts[name] = t
		}
		for j, text := range spec.Commands {
			t, err := template.New("command").Option("missingkey=zero").Parse(text)
			if err != nil {
				return nil, templateError(field, i, fmt.Sprintf("Commands[%d]", j), err)
			}
			s.commands = append(s.commands, t)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func templateError(field string, i int, name string, err error) error {
	return validation.New(validation.CodeDeclaration, "invalid action template",
		validation.ErrorDetail{Field: fmt.Sprintf("%s[%d].%s", field, i, name), Problem: "template", Hint: err.Error()})
}

// callback runs every step even when an earlier one fails and returns the
// combined error.
func (a *declared) callback(edge string, steps []step) agent.Callback {
	return func(ctx *agent.Context, ev agent.Event) error {
		var errs error
		for _, s := range steps {
			data := TemplateData{
				AgentID: ctx.AgentID(),
				Event:   ev,
				Edge:    edge,
				Params:  ctx.Params().Redacted(),
				Vars:    ctx.Variables().All(),
				Level:   ctx.AlertLevel().String(),
			}
			if err := a.run(ctx, s, data); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s action: %w", s.spec.Type, err))
			}
		}
		return errs
	}
}

func render(t *template.Template, data TemplateData) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (a *declared) run(ctx *agent.Context, s step, data TemplateData) error {
	text := map[string]string{}
	for name, t := range s.texts {
		out, err := render(t, data)
		if err != nil {
			return err
		}
		text[name] = out
	}
	switch s.spec.Type {
	case manifest.ActionSyslog:
		sev, err := actions.ParseSeverity(s.spec.Severity)
		if err != nil {
			return err
		}
		return ctx.Syslog(sev, text["Message"])
	case manifest.ActionCLI, manifest.ActionShell:
		var errs error
		for _, t := range s.commands {
			cmd, err := render(t, data)
			if err != nil {
				return err
			}
			if s.spec.Type == manifest.ActionCLI {
				_, err = ctx.CLI(cmd, text["Title"])
			} else {
				_, err = ctx.Shell(cmd, text["Title"])
			}
			errs = multierr.Append(errs, err)
		}
		return errs
	case manifest.ActionReport:
		return ctx.CustomReport(text["Message"], text["Title"])
	case manifest.ActionEmail:
		return ctx.Email(a.email(ctx, s.spec, text))
	case manifest.ActionHTTP:
		req := actions.HTTPRequest{Method: s.spec.Method, URL: text["URL"], Headers: s.spec.Headers}
		if msg := text["Message"]; msg != "" {
			req.Body = []byte(msg)
		}
		_, err := ctx.HTTP(req)
		return err
	case manifest.ActionAlertLevel:
		level, err := agent.ParseAlertLevel(s.spec.Level)
		if err != nil {
			return err
		}
		return ctx.SetAlertLevel(level)
	case manifest.ActionVariable:
		vars := ctx.Variables()
		switch s.spec.Op {
		case "delete":
			return vars.Delete(s.spec.Key)
		case "increment":
			n := int64(0)
			if _, ok := vars.Get(s.spec.Key); ok {
				v, err := vars.Int(s.spec.Key)
				if err != nil {
					return err
				}
				n = v
			}
			delta := int64(1)
			if v := strings.TrimSpace(text["Value"]); v != "" {
				parsed, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return fmt.Errorf("increment %q: %w", v, err)
				}
				delta = parsed
			}
			return vars.Set(s.spec.Key, strconv.FormatInt(n+delta, 10))
		default:
			return vars.Set(s.spec.Key, text["Value"])
		}
	}
	return fmt.Errorf("unknown action %q", s.spec.Type)
}

func (a *declared) email(ctx *agent.Context, spec manifest.ActionSpec, text map[string]string) actions.Email {
	plain := func(name string) string {
		if p := ctx.Param(name); p != nil {
			return p.Plain()
		}
		return ""
	}
	port, _ := strconv.Atoi(plain(ParamSMTPPort))
	return actions.Email{
		Body:        text["Message"],
		Subject:     text["Subject"],
		Recipients:  spec.To,
		Server:      plain(ParamSMTPServer),
		Port:        port,
		Sender:      plain(ParamSMTPSender),
		Username:    plain(ParamSMTPUsername),
		Password:    plain(ParamSMTPPassword),
		ContentType: "text/plain",
	}
}
