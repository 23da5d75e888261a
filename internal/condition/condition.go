// Package condition compiles rule condition text into predicates over
// monitor series.
//
//	cond := comp | comp "for" int unit
//	      | "transition" {} "from" "A" "to" "B"
//	      | "every" int unit
//	      | "rate" {} "per" int unit op operand
//	      | "ratio" "of" {} "and" {} op operand
//	comp := operand op operand
//
// Placeholders bind positionally to monitors, parameters or literals.
// Parameters are read when the condition is evaluated, so a parameter
// change takes effect without recompiling.
package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"

	"nae-runtime/internal/monitor"
	"nae-runtime/internal/series"
	"nae-runtime/internal/validation"
)

type Kind int

const (
	KindCompare Kind = iota
	KindTransition
	KindPeriodic
)

func (k Kind) String() string {
	switch k {
	case KindTransition:
		return "transition"
	case KindPeriodic:
		return "periodic"
	default:
		return "compare"
	}
}

// Valuer is a parameter handle read at evaluation time.
type Valuer interface {
	SeriesValue() series.Value
}

type operandKind int

const (
	operandLiteral operandKind = iota
	operandParam
	operandMonitor
)

type Operand struct {
	kind    operandKind
	literal series.Value
	param   Valuer
	monitor *monitor.Monitor
	latest  *series.Latest
}

func (o Operand) Monitor() *monitor.Monitor { return o.monitor }

// Condition is a compiled predicate. Subject is the series whose samples
// drive evaluation; it is nil for periodic conditions.
type Condition struct {
	Text        string
	Kind        Kind
	Subject     series.Node
	SubjectName string
	Op          Op
	Right       Operand
	Sustain     time.Duration
	From        string
	To          string
	Period      time.Duration
}

// Compile parses text and binds its placeholders to bindings in order.
// Bindings are *monitor.Monitor, Valuer, series.Value or plain Go scalars.
func Compile(text string, pool *series.Pool, bindings ...any) (*Condition, error) {
	ast, err := conditionParser.ParseString("", text)
	if err != nil {
		return nil, syntaxError(text, err)
	}
	b := &binder{text: text, pool: pool, bindings: bindings}
	if err := b.checkArity(countPlaceholders(ast)); err != nil {
		return nil, err
	}
	c := &Condition{Text: text}
	switch {
	case ast.Periodic != nil:
		c.Kind = KindPeriodic
		if c.Period, err = b.duration(ast.Periodic); err != nil {
			return nil, err
		}
	case ast.Transition != nil:
		c.Kind = KindTransition
		m, err := b.subject(ast.Transition.Subject)
		if err != nil {
			return nil, err
		}
		c.Subject, c.SubjectName = m.Node, m.Name
		c.From, c.To = ast.Transition.From, ast.Transition.To
	case b.reversed(ast.Compare):
		c.Kind = KindCompare
		if err := b.reversedCompare(c, ast.Compare); err != nil {
			return nil, err
		}
	default:
		c.Kind = KindCompare
		if err := b.compareSubject(c, ast.Compare); err != nil {
			return nil, err
		}
		if err := b.clause(c, ast.Compare.Clause); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CompileClause compiles a shorthand condition such as "<= 1.1" that reuses
// the subject of main. It is used for clear conditions.
func CompileClause(text string, main *Condition, pool *series.Pool, bindings ...any) (*Condition, error) {
	if main == nil || main.Subject == nil {
		return nil, validation.New(validation.CodeDeclaration, "clause needs a condition with a subject",
			validation.ErrorDetail{Field: "condition", Problem: "invalid", Hint: text})
	}
	ast, err := clauseParser.ParseString("", text)
	if err != nil {
		return nil, syntaxError(text, err)
	}
	b := &binder{text: text, pool: pool, bindings: bindings}
	n := 0
	if ast.Right != nil && ast.Right.Placeholder {
		n = 1
	}
	if err := b.checkArity(n); err != nil {
		return nil, err
	}
	c := &Condition{Text: text, Kind: KindCompare, Subject: main.Subject, SubjectName: main.SubjectName}
	if err := b.clause(c, ast); err != nil {
		return nil, err
	}
	return c, nil
}

// CompileAny compiles text as a full condition, falling back to a clause
// over main when the text starts with a comparison operator.
func CompileAny(text string, main *Condition, pool *series.Pool, bindings ...any) (*Condition, error) {
	trimmed := strings.TrimSpace(text)
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if strings.HasPrefix(trimmed, op) {
			return CompileClause(trimmed, main, pool, bindings...)
		}
	}
	return Compile(text, pool, bindings...)
}

// Observe refreshes the cached right-hand series for the tick.
func (c *Condition) Observe(t series.Tick) {
	if c.Right.kind != operandMonitor {
		return
	}
	if b, ok := c.Right.monitor.Node.Eval(t); ok {
		c.Right.latest.Observe(b)
	}
}

// RightValue resolves the right operand for an instance of the subject.
func (c *Condition) RightValue(key string, now time.Time) series.Value {
	switch c.Right.kind {
	case operandParam:
		return c.Right.param.SeriesValue()
	case operandMonitor:
		s, ok := c.Right.latest.Resolve(key, now)
		if !ok {
			return series.Value{}
		}
		return s.Value
	default:
		return c.Right.literal
	}
}

// Evaluate judges one subject sample.
func (c *Condition) Evaluate(s series.Sample, now time.Time) Truth {
	return Compare(c.Op, s.Value, c.RightValue(s.Key, now))
}

type binder struct {
	text     string
	pool     *series.Pool
	bindings []any
	next     int
}

func (b *binder) checkArity(placeholders int) error {
	if placeholders != len(b.bindings) {
		return validation.New(validation.CodeBinding, "placeholder count does not match bindings",
			validation.ErrorDetail{Field: "condition", Problem: "arity", Hint: fmt.Sprintf("%q has %d placeholders, %d bindings given", b.text, placeholders, len(b.bindings))})
	}
	return nil
}

func (b *binder) take() any {
	v := b.bindings[b.next]
	b.next++
	return v
}

func (b *binder) subject(op *operandAST) (*monitor.Monitor, error) {
	if op == nil || !op.Placeholder {
		return nil, validation.New(validation.CodeBinding, "condition subject must be a monitor placeholder",
			validation.ErrorDetail{Field: "condition", Problem: "subject", Hint: b.text})
	}
	m, ok := b.take().(*monitor.Monitor)
	if !ok || m == nil {
		return nil, validation.New(validation.CodeBinding, "condition subject is not a monitor",
			validation.ErrorDetail{Field: fmt.Sprintf("bindings[%d]", b.next-1), Problem: "not_monitor", Hint: "Bind the first placeholder to a monitor"})
	}
	return m, nil
}

func (b *binder) compareSubject(c *Condition, ast *compareAST) error {
	switch {
	case ast.Rate != nil:
		m, err := b.subject(ast.Rate.Subject)
		if err != nil {
			return err
		}
		window, err := b.duration(ast.Rate.Window)
		if err != nil {
			return err
		}
		c.Subject = b.pool.Build(series.Rate(m.Expr, window))
		c.SubjectName = m.Name
	case ast.Ratio != nil:
		num, err := b.subject(ast.Ratio.Num)
		if err != nil {
			return err
		}
		den, err := b.subject(ast.Ratio.Den)
		if err != nil {
			return err
		}
		c.Subject = b.pool.Build(series.Ratio(num.Expr, den.Expr))
		c.SubjectName = num.Name + "/" + den.Name
	default:
		m, err := b.subject(ast.Subject)
		if err != nil {
			return err
		}
		c.Subject, c.SubjectName = m.Node, m.Name
	}
	return nil
}

// reversed reports whether a plain comparison has its monitor on the right,
// as in "90 <= {}" or "{param} < {monitor}".
func (b *binder) reversed(ast *compareAST) bool {
	if ast == nil || ast.Rate != nil || ast.Ratio != nil || ast.Subject == nil || ast.Clause == nil {
		return false
	}
	if ast.Clause.Right == nil || !ast.Clause.Right.Placeholder {
		return false
	}
	idx := b.next
	if ast.Subject.Placeholder {
		if m, ok := b.bindings[idx].(*monitor.Monitor); ok && m != nil {
			return false
		}
		idx++
	}
	m, ok := b.bindings[idx].(*monitor.Monitor)
	return ok && m != nil
}

// reversedCompare binds the right-hand monitor as the subject and moves the
// left operand to the right, flipping the operator.
func (b *binder) reversedCompare(c *Condition, ast *compareAST) error {
	op, err := ParseOp(ast.Clause.Op)
	if err != nil {
		return validation.New(validation.CodeDeclaration, err.Error())
	}
	left, err := b.operand(ast.Subject)
	if err != nil {
		return err
	}
	m, err := b.subject(ast.Clause.Right)
	if err != nil {
		return err
	}
	c.Subject, c.SubjectName = m.Node, m.Name
	c.Op, c.Right = op.flip(), left
	return b.sustain(c, ast.Clause)
}

func (b *binder) clause(c *Condition, ast *clauseAST) error {
	op, err := ParseOp(ast.Op)
	if err != nil {
		return validation.New(validation.CodeDeclaration, err.Error())
	}
	c.Op = op
	right, err := b.operand(ast.Right)
	if err != nil {
		return err
	}
	c.Right = right
	return b.sustain(c, ast)
}

func (b *binder) sustain(c *Condition, ast *clauseAST) error {
	if ast.Sustain == nil {
		return nil
	}
	var err error
	c.Sustain, err = b.duration(ast.Sustain)
	return err
}

func (b *binder) operand(op *operandAST) (Operand, error) {
	switch {
	case op.Number != nil:
		f, err := strconv.ParseFloat(*op.Number, 64)
		if err != nil {
			return Operand{}, validation.New(validation.CodeDeclaration, "invalid number",
				validation.ErrorDetail{Field: "condition", Problem: "number", Hint: *op.Number})
		}
		return Operand{kind: operandLiteral, literal: series.Number(f)}, nil
	case op.String != nil:
		return Operand{kind: operandLiteral, literal: series.String(*op.String)}, nil
	}
	idx := b.next
	switch v := b.take().(type) {
	case *monitor.Monitor:
		if v == nil {
			break
		}
		return Operand{kind: operandMonitor, monitor: v, latest: series.NewLatest()}, nil
	case Valuer:
		return Operand{kind: operandParam, param: v}, nil
	case series.Value:
		return Operand{kind: operandLiteral, literal: v}, nil
	case float64:
		return Operand{kind: operandLiteral, literal: series.Number(v)}, nil
	case float32:
		return Operand{kind: operandLiteral, literal: series.Number(float64(v))}, nil
	case int:
		return Operand{kind: operandLiteral, literal: series.Number(float64(v))}, nil
	case int64:
		return Operand{kind: operandLiteral, literal: series.Number(float64(v))}, nil
	case string:
		return Operand{kind: operandLiteral, literal: series.String(v)}, nil
	case bool:
		return Operand{kind: operandLiteral, literal: series.Bool(v)}, nil
	}
	return Operand{}, validation.New(validation.CodeBinding, "unsupported binding",
		validation.ErrorDetail{Field: fmt.Sprintf("bindings[%d]", idx), Problem: "type", Hint: "Bind a monitor, parameter or literal"})
}

var units = map[string]time.Duration{
	"second": time.Second, "seconds": time.Second,
	"minute": time.Minute, "minutes": time.Minute,
	"hour": time.Hour, "hours": time.Hour,
	"day": 24 * time.Hour, "days": 24 * time.Hour,
}

func (b *binder) duration(d *durationAST) (time.Duration, error) {
	n, err := strconv.Atoi(d.Count)
	if err != nil || n <= 0 {
		return 0, validation.New(validation.CodeDeclaration, "duration must be a positive integer",
			validation.ErrorDetail{Field: "condition", Problem: "duration", Hint: fmt.Sprintf("%q at %s", d.Count, d.Pos)})
	}
	unit, ok := units[d.Unit]
	if !ok {
		return 0, validation.New(validation.CodeDeclaration, "unknown time unit",
			validation.ErrorDetail{Field: "condition", Problem: "unit", Hint: fmt.Sprintf("%q at %s", d.Unit, d.Pos)})
	}
	return time.Duration(n) * unit, nil
}

func countPlaceholders(ast *conditionAST) int {
	n := 0
	count := func(ops ...*operandAST) {
		for _, op := range ops {
			if op != nil && op.Placeholder {
				n++
			}
		}
	}
	switch {
	case ast.Transition != nil:
		count(ast.Transition.Subject)
	case ast.Compare != nil:
		if ast.Compare.Rate != nil {
			count(ast.Compare.Rate.Subject)
		}
		if ast.Compare.Ratio != nil {
			count(ast.Compare.Ratio.Num, ast.Compare.Ratio.Den)
		}
		count(ast.Compare.Subject)
		if ast.Compare.Clause != nil {
			count(ast.Compare.Clause.Right)
		}
	}
	return n
}

func syntaxError(text string, err error) error {
	hint := err.Error()
	var perr participle.Error
	if errors.As(err, &perr) {
		hint = fmt.Sprintf("%s at %s", perr.Message(), perr.Position())
	}
	return validation.New(validation.CodeDeclaration, "invalid condition",
		validation.ErrorDetail{Field: "condition", Problem: "syntax", Hint: fmt.Sprintf("%q: %s", text, hint)})
}
