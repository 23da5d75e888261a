package condition

import (
	"fmt"
	"strings"

	"nae-runtime/internal/series"
)

type Op string

const (
	OpGT Op = ">"
	OpGE Op = ">="
	OpLT Op = "<"
	OpLE Op = "<="
	OpEQ Op = "=="
	OpNE Op = "!="
)

func ParseOp(s string) (Op, error) {
	switch op := Op(strings.TrimSpace(s)); op {
	case OpGT, OpGE, OpLT, OpLE, OpEQ, OpNE:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operator %q", s)
	}
}

func (o Op) flip() Op {
	switch o {
	case OpGT:
		return OpLT
	case OpGE:
		return OpLE
	case OpLT:
		return OpGT
	case OpLE:
		return OpGE
	default:
		return o
	}
}

// Truth is a three-valued comparison result. Unknown comes from missing or
// degraded data and never produces an edge.
type Truth int8

const (
	Unknown Truth = iota
	False
	True
)

func (t Truth) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

func truth(b bool) Truth {
	if b {
		return True
	}
	return False
}

// Compare applies op to left and right. Against a baseline envelope, > and
// >= test the high bound, < and <= the low bound, == tests inside the band
// and != outside it.
func Compare(op Op, left, right series.Value) Truth {
	if left.IsNone() || right.IsNone() {
		return Unknown
	}
	if left.Kind == series.KindEnvelope && right.Kind != series.KindEnvelope {
		return Compare(op.flip(), right, left)
	}
	if right.Kind == series.KindEnvelope {
		v, ok := left.Float()
		if !ok {
			return Unknown
		}
		switch op {
		case OpGT:
			return truth(v > right.High)
		case OpGE:
			return truth(v >= right.High)
		case OpLT:
			return truth(v < right.Low)
		case OpLE:
			return truth(v <= right.Low)
		case OpEQ:
			return truth(v >= right.Low && v <= right.High)
		case OpNE:
			return truth(v < right.Low || v > right.High)
		}
		return Unknown
	}
	lf, lok := left.Float()
	rf, rok := right.Float()
	if lok && rok {
		return numeric(op, lf, rf)
	}
	if left.Kind == series.KindString && right.Kind == series.KindString {
		return numeric(op, float64(strings.Compare(left.Str, right.Str)), 0)
	}
	switch op {
	case OpEQ:
		return False
	case OpNE:
		return True
	}
	return Unknown
}

func numeric(op Op, l, r float64) Truth {
	switch op {
	case OpGT:
		return truth(l > r)
	case OpGE:
		return truth(l >= r)
	case OpLT:
		return truth(l < r)
	case OpLE:
		return truth(l <= r)
	case OpEQ:
		return truth(l == r)
	case OpNE:
		return truth(l != r)
	}
	return Unknown
}
