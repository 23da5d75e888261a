package series

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindNumber
	KindString
	KindBool
	KindEnvelope
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindEnvelope:
		return "envelope"
	default:
		return "none"
	}
}

// Value is a single observed or derived reading. Envelope values carry the
// low/high band produced by a baseline.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Bool bool
	Low  float64
	High float64
}

func Number(v float64) Value  { return Value{Kind: KindNumber, Num: v} }
func String(v string) Value   { return Value{Kind: KindString, Str: v} }
func Bool(v bool) Value       { return Value{Kind: KindBool, Bool: v} }
func Envelope(low, high float64) Value {
	return Value{Kind: KindEnvelope, Low: low, High: high}
}

func (v Value) IsNone() bool { return v.Kind == KindNone }

// Float returns the numeric reading. Booleans map to 0/1 and strings are
// accepted when they parse as numbers.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(v.Str, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindEnvelope:
		return fmt.Sprintf("[%s, %s]", strconv.FormatFloat(v.Low, 'f', -1, 64), strconv.FormatFloat(v.High, 'f', -1, 64))
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindString:
		return json.Marshal(v.Str)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindEnvelope:
		return json.Marshal(map[string]float64{"low": v.Low, "high": v.High})
	default:
		return []byte("null"), nil
	}
}

// FromJSON converts a decoded JSON scalar into a Value. Objects and arrays
// are not readings and report false.
func FromJSON(raw any) (Value, bool) {
	switch t := raw.(type) {
	case float64:
		return Number(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, false
		}
		return Number(f), true
	case string:
		return String(t), true
	case bool:
		return Bool(t), true
	case int:
		return Number(float64(t)), true
	case int64:
		return Number(float64(t)), true
	default:
		return Value{}, false
	}
}

// Parse restores a value persisted with String. Numbers and booleans win
// over plain strings.
func Parse(text string) Value {
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return Number(f)
	}
	if b, err := strconv.ParseBool(text); err == nil {
		return Bool(b)
	}
	return String(text)
}
