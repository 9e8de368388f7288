package modal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Variable types mirror the engine's wire format.
const (
	TypeString  = "String"
	TypeBoolean = "Boolean"
	TypeInteger = "Integer"
	TypeDate    = "Date"
	TypeJSON    = "Json"
	TypeNull    = "Null"
)

type TypedValue struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

func StringValue(s string) TypedValue {
	return TypedValue{Value: s, Type: TypeString}
}

func BoolValue(b bool) TypedValue {
	return TypedValue{Value: b, Type: TypeBoolean}
}

func DateValue(t time.Time) TypedValue {
	return TypedValue{Value: t.UTC().Format(time.RFC3339Nano), Type: TypeDate}
}

func NullValue() TypedValue {
	return TypedValue{Type: TypeNull}
}

// Variables is a process variable set keyed by name.
type Variables map[string]TypedValue

func (v Variables) String(name string) string {
	tv, ok := v[name]
	if !ok || tv.Value == nil {
		return ""
	}
	if s, ok := tv.Value.(string); ok {
		return s
	}
	return fmt.Sprint(tv.Value)
}

func (v Variables) Bool(name string) (bool, bool) {
	tv, ok := v[name]
	if !ok {
		return false, false
	}
	switch b := tv.Value.(type) {
	case bool:
		return b, true
	case string:
		return b == "true", true
	}
	return false, false
}

func (v Variables) Time(name string) time.Time {
	s := v.String(name)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Plain flattens the set to raw values, for rule evaluation.
func (v Variables) Plain() map[string]any {
	out := make(map[string]any, len(v))
	for k, tv := range v {
		out[k] = tv.Value
	}
	return out
}

func (v Variables) Merge(other Variables) Variables {
	out := make(Variables, len(v)+len(other))
	for k, tv := range v {
		out[k] = tv
	}
	for k, tv := range other {
		out[k] = tv
	}
	return out
}

// UnmarshalJSON normalises numbers decoded from JSON for Integer values.
func (tv *TypedValue) UnmarshalJSON(b []byte) error {
	var raw struct {
		Value json.RawMessage `json:"value"`
		Type  string          `json:"type"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	tv.Type = raw.Type
	tv.Value = nil
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}
	switch raw.Type {
	case TypeInteger:
		var n int64
		if err := json.Unmarshal(raw.Value, &n); err != nil {
			return err
		}
		tv.Value = n
		return nil
	}
	var val any
	if err := json.Unmarshal(raw.Value, &val); err != nil {
		return err
	}
	tv.Value = val
	return nil
}
