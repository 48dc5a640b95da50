package sigma

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Kind is the closed set of shapes a raw rule document value can take
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is a raw document value as delivered by a YAML or JSON loader
// Loaders produce untyped interface{} trees, NewValue converts them once at the ingestion boundary
type Value struct {
	kind Kind

	str string
	num Numeric
	b   bool
	seq []Value
	m   *Mapping
}

// Mapping is an ordered string keyed map
// Order follows the source document when it is known (yaml.MapSlice) and is sorted otherwise
type Mapping struct {
	Keys   []string
	Values map[string]Value
}

// Len returns the number of keys
func (m Mapping) Len() int { return len(m.Keys) }

// Get returns value for key
func (m Mapping) Get(key string) (Value, bool) {
	v, ok := m.Values[key]
	return v, ok
}

func newMapping(size int) *Mapping {
	return &Mapping{
		Keys:   make([]string, 0, size),
		Values: make(map[string]Value, size),
	}
}

func (m *Mapping) set(key string, val Value) {
	if _, ok := m.Values[key]; !ok {
		m.Keys = append(m.Keys, key)
	}
	m.Values[key] = val
}

// String builds a string value
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number builds a numeric value
func Number(n float64) Value { return Value{kind: KindNumber, num: FloatNumeric(n)} }

// Integer builds an exact signed integer value
func Integer(n int64) Value { return Value{kind: KindNumber, num: IntNumeric(n)} }

// Unsigned builds an exact unsigned integer value
func Unsigned(n uint64) Value { return Value{kind: KindNumber, num: UintNumeric(n)} }

// Bool builds a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Null builds an empty value
func Null() Value { return Value{kind: KindNull} }

// Sequence builds a list value
func Sequence(items ...Value) Value { return Value{kind: KindSequence, seq: items} }

// NewValue converts arbitrary decoded data into a Value
// Supported inputs are the types produced by gopkg.in/yaml.v2 and encoding/json compatible decoders
func NewValue(data interface{}) (Value, error) {
	switch v := data.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Integer(int64(v)), nil
	case int8:
		return Integer(int64(v)), nil
	case int16:
		return Integer(int64(v)), nil
	case int32:
		return Integer(int64(v)), nil
	case int64:
		return Integer(v), nil
	case uint:
		return Unsigned(uint64(v)), nil
	case uint8:
		return Unsigned(uint64(v)), nil
	case uint16:
		return Unsigned(uint64(v)), nil
	case uint32:
		return Unsigned(uint64(v)), nil
	case uint64:
		return Unsigned(v), nil
	case float32:
		return Number(float64(v)), nil
	case float64:
		return Number(v), nil
	case []string:
		seq := make([]Value, len(v))
		for i, s := range v {
			seq[i] = String(s)
		}
		return Sequence(seq...), nil
	case []interface{}:
		seq := make([]Value, len(v))
		for i, item := range v {
			val, err := NewValue(item)
			if err != nil {
				return Value{}, err
			}
			seq[i] = val
		}
		return Sequence(seq...), nil
	case yaml.MapSlice:
		m := newMapping(len(v))
		for _, item := range v {
			val, err := NewValue(item.Value)
			if err != nil {
				return Value{}, err
			}
			m.set(keyString(item.Key), val)
		}
		return Value{kind: KindMapping, m: m}, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := newMapping(len(v))
		for _, k := range keys {
			val, err := NewValue(v[k])
			if err != nil {
				return Value{}, err
			}
			m.set(k, val)
		}
		return Value{kind: KindMapping, m: m}, nil
	case map[interface{}]interface{}:
		// Yaml can have non-string keys, so go-yaml unmarshals to map[interface{}]interface{}
		keys := make([]string, 0, len(v))
		raw := make(map[string]interface{}, len(v))
		for k, item := range v {
			key := keyString(k)
			keys = append(keys, key)
			raw[key] = item
		}
		sort.Strings(keys)
		m := newMapping(len(v))
		for _, k := range keys {
			val, err := NewValue(raw[k])
			if err != nil {
				return Value{}, err
			}
			m.set(k, val)
		}
		return Value{kind: KindMapping, m: m}, nil
	default:
		return Value{}, ErrValue{Value: data, Msg: fmt.Sprintf("unsupported data type %T", data)}
	}
}

func keyString(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", k)
}

// Kind returns value shape
func (v Value) Kind() Kind { return v.kind }

// IsScalar is true for everything that is not a sequence or mapping
func (v Value) IsScalar() bool { return v.kind != KindSequence && v.kind != KindMapping }

// Str returns the string payload
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload as float, integers beyond 2^53 lose precision
func (v Value) Num() (float64, bool) { return v.num.Float64(), v.kind == KindNumber }

// Numeric returns the exact numeric payload
func (v Value) Numeric() (Numeric, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the boolean payload
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Seq returns list items
func (v Value) Seq() ([]Value, bool) { return v.seq, v.kind == KindSequence }

// Map returns the mapping payload
func (v Value) Map() (*Mapping, bool) { return v.m, v.kind == KindMapping }

// Text renders scalar values the way they would appear in an event
// Whole numbers are written without decimals, so EventID 4688 becomes "4688"
// Integers keep every digit
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// Interface converts value back into plain go types
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.Interface()
	case KindBool:
		return v.b
	case KindSequence:
		out := make([]interface{}, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.Interface()
		}
		return out
	case KindMapping:
		out := make(map[string]interface{}, v.m.Len())
		for _, k := range v.m.Keys {
			out[k] = v.m.Values[k].Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string { return v.Text() }
