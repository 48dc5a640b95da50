package sigma

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// FieldMatcher is a single compiled field assertion of a match group
// For example, `CommandLine|contains|all: [foo, bar]`
type FieldMatcher struct {
	ModifierChain
	// Values are pattern values as found in the rule, before transforms
	Values []Value

	str    StringMatcher
	num    NumMatcher
	exists bool
	null   bool
}

// NewFieldMatcher compiles a selection key with modifiers and its pattern values
// All errors are raised here, nothing is compiled lazily at match time
// String comparisons ignore case unless the chain carries the cased modifier,
// base64 and base64offset payloads are always case sensitive, re follows its own i flag
func (r *ModifierRegistry) NewFieldMatcher(key string, values ...Value) (*FieldMatcher, error) {
	chain, err := r.ParseChain(key)
	if err != nil {
		return nil, err
	}
	if chain.Field == "" {
		return nil, ErrDetection{Msg: fmt.Sprintf("key %q has no field name", key)}
	}
	if len(values) == 0 {
		return nil, ErrDetection{Msg: fmt.Sprintf("field %s has an empty value list", key)}
	}
	f := &FieldMatcher{ModifierChain: chain, Values: values}

	switch {
	case chain.Comparison == ModExists:
		if len(values) != 1 {
			return nil, ErrValue{Field: key, Value: valuesInterface(values), Msg: "exists takes a single boolean"}
		}
		b, ok := values[0].Boolean()
		if !ok {
			return nil, ErrValue{Field: key, Value: values[0].Interface(), Msg: "exists takes a single boolean"}
		}
		f.exists = b
	case chain.numeric():
		nums := make([]NumMatcher, 0, len(values))
		for _, v := range values {
			n, ok := numericValue(v)
			if !ok {
				return nil, ErrValue{
					Field: key,
					Value: v.Interface(),
					Msg:   fmt.Sprintf("%s requires a numeric value", chain.Comparison),
				}
			}
			nums = append(nums, NumPattern{Op: chain.Comparison, Val: n})
		}
		if chain.All {
			f.num = NumMatchersConj(nums)
		} else {
			f.num = NumMatchers(nums)
		}
	default:
		patterns := make([]StringMatcher, 0, len(values))
		for _, v := range values {
			switch v.Kind() {
			case KindNull:
				if chain.Comparison != ModEquals || len(chain.Transforms) > 0 {
					return nil, ErrValue{Field: key, Value: nil, Msg: "null is only valid with plain equality"}
				}
				f.null = true
				continue
			case KindSequence, KindMapping:
				return nil, ErrValue{Field: key, Value: v.Interface(), Msg: fmt.Sprintf("nested %s is not a valid pattern", v.Kind())}
			}
			m, err := r.newValueMatcher(chain, v.Text())
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, m)
		}
		switch {
		case len(patterns) == 0:
		case len(patterns) == 1:
			f.str = patterns[0]
		case chain.All:
			f.str = StringMatchersConj(patterns).Optimize()
		default:
			f.str = StringMatchers(mergeContains(StringMatchers(patterns).Optimize()))
		}
	}
	return f, nil
}

// newValueMatcher applies value transforms and builds a disjunction of all resulting variants
func (r *ModifierRegistry) newValueMatcher(chain ModifierChain, raw string) (StringMatcher, error) {
	variants := []string{raw}
	for _, t := range chain.Transforms {
		next := make([]string, 0, len(variants))
		for _, v := range variants {
			out, err := t.Transform(v)
			if err != nil {
				return nil, ErrValue{Field: chain.String(), Value: raw, Msg: fmt.Sprintf("%s modifier", t.Name), Err: err}
			}
			next = append(next, out...)
		}
		variants = next
	}
	if len(variants) == 0 {
		return nothing{}, nil
	}
	// encoded payloads are case sensitive by nature
	lower := !chain.Cased && !chain.hasTransform(ModBase64) && !chain.hasTransform(ModBase64Offset)

	matchers := make(StringMatchers, 0, len(variants))
	for _, v := range variants {
		m, err := r.newStringMatcher(chain, v, lower)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	if len(matchers) == 1 {
		return matchers[0], nil
	}
	return StringMatchers(mergeContains(matchers.Optimize())), nil
}

func (r *ModifierRegistry) newStringMatcher(chain ModifierChain, pattern string, lower bool) (StringMatcher, error) {
	switch chain.Comparison {
	case ModRegex:
		re, err := r.compileRegex(pattern, chain.RegexOpts)
		if err != nil {
			return nil, err
		}
		return RegexPattern{Re: re}, nil
	case ModCIDR:
		prefix, err := parseCIDR(pattern)
		if err != nil {
			return nil, ErrValue{Field: chain.String(), Value: pattern, Msg: "invalid network", Err: err}
		}
		return CIDRPattern{Prefix: prefix}, nil
	}

	collapse := r.collapseWhitespace
	pattern = lowerCaseIfNeeded(handleWhitespace(pattern, collapse), lower)

	if hasWildcard(pattern) {
		g := escapeSigmaForGlob(pattern)
		switch chain.Comparison {
		case ModContains:
			g = "*" + g + "*"
		case ModStartsWith:
			g = g + "*"
		case ModEndsWith:
			g = "*" + g
		}
		compiled, err := r.compileGlob(g)
		if err != nil {
			return nil, ErrValue{Field: chain.String(), Value: pattern, Msg: "invalid wildcard pattern", Err: err}
		}
		return GlobPattern{Glob: compiled, Lowercase: lower, Collapse: collapse}, nil
	}

	token := unescapeSigma(pattern)
	switch chain.Comparison {
	case ModContains:
		return ContainsPattern{Token: token, Lowercase: lower, Collapse: collapse}, nil
	case ModStartsWith:
		return PrefixPattern{Token: token, Lowercase: lower, Collapse: collapse}, nil
	case ModEndsWith:
		return SuffixPattern{Token: token, Lowercase: lower, Collapse: collapse}, nil
	default:
		return ContentPattern{Token: token, Lowercase: lower, Collapse: collapse}, nil
	}
}

func parseCIDR(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "/") {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr := prefix.Addr()
	if addr.Is4In6() {
		bits := prefix.Bits() - 96
		if bits < 0 {
			bits = 0
		}
		return netip.PrefixFrom(addr.Unmap(), bits).Masked(), nil
	}
	return prefix.Masked(), nil
}

// Match implements field lookup and comparison on event
func (f FieldMatcher) Match(e Selector) bool {
	val, ok := e.Select(f.Field)
	return f.MatchValue(val, ok)
}

// MatchValue compares a single event value against compiled patterns
// present should be false if field was missing from the event
// List values match if any element matches
func (f FieldMatcher) MatchValue(val interface{}, present bool) bool {
	if f.Comparison == ModExists {
		return present == f.exists
	}
	if !present || val == nil {
		return f.null
	}
	switch v := val.(type) {
	case []interface{}:
		for _, item := range v {
			if f.matchScalar(item) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if f.matchScalar(item) {
				return true
			}
		}
		return false
	case Value:
		if items, ok := v.Seq(); ok {
			for _, item := range items {
				if f.matchScalar(item.Interface()) {
					return true
				}
			}
			return false
		}
		if v.Kind() == KindNull {
			return f.null
		}
		return f.matchScalar(v.Interface())
	}
	return f.matchScalar(val)
}

func (f FieldMatcher) matchScalar(val interface{}) bool {
	if f.num != nil {
		n, ok := toNumeric(val)
		return ok && f.num.NumMatch(n)
	}
	if f.str == nil {
		return false
	}
	s, ok := toString(val)
	return ok && f.str.StringMatch(s)
}

// Matches evaluates one field assertion against a candidate value without building a detection
// patterns may be a scalar or a sequence of scalars, candidate nil is treated as a missing field
func (r *ModifierRegistry) Matches(key string, patterns Value, candidate interface{}) (bool, error) {
	values := []Value{patterns}
	if items, ok := patterns.Seq(); ok {
		values = items
	}
	f, err := r.NewFieldMatcher(key, values...)
	if err != nil {
		return false, err
	}
	return f.MatchValue(candidate, candidate != nil), nil
}

func numericValue(v Value) (Numeric, bool) {
	switch v.Kind() {
	case KindNumber:
		return v.Numeric()
	case KindString:
		s, _ := v.Str()
		return ParseNumeric(s)
	}
	return Numeric{}, false
}

// numberLiteral covers json.Number and similar decoder types that keep the source text
type numberLiteral interface {
	Float64() (float64, error)
	String() string
}

type float64er interface {
	Float64() (float64, error)
}

func toNumeric(val interface{}) (Numeric, bool) {
	switch v := val.(type) {
	case Numeric:
		return v, true
	case float64:
		return FloatNumeric(v), true
	case float32:
		return FloatNumeric(float64(v)), true
	case int:
		return IntNumeric(int64(v)), true
	case int8:
		return IntNumeric(int64(v)), true
	case int16:
		return IntNumeric(int64(v)), true
	case int32:
		return IntNumeric(int64(v)), true
	case int64:
		return IntNumeric(v), true
	case uint:
		return UintNumeric(uint64(v)), true
	case uint8:
		return UintNumeric(uint64(v)), true
	case uint16:
		return UintNumeric(uint64(v)), true
	case uint32:
		return UintNumeric(uint64(v)), true
	case uint64:
		return UintNumeric(v), true
	case string:
		return ParseNumeric(v)
	case numberLiteral:
		return ParseNumeric(v.String())
	case float64er:
		n, err := v.Float64()
		return FloatNumeric(n), err == nil
	}
	return Numeric{}, false
}

func toString(val interface{}) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case bool:
		return strconv.FormatBool(v), true
	case map[string]interface{}, []interface{}:
		return "", false
	case fmt.Stringer:
		return v.String(), true
	}
	if n, ok := toNumeric(val); ok {
		return n.String(), true
	}
	return "", false
}

func valuesInterface(values []Value) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v.Interface()
	}
	return out
}
