package sigma

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ModifierKind groups field modifiers by how they affect matching
type ModifierKind int

const (
	// ModifierComparison decides how event value is compared to pattern, only one per chain
	ModifierComparison ModifierKind = iota
	// ModifierTransform rewrites pattern values before comparison
	ModifierTransform
	// ModifierFlag toggles list semantics, case sensitivity or regex options
	ModifierFlag
)

func (k ModifierKind) String() string {
	switch k {
	case ModifierComparison:
		return "comparison"
	case ModifierTransform:
		return "transform"
	case ModifierFlag:
		return "flag"
	default:
		return "unknown"
	}
}

// Comparison modifiers
const (
	ModEquals     = ""
	ModContains   = "contains"
	ModStartsWith = "startswith"
	ModEndsWith   = "endswith"
	ModRegex      = "re"
	ModGt         = "gt"
	ModGte        = "gte"
	ModLt         = "lt"
	ModLte        = "lte"
	ModCIDR       = "cidr"
	ModExists     = "exists"
)

// Transform modifiers
const (
	ModBase64       = "base64"
	ModBase64Offset = "base64offset"
	ModWide         = "wide"
	ModUTF16LE      = "utf16le"
	ModUTF16BE      = "utf16be"
	ModUTF16        = "utf16"
	ModWindash      = "windash"
	ModExpand       = "expand"
)

// Flag modifiers
const (
	ModAll   = "all"
	ModCased = "cased"
	ModReI   = "i"
	ModReM   = "m"
	ModReS   = "s"
)

// TransformFunc rewrites a single pattern value into one or more alternatives
type TransformFunc func(string) ([]string, error)

// Modifier describes a single pipe delimited token in a selection key
type Modifier struct {
	Name      string
	Kind      ModifierKind
	Transform TransformFunc
}

// ModifierChain is the parsed form of a field key such as CommandLine|base64offset|contains|all
type ModifierChain struct {
	Field string
	// Raw holds modifier tokens in declaration order
	Raw []string

	Comparison string
	Transforms []Modifier

	All, Cased bool
	RegexOpts  regexp2.RegexOptions
}

// String reconstructs the selection key
func (c ModifierChain) String() string {
	if len(c.Raw) == 0 {
		return c.Field
	}
	return c.Field + "|" + strings.Join(c.Raw, "|")
}

func (c ModifierChain) numeric() bool {
	switch c.Comparison {
	case ModGt, ModGte, ModLt, ModLte:
		return true
	}
	return false
}

func (c ModifierChain) hasTransform(name string) bool {
	for _, t := range c.Transforms {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ModifierRegistry holds known modifiers and shared resources used while compiling field patterns
// It is constructed explicitly and handed to detection builders, there is no package level default
// Safe for concurrent use once constructed
type ModifierRegistry struct {
	modifiers map[string]Modifier

	placeholders Placeholders

	regexTimeout       time.Duration
	collapseWhitespace bool

	regexCache *lru.Cache[string, *regexp2.Regexp]
	globCache  *lru.Cache[string, glob.Glob]
}

// RegistryOption configures a ModifierRegistry
type RegistryOption func(*ModifierRegistry)

// WithPlaceholders binds %name% placeholder lists used by the expand modifier
func WithPlaceholders(p Placeholders) RegistryOption {
	return func(r *ModifierRegistry) { r.placeholders = p }
}

// WithRegexTimeout limits a single regular expression evaluation
func WithRegexTimeout(d time.Duration) RegistryOption {
	return func(r *ModifierRegistry) { r.regexTimeout = d }
}

// WithWhitespaceCollapse squashes whitespace runs in both patterns and event values of non-regex comparisons
func WithWhitespaceCollapse(enabled bool) RegistryOption {
	return func(r *ModifierRegistry) { r.collapseWhitespace = enabled }
}

// WithCacheSize sets the number of compiled regex and glob objects kept for reuse between rules
func WithCacheSize(size int) RegistryOption {
	return func(r *ModifierRegistry) {
		if size <= 0 {
			r.regexCache, r.globCache = nil, nil
			return
		}
		r.regexCache, _ = lru.New[string, *regexp2.Regexp](size)
		r.globCache, _ = lru.New[string, glob.Glob](size)
	}
}

const (
	defaultRegexTimeout = 100 * time.Millisecond
	defaultCacheSize    = 4096
)

// NewModifierRegistry instantiates a registry with the standard sigma modifier set
func NewModifierRegistry(opts ...RegistryOption) *ModifierRegistry {
	r := &ModifierRegistry{
		modifiers:    make(map[string]Modifier),
		regexTimeout: defaultRegexTimeout,
	}
	WithCacheSize(defaultCacheSize)(r)

	for _, name := range []string{
		ModContains, ModStartsWith, ModEndsWith, ModRegex,
		ModGt, ModGte, ModLt, ModLte, ModCIDR, ModExists,
	} {
		r.Register(Modifier{Name: name, Kind: ModifierComparison})
	}
	for _, name := range []string{ModAll, ModCased, ModReI, ModReM, ModReS} {
		r.Register(Modifier{Name: name, Kind: ModifierFlag})
	}
	r.Register(Modifier{Name: ModBase64, Kind: ModifierTransform, Transform: transformBase64})
	r.Register(Modifier{Name: ModBase64Offset, Kind: ModifierTransform, Transform: transformBase64Offset})
	r.Register(Modifier{Name: ModWide, Kind: ModifierTransform, Transform: transformUTF16LE})
	r.Register(Modifier{Name: ModUTF16LE, Kind: ModifierTransform, Transform: transformUTF16LE})
	r.Register(Modifier{Name: ModUTF16BE, Kind: ModifierTransform, Transform: transformUTF16BE})
	r.Register(Modifier{Name: ModUTF16, Kind: ModifierTransform, Transform: transformUTF16})
	r.Register(Modifier{Name: ModWindash, Kind: ModifierTransform, Transform: transformWindash})
	r.Register(Modifier{Name: ModExpand, Kind: ModifierTransform, Transform: r.transformExpand})

	for _, fn := range opts {
		fn(r)
	}
	return r
}

// Register adds or replaces a modifier
// Not safe to call concurrently with pattern compilation
func (r *ModifierRegistry) Register(m Modifier) {
	r.modifiers[strings.ToLower(m.Name)] = m
}

// Lookup returns a modifier by name
func (r *ModifierRegistry) Lookup(name string) (Modifier, bool) {
	m, ok := r.modifiers[strings.ToLower(name)]
	return m, ok
}

// ParseChain splits a selection key into base field name and validated modifier chain
// Modifiers are applied left to right, transforms in the order they are declared
func (r *ModifierRegistry) ParseChain(key string) (ModifierChain, error) {
	bits := strings.Split(key, "|")
	chain := ModifierChain{Field: bits[0]}
	if len(bits) == 1 {
		return chain, nil
	}
	chain.Raw = bits[1:]

	var regexFlags []string
	for _, token := range chain.Raw {
		if token == "" {
			return chain, ErrModifier{Field: chain.Field, Modifier: token, Msg: "empty modifier"}
		}
		mod, ok := r.Lookup(token)
		if !ok {
			return chain, ErrModifier{Field: chain.Field, Modifier: token, Msg: "unknown modifier"}
		}
		switch mod.Kind {
		case ModifierComparison:
			if chain.Comparison != ModEquals {
				return chain, ErrModifier{
					Field:    chain.Field,
					Modifier: token,
					Msg:      fmt.Sprintf("conflicts with %s, only one comparison modifier allowed", chain.Comparison),
				}
			}
			chain.Comparison = mod.Name
		case ModifierTransform:
			if chain.Comparison != ModEquals {
				return chain, ErrModifier{
					Field:    chain.Field,
					Modifier: token,
					Msg:      fmt.Sprintf("value transform must precede comparison modifier %s", chain.Comparison),
				}
			}
			chain.Transforms = append(chain.Transforms, mod)
		case ModifierFlag:
			switch mod.Name {
			case ModAll:
				chain.All = true
			case ModCased:
				chain.Cased = true
			case ModReI:
				chain.RegexOpts |= regexp2.IgnoreCase
				regexFlags = append(regexFlags, token)
			case ModReM:
				chain.RegexOpts |= regexp2.Multiline
				regexFlags = append(regexFlags, token)
			case ModReS:
				chain.RegexOpts |= regexp2.Singleline
				regexFlags = append(regexFlags, token)
			}
		}
	}
	return chain, r.validateChain(chain, regexFlags)
}

func (r *ModifierRegistry) validateChain(chain ModifierChain, regexFlags []string) error {
	if len(regexFlags) > 0 && chain.Comparison != ModRegex {
		return ErrModifier{Field: chain.Field, Modifier: regexFlags[0], Msg: "regex flag without re modifier"}
	}
	if len(chain.Transforms) > 0 {
		switch {
		case chain.numeric(), chain.Comparison == ModCIDR, chain.Comparison == ModExists, chain.Comparison == ModRegex:
			return ErrModifier{
				Field:    chain.Field,
				Modifier: chain.Transforms[0].Name,
				Msg:      fmt.Sprintf("value transform cannot be combined with %s", chain.Comparison),
			}
		}
	}
	if chain.hasTransform(ModBase64Offset) && chain.Comparison != ModContains {
		return ErrModifier{Field: chain.Field, Modifier: ModBase64Offset, Msg: "must be followed by contains"}
	}
	if chain.Cased {
		switch {
		case chain.numeric(), chain.Comparison == ModCIDR, chain.Comparison == ModExists:
			return ErrModifier{
				Field:    chain.Field,
				Modifier: ModCased,
				Msg:      fmt.Sprintf("not applicable to %s", chain.Comparison),
			}
		}
	}
	return nil
}

func (r *ModifierRegistry) compileRegex(pattern string, opts regexp2.RegexOptions) (*regexp2.Regexp, error) {
	key := fmt.Sprintf("%d/%s", opts, pattern)
	if r.regexCache != nil {
		if re, ok := r.regexCache.Get(key); ok {
			return re, nil
		}
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, ErrRegularExpression{Pattern: pattern, Err: err}
	}
	re.MatchTimeout = r.regexTimeout
	if r.regexCache != nil {
		r.regexCache.Add(key, re)
	}
	return re, nil
}

func (r *ModifierRegistry) compileGlob(pattern string) (glob.Glob, error) {
	if r.globCache != nil {
		if g, ok := r.globCache.Get(pattern); ok {
			return g, nil
		}
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if r.globCache != nil {
		r.globCache.Add(pattern, g)
	}
	return g, nil
}
