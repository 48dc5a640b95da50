package sigma

import (
	"net/netip"
	"regexp"
	"strings"

	ac "github.com/petar-dambovaliev/aho-corasick"

	"github.com/dlclark/regexp2"
	"github.com/gobwas/glob"
)

// StringMatcher is an atomic pattern that could implement glob, literal or regex matchers
type StringMatcher interface {
	// StringMatch implements StringMatcher
	StringMatch(string) bool
}

// NumMatcher is an atomic pattern for numeric item or list of items
type NumMatcher interface {
	// NumMatch implements NumMatcher
	NumMatch(Numeric) bool
}

var gWSCollapse = regexp.MustCompile(`\s+`)

// handleWhitespace returns the string with whitespace collapsed (1+ spaces, tabs, etc... become single space)
// if collapsing is enabled; this only applies to non-regex rules and data hitting non-regex rules
func handleWhitespace(str string, collapse bool) string {
	if !collapse {
		return str
	}
	return gWSCollapse.ReplaceAllString(str, " ")
}

func lowerCaseIfNeeded(str string, lower bool) string {
	if lower {
		return strings.ToLower(str)
	}
	return str
}

const (
	SIGMA_SPECIAL_WILDCARD      = byte('*')
	SIGMA_SPECIAL_SINGLE        = byte('?')
	SIGMA_SPECIAL_ESCAPE        = byte('\\')
	GLOB_SPECIAL_SQRBRKT_LEFT   = byte('[')
	GLOB_SPECIAL_SQRBRKT_RIGHT  = byte(']')
	GLOB_SPECIAL_CURLBRKT_LEFT  = byte('{')
	GLOB_SPECIAL_CURLBRKT_RIGHT = byte('}')
)

// Sigma has a different set of rules than the Glob library for escaping, so this function attempts to
// translate from Sigma escaping to gobwas/glob escaping.  For the most part we don't touch much of the
// escaped string; generally only when we see an unbalanced escape'd backslash (ex. '\' in Sigma needs to
// translated to '\\' for glob, '\\\' needs to translate to '\\\\', etc...).
//
// Generally we only need to really watch for runs of backslashes by themselves, in the case where you see
// a special character ('?' or '*') with an escape, any run of additional escapes should be valid by convention
// (e.g. '\\*' per Sigma is an escaped backslash with a wildcard while '\\\*' is an escaped backslash and escaped
// wildcard).
//
// Sigma escaping rules:
//	* Plain backslash not followed by a wildcard can be expressed as single '\' or double backslash '\\'.
//	* A wildcard has to be escaped to handle it as a plain character: '\*'
//	* The backslash before a wildcard has to be escaped to handle the value as a backslash followed by a wildcard: '\\*'
//	* Three backslashes are necessary to escape both, the backslash and the wildcard and handle them as plain values: '\\\*'
//	* Three or four backslashes are handled as double backslash. Four are recommended for consistency reasons: '\\\\' results in the plain value '\\'
func escapeSigmaForGlob(str string) string {
	if str == "" {
		return ""
	}

	// brackets have a special meaning in glob, but are plaintext in sigma
	isBracket := func(b byte) bool {
		return b == GLOB_SPECIAL_SQRBRKT_LEFT || b == GLOB_SPECIAL_SQRBRKT_RIGHT ||
			b == GLOB_SPECIAL_CURLBRKT_LEFT || b == GLOB_SPECIAL_CURLBRKT_RIGHT
	}

	sLen := len(str)
	replStr := make([]byte, 2*sLen)
	x := (2 * sLen) - 1 // end of replStr, we're working backwards

	wildcard := false // on when we see '?' or '*', off on anything other than '\' or wildcard
	slashCnt := 0     // number of unbalanced backslashes seen in a row
	for i := (sLen - 1); i >= 0; i-- {
		switch str[i] {
		case SIGMA_SPECIAL_WILDCARD, SIGMA_SPECIAL_SINGLE:
			wildcard = true
		case SIGMA_SPECIAL_ESCAPE:
			if !wildcard {
				slashCnt++
			}
		default:
			wildcard = false
		}

		if str[i] != SIGMA_SPECIAL_ESCAPE && slashCnt > 0 {
			if (slashCnt % 2) != 0 {
				replStr[x] = SIGMA_SPECIAL_ESCAPE
				x--
			}
			slashCnt = 0
		}

		replStr[x] = str[i]
		x--

		if isBracket(str[i]) {
			replStr[x] = SIGMA_SPECIAL_ESCAPE
			x--
		}
	}

	// catch leading backslashes
	if (slashCnt % 2) != 0 {
		replStr[x] = SIGMA_SPECIAL_ESCAPE
	} else {
		x++
	}

	return string(replStr[x:])
}

// hasWildcard reports unescaped '*' or '?' in a sigma value
func hasWildcard(str string) bool {
	for i := 0; i < len(str); i++ {
		switch str[i] {
		case SIGMA_SPECIAL_ESCAPE:
			if i+1 < len(str) && isSigmaSpecial(str[i+1]) {
				i++
			}
		case SIGMA_SPECIAL_WILDCARD, SIGMA_SPECIAL_SINGLE:
			return true
		}
	}
	return false
}

func isSigmaSpecial(b byte) bool {
	return b == SIGMA_SPECIAL_WILDCARD || b == SIGMA_SPECIAL_SINGLE || b == SIGMA_SPECIAL_ESCAPE
}

// unescapeSigma resolves sigma escape sequences for values that contain no wildcards
// '\*' -> '*', '\?' -> '?', '\\' -> '\', a lone backslash stays as is
func unescapeSigma(str string) string {
	if strings.IndexByte(str, SIGMA_SPECIAL_ESCAPE) < 0 {
		return str
	}
	var b strings.Builder
	b.Grow(len(str))
	for i := 0; i < len(str); i++ {
		if str[i] == SIGMA_SPECIAL_ESCAPE && i+1 < len(str) && isSigmaSpecial(str[i+1]) {
			i++
		}
		b.WriteByte(str[i])
	}
	return b.String()
}

// StringMatchers holds multiple atomic matchers
// Patterns are meant to be list of possibilities
// thus, objects are joined with logical disjunctions
type StringMatchers []StringMatcher

// StringMatch implements StringMatcher
func (s StringMatchers) StringMatch(msg string) bool {
	for _, m := range s {
		if m.StringMatch(msg) {
			return true
		}
	}
	return false
}

// Optimize creates a new StringMatchers slice ordered by matcher type
// First match wins, thus we can optimize by making sure fast string patterns
// are executed first, then globs, and finally slow regular expressions
func (s StringMatchers) Optimize() StringMatchers {
	return optimizeStringMatchers(s)
}

// StringMatchersConj is similar to StringMatcher but elements are joined with
// conjunction, i.e. all patterns must match
// used to implement "all" specifier for selection types
type StringMatchersConj []StringMatcher

// StringMatch implements StringMatcher
func (s StringMatchersConj) StringMatch(msg string) bool {
	for _, m := range s {
		if !m.StringMatch(msg) {
			return false
		}
	}
	return true
}

// Optimize orders conjunction so that cheap checks can fail first
func (s StringMatchersConj) Optimize() StringMatchersConj {
	return optimizeStringMatchers(s)
}

func optimizeStringMatchers(s []StringMatcher) []StringMatcher {
	literals := make([]StringMatcher, 0)
	globs := make([]StringMatcher, 0)
	re := make([]StringMatcher, 0)
	for _, pat := range s {
		switch pat.(type) {
		case RegexPattern:
			re = append(re, pat)
		case GlobPattern:
			globs = append(globs, pat)
		default:
			literals = append(literals, pat)
		}
	}
	return append(literals, append(globs, re...)...)
}

// minContainsSet is the number of literal contains patterns that warrant a single automaton
const minContainsSet = 4

// mergeContains folds literal contains patterns of a disjunction into one aho-corasick automaton
func mergeContains(s []StringMatcher) []StringMatcher {
	var (
		tokens   []string
		lower    bool
		collapse bool
	)
	rest := make([]StringMatcher, 0, len(s))
	for _, pat := range s {
		if c, ok := pat.(ContainsPattern); ok && c.Token != "" && (len(tokens) == 0 || (c.Lowercase == lower && c.Collapse == collapse)) {
			lower, collapse = c.Lowercase, c.Collapse
			tokens = append(tokens, c.Token)
			continue
		}
		rest = append(rest, pat)
	}
	if len(tokens) < minContainsSet {
		return s
	}
	return append([]StringMatcher{newContainsSet(tokens, lower, collapse)}, rest...)
}

// ContentPattern is a token for literal content matching
type ContentPattern struct {
	Token     string
	Lowercase bool
	Collapse  bool
}

// StringMatch implements StringMatcher
func (c ContentPattern) StringMatch(msg string) bool {
	msg = handleWhitespace(msg, c.Collapse)
	return lowerCaseIfNeeded(msg, c.Lowercase) == c.Token
}

// ContainsPattern matches literal token anywhere in the message
type ContainsPattern struct {
	Token     string
	Lowercase bool
	Collapse  bool
}

// StringMatch implements StringMatcher
func (c ContainsPattern) StringMatch(msg string) bool {
	msg = handleWhitespace(msg, c.Collapse)
	return strings.Contains(lowerCaseIfNeeded(msg, c.Lowercase), c.Token)
}

// PrefixPattern is a token for literal prefix matching
type PrefixPattern struct {
	Token     string
	Lowercase bool
	Collapse  bool
}

// StringMatch implements StringMatcher
func (c PrefixPattern) StringMatch(msg string) bool {
	msg = handleWhitespace(msg, c.Collapse)
	return strings.HasPrefix(lowerCaseIfNeeded(msg, c.Lowercase), c.Token)
}

// SuffixPattern is a token for literal suffix matching
type SuffixPattern struct {
	Token     string
	Lowercase bool
	Collapse  bool
}

// StringMatch implements StringMatcher
func (c SuffixPattern) StringMatch(msg string) bool {
	msg = handleWhitespace(msg, c.Collapse)
	return strings.HasSuffix(lowerCaseIfNeeded(msg, c.Lowercase), c.Token)
}

// GlobPattern is similar to ContentPattern but allows for asterisk wildcards
type GlobPattern struct {
	Glob      glob.Glob
	Lowercase bool
	Collapse  bool
}

// StringMatch implements StringMatcher
func (g GlobPattern) StringMatch(msg string) bool {
	msg = handleWhitespace(msg, g.Collapse)
	return g.Glob.Match(lowerCaseIfNeeded(msg, g.Lowercase))
}

// RegexPattern is for matching messages with regular expresions
// A match that exceeds the registry timeout is treated as a mismatch
type RegexPattern struct {
	Re *regexp2.Regexp
}

// StringMatch implements StringMatcher
func (r RegexPattern) StringMatch(msg string) bool {
	ok, err := r.Re.MatchString(msg)
	return err == nil && ok
}

// CIDRPattern matches IP address strings against a network
type CIDRPattern struct {
	Prefix netip.Prefix
}

// StringMatch implements StringMatcher
func (c CIDRPattern) StringMatch(msg string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(msg))
	if err != nil {
		return false
	}
	return c.Prefix.Contains(addr.Unmap())
}

// containsSet is a disjunction of literal contains patterns backed by an aho-corasick automaton
type containsSet struct {
	ac        *ac.AhoCorasick
	Tokens    []string
	Lowercase bool
	Collapse  bool
}

func newContainsSet(tokens []string, lower, collapse bool) containsSet {
	builder := ac.NewAhoCorasickBuilder(ac.Opts{
		MatchKind: ac.LeftMostLongestMatch,
	})
	automaton := builder.Build(tokens)
	return containsSet{
		ac:        &automaton,
		Tokens:    tokens,
		Lowercase: lower,
		Collapse:  collapse,
	}
}

// StringMatch implements StringMatcher
func (c containsSet) StringMatch(msg string) bool {
	msg = lowerCaseIfNeeded(handleWhitespace(msg, c.Collapse), c.Lowercase)
	return len(c.ac.FindAll(msg)) > 0
}

// nothing never matches, used when placeholder expansion yields no values
type nothing struct{}

func (nothing) StringMatch(string) bool { return false }
func (nothing) NumMatch(Numeric) bool   { return false }

// NumPattern compares numeric value against pattern
// Integers on both sides are compared exactly
type NumPattern struct {
	Op  string
	Val Numeric
}

// NumMatch implements NumMatcher
func (n NumPattern) NumMatch(val Numeric) bool {
	c, ok := val.Compare(n.Val)
	if !ok {
		return false
	}
	switch n.Op {
	case ModGt:
		return c > 0
	case ModGte:
		return c >= 0
	case ModLt:
		return c < 0
	case ModLte:
		return c <= 0
	default:
		return c == 0
	}
}

// NumMatchers holds multiple numeric matchers joined by disjunction
type NumMatchers []NumMatcher

// NumMatch implements NumMatcher
func (n NumMatchers) NumMatch(val Numeric) bool {
	for _, v := range n {
		if v.NumMatch(val) {
			return true
		}
	}
	return false
}

// NumMatchersConj holds multiple numeric matchers joined by conjunction
type NumMatchersConj []NumMatcher

// NumMatch implements NumMatcher
func (n NumMatchersConj) NumMatch(val Numeric) bool {
	for _, v := range n {
		if !v.NumMatch(val) {
			return false
		}
	}
	return true
}
