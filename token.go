package sigma

import "fmt"

var eof = rune(0)

// Item is lexical token along with respective plaintext value
// Item is communicated between lexer and parser
type Item struct {
	T   Token
	Val string
	// Pos is byte offset of the token in condition string
	Pos int
}

func (i Item) String() string {
	switch i.T {
	case TokLitEof:
		return "end of condition"
	case TokIdentifier, TokIdentifierWithWildcard, TokNumber:
		return fmt.Sprintf("%s %q", i.T, i.Val)
	default:
		return i.T.String()
	}
}

// Token is a lexical token extracted from condition field
type Token int

const (
	TokErr Token = iota

	// Helpers for internal stuff
	TokUnsupp
	TokBegin
	TokNil

	// user-defined word
	TokIdentifier
	TokIdentifierWithWildcard
	TokIdentifierAll
	TokNumber

	// Literals
	TokLitEof

	// Separators
	TokSepLpar
	TokSepRpar
	TokSepPipe

	// Keywords
	TokKeywordAnd
	TokKeywordOr
	TokKeywordNot
	TokKeywordOf

	// Statements
	TokStAll
	TokStAny
)

// String documents human readable textual value of token
// For visual debugging, so symbols will be written out and everything is uppercased
func (t Token) String() string {
	switch t {
	case TokIdentifier:
		return "IDENT"
	case TokIdentifierWithWildcard:
		return "WILDCARDIDENT"
	case TokIdentifierAll:
		return "THEM"
	case TokNumber:
		return "NUMBER"
	case TokSepLpar:
		return "LPAR"
	case TokSepRpar:
		return "RPAR"
	case TokSepPipe:
		return "PIPE"
	case TokKeywordAnd:
		return "AND"
	case TokKeywordOr:
		return "OR"
	case TokKeywordNot:
		return "NOT"
	case TokKeywordOf:
		return "OF"
	case TokStAll:
		return "ALL"
	case TokStAny:
		return "ANY"
	case TokLitEof:
		return "EOF"
	case TokErr:
		return "ERR"
	case TokUnsupp:
		return "UNSUPPORTED"
	case TokBegin:
		return "BEGINNING"
	case TokNil:
		return "NIL"
	default:
		return "Unk"
	}
}

// Literal documents plaintext values of a token
// Uses special symbols and expressions, as used in a rule
func (t Token) Literal() string {
	switch t {
	case TokIdentifierAll:
		return "them"
	case TokSepLpar:
		return "("
	case TokSepRpar:
		return ")"
	case TokSepPipe:
		return "|"
	case TokKeywordAnd:
		return "and"
	case TokKeywordOr:
		return "or"
	case TokKeywordNot:
		return "not"
	case TokKeywordOf:
		return "of"
	case TokStAll:
		return "all"
	case TokStAny:
		return "any"
	case TokLitEof, TokNil:
		return ""
	default:
		return "Err"
	}
}

// Rune returns UTF-8 numeric value of symbol
func (t Token) Rune() rune {
	switch t {
	case TokSepLpar:
		return '('
	case TokSepRpar:
		return ')'
	case TokSepPipe:
		return '|'
	default:
		return eof
	}
}

func (t Token) operand() bool {
	switch t {
	case TokIdentifier, TokIdentifierWithWildcard, TokIdentifierAll:
		return true
	}
	return false
}

func (t Token) quantifier() bool {
	switch t {
	case TokStAll, TokStAny, TokNumber:
		return true
	}
	return false
}

// validTokenSequence detects invalid token sequences
// not meant to be a perfect validator, simply a quick check before parsing
func validTokenSequence(t1, t2 Token) bool {
	switch t2 {
	case TokStAll, TokStAny, TokNumber, TokKeywordNot, TokSepLpar:
		switch t1 {
		case TokBegin, TokSepLpar, TokKeywordAnd, TokKeywordOr, TokKeywordNot:
			return true
		}
	case TokKeywordOf:
		return t1.quantifier()
	case TokIdentifier, TokIdentifierWithWildcard, TokIdentifierAll:
		switch t1 {
		case TokBegin, TokSepLpar, TokKeywordAnd, TokKeywordOr, TokKeywordNot, TokKeywordOf:
			return true
		}
	case TokKeywordAnd, TokKeywordOr, TokSepRpar, TokLitEof, TokSepPipe:
		return t1.operand() || t1 == TokSepRpar
	}
	return false
}
