package sigma

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type lexer struct {
	input    string    // we'll store the string being parsed
	start    int       // the position we started scanning
	position int       // the current position of our scan
	width    int       // we'll be using runes which can be double byte
	items    chan Item // the channel we'll use to communicate between the lexer and the parser
}

// lex creates a lexer and starts scanning the provided input.
// Consumer must drain items until the channel is closed
func lex(input string) *lexer {
	l := &lexer{
		input: input,
		items: make(chan Item),
	}
	go l.scan()
	return l
}

// ignore resets the start position to the current scan position effectively
// ignoring any input.
func (l *lexer) ignore() {
	l.start = l.position
}

// next advances the lexer state to the next rune.
func (l *lexer) next() (r rune) {
	if l.position >= len(l.input) {
		l.width = 0
		return eof
	}

	r, l.width = utf8.DecodeRuneInString(l.todo())
	l.position += l.width
	return r
}

// backup allows us to step back one rune which is helpful when you've crossed
// a boundary from one state to another.
func (l *lexer) backup() {
	l.position -= l.width
}

// scan will step through the provided text and execute state functions as
// state changes are observed in the provided input.
func (l *lexer) scan() {
	for fn := lexCondition; fn != nil; {
		fn = fn(l)
	}
	close(l.items)
}

func (l *lexer) unsuppf(format string, args ...interface{}) stateFn {
	msg := fmt.Sprintf(format, args...)
	l.items <- Item{T: TokUnsupp, Val: msg, Pos: l.start}
	return nil
}

func (l *lexer) errorf(format string, args ...interface{}) stateFn {
	msg := fmt.Sprintf(format, args...)
	l.items <- Item{T: TokErr, Val: msg, Pos: l.start}
	return nil
}

// emit sends a item over the channel so the parser can collect and manage
// each segment.
func (l *lexer) emit(k Token) {
	l.items <- Item{T: k, Val: l.collected(), Pos: l.start}
	l.ignore() // reset our scanner now that we've dispatched a segment
}

func (l lexer) collected() string { return l.input[l.start:l.position] }
func (l lexer) todo() string      { return l.input[l.position:] }

// stateFn is a function that is specific to a state within the string.
type stateFn func(*lexer) stateFn

// lexCondition dispatches on the first rune of the next token
func lexCondition(l *lexer) stateFn {
	switch r := l.next(); {
	case r == eof:
		return lexEOF
	case unicode.IsSpace(r):
		return lexWhitespace
	case r == TokSepLpar.Rune():
		l.emit(TokSepLpar)
		return lexCondition
	case r == TokSepRpar.Rune():
		l.emit(TokSepRpar)
		return lexCondition
	case r == TokSepPipe.Rune():
		l.emit(TokSepPipe)
		return lexAggs
	case isIdentRune(r):
		return lexWord
	default:
		return l.errorf("unexpected character %q", r)
	}
}

const msgAggregationUnsupported = "aggregation expressions are not supported"

func lexAggs(l *lexer) stateFn {
	return l.unsuppf(msgAggregationUnsupported)
}

func lexEOF(l *lexer) stateFn {
	l.emit(TokLitEof)
	return nil
}

// lexWord accumulates an identifier or keyword
func lexWord(l *lexer) stateFn {
	for {
		if r := l.next(); !isIdentRune(r) {
			if r != eof {
				l.backup()
			}
			l.emit(checkKeyWord(l.collected()))
			return lexCondition
		}
	}
}

// lexWhitespace scans what is expected to be whitespace.
func lexWhitespace(l *lexer) stateFn {
	for {
		switch r := l.next(); {
		case r == eof:
			l.ignore()
			return lexEOF
		case !unicode.IsSpace(r):
			l.backup()
			l.ignore()
			return lexCondition
		}
	}
}

func isIdentRune(r rune) bool {
	if r == eof {
		return false
	}
	switch r {
	case '_', '-', '.', '*', '?':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isNumber(in string) bool {
	for _, r := range in {
		if r < '0' || r > '9' {
			return false
		}
	}
	return in != ""
}

func checkKeyWord(in string) Token {
	if len(in) == 0 {
		return TokNil
	}
	switch strings.ToLower(in) {
	case TokKeywordAnd.Literal():
		return TokKeywordAnd
	case TokKeywordOr.Literal():
		return TokKeywordOr
	case TokKeywordNot.Literal():
		return TokKeywordNot
	case TokKeywordOf.Literal():
		return TokKeywordOf
	case TokStAll.Literal():
		return TokStAll
	case TokStAny.Literal():
		return TokStAny
	case TokIdentifierAll.Literal():
		return TokIdentifierAll
	default:
		if isNumber(in) {
			return TokNumber
		}
		if strings.ContainsAny(in, "*?") {
			return TokIdentifierWithWildcard
		}
		return TokIdentifier
	}
}
