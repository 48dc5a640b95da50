package sigma

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gobwas/glob"
)

type parser struct {
	// lexer that tokenizes input string
	lex *lexer

	tokens []Item
	// memorize last token to validate proper sequence
	// for example, two identifiers have to be joined via logical AND or OR, otherwise the sequence is invalid
	previous Item
	// cursor into tokens during recursive descent
	pos int

	// detection names snapshot, sorted
	names []string
	index map[string]bool

	// for debug
	condition string
}

// ParseCondition tokenizes a condition string and parses it into an expression tree
// Identifiers and wildcard groups are resolved against names during parsing
// names is copied, the caller may reuse the slice
func ParseCondition(condition string, names []string) (*Condition, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	index := make(map[string]bool, len(sorted))
	for _, name := range sorted {
		index[name] = true
	}
	p := &parser{
		lex:       lex(condition),
		tokens:    make([]Item, 0),
		previous:  Item{T: TokBegin},
		names:     sorted,
		index:     index,
		condition: condition,
	}
	root, err := p.run()
	if err != nil {
		return nil, err
	}
	return &Condition{Raw: condition, Root: root}, nil
}

func (p *parser) run() (Expr, error) {
	// Pass 1: collect tokens, do basic sequence validation
	if err := p.collect(); err != nil {
		return nil, err
	}
	// Pass 2: recursive descent, resolving identifiers along the way
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.T != TokLitEof {
		return nil, p.errorf(tok.Pos, "unexpected %s", tok)
	}
	return root, nil
}

func (p *parser) errorf(pos int, format string, args ...interface{}) ErrCondition {
	return ErrCondition{
		Condition: p.condition,
		Position:  pos,
		Msg:       fmt.Sprintf(format, args...),
	}
}

// collect gathers all items from lexer and does preliminary sequence validation
// lexer channel is always drained, so scanning goroutine can exit
func (p *parser) collect() error {
	var (
		err   error
		depth int
	)
	for item := range p.lex.items {
		if err != nil {
			continue
		}
		switch {
		case item.T == TokErr:
			err = p.errorf(item.Pos, "%s", item.Val)
		case item.T == TokUnsupp:
			err = p.errorf(item.Pos, "%s", item.Val)
		case item.T == TokLitEof && p.previous.T == TokBegin:
			err = p.errorf(-1, "empty condition")
		case item.T == TokSepRpar && depth == 0:
			err = p.errorf(item.Pos, "unbalanced parentheses, unexpected %s", item)
		case item.T == TokLitEof && depth > 0:
			err = p.errorf(item.Pos, "unbalanced parentheses, missing %s", TokSepRpar.Literal())
		case !validTokenSequence(p.previous.T, item.T):
			err = p.sequenceError(item)
		}
		switch item.T {
		case TokSepLpar:
			depth++
		case TokSepRpar:
			depth--
		}
		p.tokens = append(p.tokens, item)
		p.previous = item
	}
	if err != nil {
		return err
	}
	if p.previous.T != TokLitEof {
		return p.errorf(len(p.condition), "incomplete condition")
	}
	return nil
}

func (p *parser) sequenceError(item Item) ErrCondition {
	prev := p.previous
	switch {
	case item.T == TokLitEof:
		return p.errorf(prev.Pos, "dangling %s at end of condition", prev)
	case item.T == TokSepRpar && prev.T == TokSepLpar:
		return p.errorf(item.Pos, "empty parentheses")
	case prev.T == TokBegin:
		return p.errorf(item.Pos, "condition cannot start with %s", item)
	default:
		return p.errorf(item.Pos, "unexpected %s after %s", item, prev)
	}
}

func (p *parser) peek() Item {
	if p.pos >= len(p.tokens) {
		return Item{T: TokLitEof, Pos: len(p.condition)}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() Item {
	item := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return item
}

// parseOr handles the lowest precedence level, left associative
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().T == TokKeywordOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &NodeOr{L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().T == TokKeywordAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &NodeAnd{L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.peek().T == TokKeywordNot {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NodeNot{B: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	item := p.next()
	switch item.T {
	case TokSepLpar:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.T != TokSepRpar {
			return nil, p.errorf(closing.Pos, "unbalanced parentheses, expected %s", TokSepRpar.Literal())
		}
		return inner, nil
	case TokIdentifier:
		if !p.index[item.Val] {
			return nil, p.errorf(item.Pos, "unknown detection %s", item.Val)
		}
		return &NodeRef{Name: item.Val}, nil
	case TokIdentifierWithWildcard, TokIdentifierAll:
		g, err := p.resolveGroup(item)
		if err != nil {
			return nil, err
		}
		return &g, nil
	case TokStAll, TokStAny, TokNumber:
		return p.parseQuantified(item)
	case TokLitEof:
		return nil, p.errorf(item.Pos, "unexpected end of condition")
	default:
		return nil, p.errorf(item.Pos, "unexpected %s", item)
	}
}

func (p *parser) parseQuantified(item Item) (Expr, error) {
	if of := p.next(); of.T != TokKeywordOf {
		return nil, p.errorf(of.Pos, "expected %s after %s", TokKeywordOf.Literal(), item.Val)
	}
	target := p.next()
	var group NodeGroup
	switch target.T {
	case TokIdentifier:
		// quantifier over a single exact name is a group of one
		if !p.index[target.Val] {
			return nil, p.errorf(target.Pos, "unknown detection %s", target.Val)
		}
		group = NodeGroup{Pattern: target.Val, Names: []string{target.Val}}
	case TokIdentifierWithWildcard, TokIdentifierAll:
		g, err := p.resolveGroup(target)
		if err != nil {
			return nil, err
		}
		group = g
	default:
		return nil, p.errorf(target.Pos, "expected detection group after %s of, got %s", item.Val, target)
	}

	q := Quantifier{Kind: QuantAny}
	switch item.T {
	case TokStAll:
		q.Kind = QuantAll
	case TokNumber:
		n, err := strconv.Atoi(item.Val)
		if err != nil || n < 1 || n > len(group.Names) {
			return nil, p.errorf(
				item.Pos,
				"quantifier count must satisfy 1 <= N <= %d for %s, got %s",
				len(group.Names), group.Pattern, item.Val,
			)
		}
		if n > 1 {
			q = Quantifier{Kind: QuantAtLeast, N: n}
		}
	}
	return &NodeQuantified{Quantifier: q, Group: group}, nil
}

// resolveGroup expands a wildcard identifier or `them` against detection names
func (p *parser) resolveGroup(item Item) (NodeGroup, error) {
	if item.T == TokIdentifierAll {
		if len(p.names) == 0 {
			return NodeGroup{}, p.errorf(item.Pos, "%s resolves to no detections", item.Val)
		}
		return NodeGroup{Pattern: TokIdentifierAll.Literal(), Names: append([]string(nil), p.names...)}, nil
	}
	g, err := glob.Compile(item.Val)
	if err != nil {
		return NodeGroup{}, p.errorf(item.Pos, "invalid wildcard %s: %s", item.Val, err)
	}
	names := make([]string, 0)
	for _, name := range p.names {
		if g.Match(name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return NodeGroup{}, p.errorf(item.Pos, "%s resolves to no detections", item.Val)
	}
	return NodeGroup{Pattern: item.Val, Names: names}, nil
}
