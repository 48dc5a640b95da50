package sigma

import (
	"fmt"
)

// ErrDetection indicates a structural problem in a detection definition
// For example, an empty match group or a field with an empty value list
type ErrDetection struct {
	Name string
	Msg  string
}

func (e ErrDetection) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("detection error: %s", e.Msg)
	}
	return fmt.Sprintf("detection %s: %s", e.Name, e.Msg)
}

// ErrCondition indicates a missing condition or a syntax / reference error inside a condition expression
// Position is the byte offset in Condition where the problem was found, -1 if not applicable
type ErrCondition struct {
	Condition string
	Position  int
	Msg       string
}

func (e ErrCondition) Error() string {
	if e.Position < 0 || e.Condition == "" {
		return fmt.Sprintf("condition error: %s", e.Msg)
	}
	return fmt.Sprintf("condition error at position %d in [%s]: %s", e.Position, e.Condition, e.Msg)
}

// ErrModifier indicates an unknown or incompatible field modifier
type ErrModifier struct {
	Field    string
	Modifier string
	Msg      string
}

func (e ErrModifier) Error() string {
	return fmt.Sprintf("field %s modifier %s: %s", e.Field, e.Modifier, e.Msg)
}

// ErrRegularExpression contextualizes broken regular expressions presented by the user
type ErrRegularExpression struct {
	Pattern string
	Err     error
}

// Error implements error
func (e ErrRegularExpression) Error() string {
	return fmt.Sprintf("/%s/ %s", e.Pattern, e.Err)
}

func (e ErrRegularExpression) Unwrap() error { return e.Err }

// ErrValue indicates that a value has an unsupported type or shape for its declared modifier
// or for the position it appears in
type ErrValue struct {
	Field string
	Value interface{}
	Msg   string
	Err   error
}

func (e ErrValue) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	if e.Field == "" {
		return fmt.Sprintf("value %+v: %s", e.Value, msg)
	}
	return fmt.Sprintf("field %s value %+v: %s", e.Field, e.Value, msg)
}

func (e ErrValue) Unwrap() error { return e.Err }

// ErrParseYaml indicates YAML parsing error
type ErrParseYaml struct {
	Path  string
	Err   error
	Count int
}

func (e ErrParseYaml) Error() string {
	return fmt.Sprintf("%d - File: %s; Err: %s", e.Count, e.Path, e.Err)
}

func (e ErrParseYaml) Unwrap() error { return e.Err }

// ErrBulkParseYaml is a bulk error handler for dealing with broken sigma rules
// Some rules are bound to fail, no reason to exit entire application
// Individual errors can be collected and returned at the end
// Caller decides if they should be only reported or it warrants full exit
type ErrBulkParseYaml struct {
	Errs []ErrParseYaml
}

func (e ErrBulkParseYaml) Error() string {
	return fmt.Sprintf("got %d broken yaml files", len(e.Errs))
}

// ErrUnsupportedRule marks a rule file that is valid yaml but uses a feature outside of what the engine handles,
// such as multi-document rule collections
type ErrUnsupportedRule struct {
	Path string
	Msg  string
}

func (e ErrUnsupportedRule) Error() string {
	return fmt.Sprintf("unsupported rule %s: %s", e.Path, e.Msg)
}
