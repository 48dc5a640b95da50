package sigma

// Selector implements selection sigma rule type
// Returns field value and whether the field was present in the event
type Selector interface {
	// Select implements Selector
	Select(string) (interface{}, bool)
}

// Event is an alias for Selector, kept for readability in matcher signatures
type Event = Selector

// Matcher is implemented by compiled rules that can be applied on events
type Matcher interface {
	// Match implements Matcher
	Match(Event) bool
}

// Resolver returns the verdict of a named detection for the event being evaluated
// Condition trees delegate every leaf to a Resolver
type Resolver interface {
	Resolve(name string) bool
}

// ResolverFunc is a function adapter for Resolver
type ResolverFunc func(name string) bool

// Resolve implements Resolver
func (f ResolverFunc) Resolve(name string) bool { return f(name) }
