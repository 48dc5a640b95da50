package sigma

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config is used as argument to creating a new ruleset
type Config struct {
	// root directory for recursive rule search
	// rules must be readable files with "yml" or "yaml" suffix
	Directory []string `validate:"required,min=1,dive,dir"`
	// optional yaml file with placeholder lists for expand modifier
	Placeholders string `validate:"omitempty,file"`
	// number of parallel rule compilers, runtime.NumCPU() if 0
	Workers int `validate:"gte=0"`
	// upper bound for single regular expression evaluation, library default if 0
	RegexTimeout time.Duration `validate:"gte=0"`
	// by default, a rule parse fail will simply increment Ruleset.Failed counter when failing to
	// parse yaml or rule AST
	// this parameter will cause an early error return instead
	FailOnRuleParse, FailOnYamlParse bool
	// collapse whitespace for both rules and data of non-regex rules
	CollapseWhitespace bool
}

func (c Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid ruleset config: %w", err)
	}
	return nil
}

func (c Config) registry(p Placeholders) *ModifierRegistry {
	opts := []RegistryOption{
		WithPlaceholders(p),
		WithWhitespaceCollapse(c.CollapseWhitespace),
	}
	if c.RegexTimeout > 0 {
		opts = append(opts, WithRegexTimeout(c.RegexTimeout))
	}
	return NewModifierRegistry(opts...)
}

// Ruleset is a collection of rules
type Ruleset struct {
	mu    *sync.RWMutex
	Rules []*Tree

	cfg          Config
	handles      []RuleHandle
	placeholders *placeholderHandle

	Total, Ok, Failed, Unsupported int
}

// NewRuleset instanciates a Ruleset object
func NewRuleset(c Config) (*Ruleset, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	files, err := NewRuleFileList(c.Directory)
	if err != nil {
		return nil, err
	}
	rs := &Ruleset{
		mu:    &sync.RWMutex{},
		cfg:   c,
		Total: len(files),
	}
	if c.Placeholders != "" {
		rs.placeholders = newPlaceholderHandle(c.Placeholders)
		if err := rs.placeholders.load(); err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return rs, nil
	}
	rules, err := NewRuleList(files, !c.FailOnYamlParse)
	if err != nil {
		var bulk ErrBulkParseYaml
		if !errors.As(err, &bulk) {
			return nil, err
		}
		for _, e := range bulk.Errs {
			logrus.WithFields(logrus.Fields{
				"path":  e.Path,
				"error": e.Err,
			}).Debug("broken rule yaml")
		}
		rs.Failed += len(bulk.Errs)
	}
	rs.handles = rules
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return rs, nil
}

// compile builds trees for all loaded rule handles in parallel and swaps them in
func (r *Ruleset) compile() error {
	var p Placeholders
	if r.placeholders != nil {
		p = r.placeholders.get()
	}
	reg := r.cfg.registry(p)

	trees := make([]*Tree, len(r.handles))
	errs := make([]error, len(r.handles))

	workers := r.cfg.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range r.handles {
		i := i
		g.Go(func() error {
			tree, err := NewTree(r.handles[i], reg)
			if err != nil {
				errs[i] = err
				if r.cfg.FailOnRuleParse {
					return fmt.Errorf("%s: %w", r.handles[i].Path, err)
				}
				return nil
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	set := make([]*Tree, 0, len(trees))
	var fail, unsupp int
	for i, tree := range trees {
		if tree != nil {
			if !tree.Rule.HasValidID() {
				logrus.WithFields(logrus.Fields{
					"path": tree.Rule.Path,
					"id":   tree.Rule.ID,
				}).Debug("rule id is not a uuid")
			}
			set = append(set, tree)
			continue
		}
		if IsUnsupported(errs[i]) {
			unsupp++
		} else {
			fail++
		}
		logrus.WithFields(logrus.Fields{
			"path":  r.handles[i].Path,
			"id":    r.handles[i].ID,
			"error": errs[i],
		}).Debug("skipping rule")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rules = set
	r.Ok = len(set)
	r.Unsupported = unsupp
	r.Failed = r.Total - len(r.handles) + fail
	return nil
}

// IsUnsupported reports errors caused by valid sigma features the engine does not implement
func IsUnsupported(err error) bool {
	var unsupp ErrUnsupportedRule
	if errors.As(err, &unsupp) {
		return true
	}
	var cond ErrCondition
	return errors.As(err, &cond) && cond.Msg == msgAggregationUnsupported
}

// ReloadPlaceholders rereads placeholder file and recompiles all rules
func (r *Ruleset) ReloadPlaceholders() error {
	if r.placeholders == nil {
		return errors.New("ruleset has no placeholder file")
	}
	if err := r.placeholders.load(); err != nil {
		return err
	}
	return r.compile()
}

// RunPlaceholderLoader reloads placeholders and recompiles rules every d until context is done
func (r *Ruleset) RunPlaceholderLoader(ctx context.Context, d time.Duration, errFn func(error)) error {
	if r.placeholders == nil {
		return errors.New("ruleset has no placeholder file")
	}
	return r.placeholders.runLoader(ctx, d, errFn, func(Placeholders) {
		if err := r.compile(); err != nil && errFn != nil {
			errFn(err)
		}
	})
}

// EvalAll matches event against every rule and returns metadata of all matching rules
func (r *Ruleset) EvalAll(e Event) (Results, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make(Results, 0)
	for _, rule := range r.Rules {
		if res, match := rule.Eval(e); match {
			results = append(results, *res)
		}
	}
	if len(results) > 0 {
		return results, true
	}
	return nil, false
}
