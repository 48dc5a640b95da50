package sigma

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// Placeholders binds placeholder names to value lists for the expand modifier
// Keys may be written with or without enclosing percent signs
type Placeholders map[string][]string

// Lookup returns values for %name% or name
func (p Placeholders) Lookup(token string) ([]string, bool) {
	if p == nil {
		return nil, false
	}
	if val, ok := p[token]; ok {
		return val, true
	}
	name := strings.Trim(token, "%")
	if val, ok := p[name]; ok {
		return val, true
	}
	val, ok := p["%"+name+"%"]
	return val, ok
}

// LoadPlaceholders reads a yaml map of placeholder name to list of values
func LoadPlaceholders(path string) (Placeholders, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data := make(Placeholders)
	if err := yaml.NewDecoder(f).Decode(&data); err != nil {
		return nil, ErrParseYaml{Path: path, Err: err}
	}
	return data, nil
}

type placeholderHandle struct {
	sync.RWMutex
	data Placeholders
	path string
}

func (p *placeholderHandle) load() error {
	data, err := LoadPlaceholders(p.path)
	if err != nil {
		return err
	}
	p.RWMutex.Lock()
	defer p.RWMutex.Unlock()
	p.data = data
	return nil
}

func (p *placeholderHandle) get() Placeholders {
	p.RWMutex.RLock()
	defer p.RWMutex.RUnlock()
	return p.data
}

// runLoader periodically reloads placeholder file until context is cancelled
// onLoad is invoked after every successful load
func (p *placeholderHandle) runLoader(
	ctx context.Context,
	d time.Duration,
	errFn func(error),
	onLoad func(Placeholders),
) error {
	if d == 0 {
		return errors.New("placeholder reloader requires a tick interval")
	}
	go func(ctx context.Context) {
		tick := time.NewTicker(d)
		defer tick.Stop()
	loop:
		for {
			select {
			case <-tick.C:
				if err := p.load(); err != nil {
					if errFn != nil {
						errFn(err)
					}
					continue loop
				}
				if onLoad != nil {
					onLoad(p.get())
				}
			case <-ctx.Done():
				break loop
			}
		}
	}(ctx)
	return nil
}

func newPlaceholderHandle(confPath string) *placeholderHandle {
	return &placeholderHandle{
		RWMutex: sync.RWMutex{},
		data:    make(Placeholders),
		path:    confPath,
	}
}
