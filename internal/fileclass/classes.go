// internal/fileclass/classes.go
package fileclass

import (
	"fmt"
	"path"

	"veracity/internal/config"

	"github.com/gobwas/glob"
)

// Class binds a set of path patterns to a merge strategy.
type Class struct {
	Name     string
	Patterns []string
	Strategy ContentMergeStrategy

	matchers []glob.Glob
}

// Classes maps paths to strategies. The first class with a matching pattern
// wins; unmatched paths use Default.
type Classes struct {
	classes []Class
	Default ContentMergeStrategy
}

// New compiles the configured file classes.
func New(fileClasses []config.FileClass, defaultStrategy string) (*Classes, error) {
	def, err := strategyFor(config.FileClass{Name: "default", Strategy: defaultStrategy})
	if err != nil {
		return nil, err
	}

	c := &Classes{Default: def}
	for _, fc := range fileClasses {
		s, err := strategyFor(fc)
		if err != nil {
			return nil, err
		}
		if err := c.Add(fc.Name, fc.Patterns, s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FromConfig builds the classes carried by cfg.
func FromConfig(cfg *config.Config) (*Classes, error) {
	return New(cfg.Merge.FileClasses, cfg.Merge.DefaultStrategy)
}

// Add appends a class after the existing ones.
func (c *Classes) Add(name string, patterns []string, s ContentMergeStrategy) error {
	class := Class{Name: name, Patterns: patterns, Strategy: s}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return fmt.Errorf("file class %q: invalid pattern %q: %w", name, p, err)
		}
		class.matchers = append(class.matchers, g)
	}
	c.classes = append(c.classes, class)
	return nil
}

// For returns the class name and strategy for a slash-separated repository
// path. Patterns match the full path or the base name.
func (c *Classes) For(p string) (string, ContentMergeStrategy) {
	base := path.Base(p)
	for _, class := range c.classes {
		for _, m := range class.matchers {
			if m.Match(p) || m.Match(base) {
				return class.Name, class.Strategy
			}
		}
	}
	if c.Default == nil {
		return "default", AutoMerge{}
	}
	return "default", c.Default
}

func strategyFor(fc config.FileClass) (ContentMergeStrategy, error) {
	switch fc.Strategy {
	case StrategyMerge, "":
		return AutoMerge{}, nil
	case StrategySkip:
		return Skip{}, nil
	case StrategyExternal:
		if fc.Command == "" {
			return nil, fmt.Errorf("file class %q: external strategy needs a command", fc.Name)
		}
		return External{Command: fc.Command}, nil
	}
	return nil, fmt.Errorf("file class %q: unknown strategy %q", fc.Name, fc.Strategy)
}
