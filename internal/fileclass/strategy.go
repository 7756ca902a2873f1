// internal/fileclass/strategy.go
package fileclass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"veracity/internal/diff"
)

// Input carries the three versions of one file being merged.
type Input struct {
	Path     string
	Ancestor []byte
	Baseline []byte
	Other    []byte
}

// Output is the result of a merge attempt. When Clean is false the caller
// records a Contents conflict; Content may still hold a best-effort result
// (with markers) for the working copy.
type Output struct {
	Content   []byte
	Clean     bool
	Conflicts int
	Strategy  string
}

// ContentMergeStrategy merges divergent file contents.
type ContentMergeStrategy interface {
	Name() string
	Merge(ctx context.Context, in Input) (Output, error)
}

const (
	StrategyMerge    = "merge"
	StrategySkip     = "skip"
	StrategyExternal = "external"
)

// AutoMerge is the built-in line-based three-way merge. Binary content is
// never merged.
type AutoMerge struct{}

func (AutoMerge) Name() string { return StrategyMerge }

func (AutoMerge) Merge(_ context.Context, in Input) (Output, error) {
	if diff.IsBinary(in.Ancestor) || diff.IsBinary(in.Baseline) || diff.IsBinary(in.Other) {
		return Output{Strategy: StrategyMerge}, nil
	}
	r := diff.Merge3(in.Ancestor, in.Baseline, in.Other)
	return Output{
		Content:   r.Content,
		Clean:     r.Clean,
		Conflicts: r.Conflicts,
		Strategy:  StrategyMerge,
	}, nil
}

// Skip never merges; every divergence becomes a conflict.
type Skip struct{}

func (Skip) Name() string { return StrategySkip }

func (Skip) Merge(context.Context, Input) (Output, error) {
	return Output{Strategy: StrategySkip}, nil
}

// External runs a resolve tool. Command is split on whitespace and the
// placeholders {ancestor} {baseline} {other} {result} are replaced with temp
// file paths. Exit status 0 means the tool produced a clean result.
type External struct {
	Command string
}

func (e External) Name() string { return StrategyExternal }

func (e External) Merge(ctx context.Context, in Input) (Output, error) {
	args := strings.Fields(e.Command)
	if len(args) == 0 {
		return Output{}, fmt.Errorf("external merge tool has no command")
	}

	dir, err := os.MkdirTemp("", "vv-merge-")
	if err != nil {
		return Output{}, fmt.Errorf("creating merge directory: %w", err)
	}
	defer os.RemoveAll(dir)

	base := filepath.Base(in.Path)
	files := map[string]string{
		"{ancestor}": filepath.Join(dir, "ancestor-"+base),
		"{baseline}": filepath.Join(dir, "baseline-"+base),
		"{other}":    filepath.Join(dir, "other-"+base),
		"{result}":   filepath.Join(dir, "result-"+base),
	}
	inputs := map[string][]byte{
		"{ancestor}": in.Ancestor,
		"{baseline}": in.Baseline,
		"{other}":    in.Other,
		"{result}":   in.Baseline,
	}
	for key, p := range files {
		if err := os.WriteFile(p, inputs[key], 0644); err != nil {
			return Output{}, fmt.Errorf("writing %s: %w", key, err)
		}
	}

	for i, arg := range args {
		for key, p := range files {
			arg = strings.ReplaceAll(arg, key, p)
		}
		args[i] = arg
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Output{Strategy: StrategyExternal}, nil
		}
		return Output{}, fmt.Errorf("running %s: %w", args[0], err)
	}

	result, err := os.ReadFile(files["{result}"])
	if err != nil {
		return Output{}, fmt.Errorf("reading merge result: %w", err)
	}
	return Output{Content: result, Clean: true, Strategy: StrategyExternal}, nil
}
