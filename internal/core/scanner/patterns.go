package scanner

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern is one named, compiled expression.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// PatternSet is a name-sorted list of patterns.
type PatternSet []Pattern

// Compile builds a PatternSet from name -> expression.
func Compile(exprs map[string]string) (PatternSet, error) {
	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	set := make(PatternSet, 0, len(names))
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidPattern)
		}
		re, err := regexp.Compile(exprs[name])
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, name, err)
		}
		set = append(set, Pattern{Name: name, Re: re})
	}
	return set, nil
}

// Merge returns a set holding the patterns of both; b wins on name clashes.
func Merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// DefaultSetName is the name of the built-in pattern set.
const DefaultSetName = "default"

// DefaultPatterns returns the built-in "default" set.
func DefaultPatterns() map[string]string {
	return map[string]string{
		"email":      `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
		"url":        `https?://[^\s<>"']+`,
		"iso_date":   `\b\d{4}-\d{2}-\d{2}\b`,
		"amount":     `[$€£]\s?\d{1,3}(?:,\d{3})*(?:\.\d{2})?`,
		"percentage": `-?\d+(?:\.\d+)?%`,
	}
}
