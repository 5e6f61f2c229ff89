package sync

import (
	"bufio"
	"os"
	"path"
	"strings"
)

// Filter decides whether a base-relative path belongs in the produced
// listing. Supplied by the embedding; AcceptAll is the default.
type Filter interface {
	Include(relPath string) bool
}

// AcceptAll admits every path.
type AcceptAll struct{}

func (AcceptAll) Include(string) bool { return true }

// RuleFilter applies include/exclude glob rules to relative paths.
// Exclusion wins; an empty include list admits everything not excluded.
// Patterns match against the whole relative path and against the final
// segment, so "*.tmp" excludes temp files at any depth.
type RuleFilter struct {
	includes []string
	excludes []string
}

// NewRuleFilter builds a filter from explicit rule lists.
func NewRuleFilter(includes, excludes []string) *RuleFilter {
	return &RuleFilter{includes: includes, excludes: excludes}
}

// LoadRules reads a rules file: one glob per line, '#' comments, blank
// lines skipped. Lines prefixed with '!' are include rules, the rest are
// excludes. A missing or unreadable file yields a filter that admits
// everything.
func LoadRules(rulesPath string) *RuleFilter {
	f := &RuleFilter{}

	fh, err := os.Open(rulesPath)
	if err != nil {
		return f
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "!"); ok {
			f.includes = append(f.includes, strings.TrimSpace(rest))
			continue
		}
		f.excludes = append(f.excludes, line)
	}

	return f
}

// Include reports whether relPath passes the rules.
func (f *RuleFilter) Include(relPath string) bool {
	if f == nil {
		return true
	}
	if matchesAny(f.excludes, relPath) {
		return false
	}
	if len(f.includes) == 0 {
		return true
	}
	return matchesAny(f.includes, relPath)
}

func matchesAny(patterns []string, relPath string) bool {
	base := path.Base(relPath)
	for _, p := range patterns {
		if matched, _ := path.Match(p, relPath); matched {
			return true
		}
		if matched, _ := path.Match(p, base); matched {
			return true
		}
	}
	return false
}
