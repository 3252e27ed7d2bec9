// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package waf implements the regex-based request inspection engine: a
// set of named pattern families checked in a fixed order against the
// URI, headers, and body of each request, reporting the first family
// that matches.
//
// The shape — a regex cache guarded by a RWMutex, family/rule structs
// with severity and category, running stats — is the closest sibling
// to a WAF engine among the ecosystem's own intrusion-signature
// matchers.
package waf

import (
	"regexp"
	"sync"
	"time"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
	"github.com/aegismesh/aegis/internal/logging"
)

// Result names the matched family, or NoMatch if none matched. It
// always corresponds to the first family that matched, in family
// registration order.
type Result string

const (
	NoMatch Result = "NoMatch"
	SQLInjection Result = "SqlInjection"
	XSS Result = "Xss"
	PathTraversal Result = "PathTraversal"
	CommandInjection Result = "CommandInjection"
)

// Rule is a single named regex signature within a family.
type Rule struct {
	Name string
	Pattern string

	compiled *regexp.Regexp
}

// Family groups an ordered set of rules under one Result. Families are
// checked in registration order; the first family with any matching rule
// wins.
type Family struct {
	Result Result
	Rules []Rule
}

// Stats mirrors PatternStats in shape: running counters plus a last-match
// timestamp, useful for /metrics exposition.
type Stats struct {
	RequestsInspected uint64
	Matches map[Result]uint64
	LastMatch time.Time
}

// Engine is the WAF pattern matcher for one node. Safe for concurrent use.
type Engine struct {
	mu sync.RWMutex
	families []Family
	logger *logging.Logger

	statsMu sync.Mutex
	stats Stats
}

// New returns an Engine with no families loaded; call LoadDefaults or Add
// to populate it.
func New(logger *logging.Logger) *Engine {
	return &Engine{
		logger: logger,
		stats: Stats{Matches: make(map[Result]uint64)},
	}
}

// defaultFamilies is the built-in signature set: SQL injection, XSS, path
// traversal, and command injection, in the order the short-circuit
// invariant evaluates them.
func defaultFamilies() []Family {
	return []Family{
		{
			Result: SQLInjection,
			Rules: []Rule{
				{Name: "SQL_INJECTION", Pattern: `(?i)(\bor\b\s+\d+\s*=\s*\d+|\bunion\b\s+\bselect\b|;\s*drop\s+table|--\s|/\*.*\*/|\bxp_cmdshell\b)`},
				{Name: "SQL_INJECTION_QUOTE", Pattern: `'(\s)*(or|and)(\s)*'?\d`},
			},
		},
		{
			Result: XSS,
			Rules: []Rule{
				{Name: "XSS_SCRIPT_TAG", Pattern: `(?i)<script[\s>]`},
				{Name: "XSS_EVENT_HANDLER", Pattern: `(?i)on(error|load|click|mouseover)\s*=`},
				{Name: "XSS_JAVASCRIPT_URI", Pattern: `(?i)javascript\s*:`},
			},
		},
		{
			Result: PathTraversal,
			Rules: []Rule{
				{Name: "PATH_TRAVERSAL_DOTDOT", Pattern: `(\.\./|\.\.\\)`},
				{Name: "PATH_TRAVERSAL_ENCODED", Pattern: `(?i)(%2e%2e%2f|%2e%2e/|\.\.%2f)`},
			},
		},
		{
			Result: CommandInjection,
			Rules: []Rule{
				{Name: "CMD_INJECTION_SEPARATOR", Pattern: "(;|\\||`|\\$\\s*(cat|ls|wget|curl|nc|bash|sh)\\b)"},
			},
		},
	}
}

// LoadDefaults compiles and installs the built-in signature set,
// replacing any families currently loaded.
func (e *Engine) LoadDefaults() error {
	return e.load(defaultFamilies())
}

func (e *Engine) load(families []Family) error {
	compiled := make([]Family, len(families))
	for i, fam := range families {
		rules := make([]Rule, len(fam.Rules))
		for j, r := range fam.Rules {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return aegiserrors.Wrapf(err, aegiserrors.KindWaf, "compile rule %s", r.Name)
			}
			r.compiled = re
			rules[j] = r
		}
		compiled[i] = Family{Result: fam.Result, Rules: rules}
	}

	e.mu.Lock()
	e.families = compiled
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.Info("waf: loaded families", "count", len(compiled))
	}
	return nil
}

// AddCustomRule appends a single custom rule to family's rule list,
// compiling it immediately; the family is created on first use. This
// backs the node's management-endpoint "add custom pattern" operation.
func (e *Engine) AddCustomRule(result Result, r Rule) error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return aegiserrors.Wrapf(err, aegiserrors.KindWaf, "compile custom rule %s", r.Name)
	}
	r.compiled = re

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.families {
		if e.families[i].Result == result {
			e.families[i].Rules = append(e.families[i].Rules, r)
			return nil
		}
	}
	e.families = append(e.families, Family{Result: result, Rules: []Rule{r}})
	return nil
}

// RemoveRule deletes every rule whose pattern source matches pattern
// from every family, returning the number of rules removed. It is a
// no-op (returning 0) if pattern is not present.
func (e *Engine) RemoveRule(pattern string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for i := range e.families {
		kept := e.families[i].Rules[:0]
		for _, r := range e.families[i].Rules {
			if r.Pattern == pattern {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		e.families[i].Rules = kept
	}
	return removed
}

// Reload atomically swaps in a new family set under the write lock.
func (e *Engine) Reload(families []Family) error {
	return e.load(families)
}

// Inspect checks uri, each header value, and body against every family in
// order and returns the first match. Matching against all three subjects
// happens per-rule so a match in a header is reported the same way as a
// match in the URI.
func (e *Engine) Inspect(uri string, headers map[string]string, body string) (Result, string) {
	e.statsMu.Lock()
	e.stats.RequestsInspected++
	e.statsMu.Unlock()

	e.mu.RLock()
	families := e.families
	e.mu.RUnlock()

	subjects := make([]string, 0, 2+len(headers))
	subjects = append(subjects, uri, body)
	for _, v := range headers {
		subjects = append(subjects, v)
	}

	for _, fam := range families {
		for _, r := range fam.Rules {
			for _, subject := range subjects {
				if subject == "" {
					continue
				}
				if r.compiled.MatchString(subject) {
					e.recordMatch(fam.Result)
					return fam.Result, r.Name
				}
			}
		}
	}
	return NoMatch, ""
}

func (e *Engine) recordMatch(result Result) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Matches[result]++
	e.stats.LastMatch = time.Now()
}

// Stats returns a snapshot of the engine's running counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	snapshot := Stats{RequestsInspected: e.stats.RequestsInspected, LastMatch: e.stats.LastMatch, Matches: make(map[Result]uint64, len(e.stats.Matches))}
	for k, v := range e.stats.Matches {
		snapshot.Matches[k] = v
	}
	return snapshot
}
