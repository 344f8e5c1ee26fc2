package logger

import (
	"sync"

	"github.com/gobwas/glob"
)

type ruleAction int

const (
	actionInclude ruleAction = iota
	actionExclude
)

type rule struct {
	pattern string
	g       glob.Glob
	action  ruleAction
}

// ruleSet holds the ordered include/exclude rules and a memoized
// per-"file:func" decision cache. Most-recently-added matching rule wins;
// the cache is invalidated on any Add/Clear.
type ruleSet struct {
	mu    sync.Mutex
	rules []rule // append-only; most recent is rules[len-1]
	cache map[string]decision
}

type decision struct {
	matched bool
	include bool
}

func newRuleSet() *ruleSet {
	return &ruleSet{cache: make(map[string]decision)}
}

func (rs *ruleSet) add(pattern string, action ruleAction) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, rule{pattern: pattern, g: g, action: action})
	rs.cache = make(map[string]decision)
	return nil
}

func (rs *ruleSet) clear() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = nil
	rs.cache = make(map[string]decision)
}

// evaluate returns (matched, include) for key "file:func", walking rules
// most-recent-first and caching the result.
func (rs *ruleSet) evaluate(key string) (matched, include bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if d, ok := rs.cache[key]; ok {
		return d.matched, d.include
	}

	for i := len(rs.rules) - 1; i >= 0; i-- {
		r := rs.rules[i]
		if r.g.Match(key) {
			d := decision{matched: true, include: r.action == actionInclude}
			rs.cache[key] = d
			return d.matched, d.include
		}
	}
	rs.cache[key] = decision{matched: false}
	return false, false
}
