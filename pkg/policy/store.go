package policy

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// Store owns the versioned rule snapshot. Mutations build a new sorted
// slice and swap it atomically, so a concurrent evaluator always sees a
// complete, consistent rule list.
type Store struct {
	mu     sync.Mutex // serializes writers only
	snap   atomic.Pointer[snapshot]
	celEnv *cel.Env
}

type snapshot struct {
	rules   []*Rule
	version uint64
}

// NewStore creates a Store with the given initial rules.
func NewStore(rules ...*Rule) (*Store, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}

	s := &Store{celEnv: env}
	s.snap.Store(&snapshot{rules: []*Rule{}})
	if err := s.Replace(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// Rules returns the current snapshot's rules in evaluation order. Callers
// must treat the slice as read-only.
func (s *Store) Rules() []*Rule {
	return s.snap.Load().rules
}

// Version returns the snapshot version, incremented on every mutation.
func (s *Store) Version() uint64 {
	return s.snap.Load().version
}

// Add validates, compiles and inserts a rule, swapping a new snapshot.
func (s *Store) Add(r *Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if err := s.compileGuard(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := make([]*Rule, 0, len(cur.rules)+1)
	for _, existing := range cur.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		next = append(next, existing)
	}
	next = append(next, r)
	sortRules(next)

	s.snap.Store(&snapshot{rules: next, version: cur.version + 1})
	return nil
}

// Remove deletes a rule by id, swapping a new snapshot.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := make([]*Rule, 0, len(cur.rules))
	found := false
	for _, r := range cur.rules {
		if r.ID == id {
			found = true
			continue
		}
		next = append(next, r)
	}
	if !found {
		return ErrRuleNotFound
	}

	s.snap.Store(&snapshot{rules: next, version: cur.version + 1})
	return nil
}

// Replace swaps the entire rule set in one atomic step.
func (s *Store) Replace(rules []*Rule) error {
	next := make([]*Rule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if err := ValidateRule(r); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = struct{}{}
		if err := s.compileGuard(r); err != nil {
			return err
		}
		next = append(next, r)
	}
	sortRules(next)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	s.snap.Store(&snapshot{rules: next, version: cur.version + 1})
	return nil
}

func (s *Store) compileGuard(r *Rule) error {
	if r.GuardSrc == "" {
		return nil
	}
	ast, issues := s.celEnv.Compile(r.GuardSrc)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("%w: rule %s guard compilation failed: %v", ErrInvalidRule, r.ID, issues.Err())
	}
	prg, err := s.celEnv.Program(ast)
	if err != nil {
		return fmt.Errorf("%w: rule %s guard program construction failed: %v", ErrInvalidRule, r.ID, err)
	}
	r.guard = prg
	return nil
}

// sortRules orders ascending by priority, ties broken by id for
// deterministic evaluation.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
