// Package rules provides the CEL-Go based screening rule engine.
// Screening rules attach advisory flags to classified roster entries;
// they never change the tier, which is set by the policy thresholds.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opencivic/speedguard/internal/domain"
)

// Engine is the CEL-based screening rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.FlagRule
	Program cel.Program
}

// NewEngine creates a new screening rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment over the classified-entity variables.
	env, err := cel.NewEnv(
		cel.Variable("entity_key", cel.StringType),
		cel.Variable("entity_kind", cel.StringType),
		cel.Variable("total_points", cel.IntType),
		cel.Variable("violation_count", cel.IntType),
		cel.Variable("severe_count", cel.IntType),
		cel.Variable("night_fraction", cel.DoubleType),
		cel.Variable("jurisdiction_count", cel.IntType),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("super_speeder", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.FlagRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.FlagRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.FlagRule) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.FlagRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// Input is one classified entity as seen by the rules.
type Input struct {
	Aggregate    domain.EntityAggregate
	Tier         domain.Tier
	RiskScore    float64
	SuperSpeeder bool
}

// Evaluate runs all loaded rules against one classified entity and
// returns the flags for rules that matched. Rules run in parallel,
// bounded by the worker limit. A rule that errors at runtime is skipped
// rather than flagged: advisory output must not carry false matches.
func (e *Engine) Evaluate(ctx context.Context, in Input) []domain.Flag {
	e.mu.RLock()
	ruleList := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		ruleList = append(ruleList, rule)
	}
	e.mu.RUnlock()

	if len(ruleList) == 0 {
		return nil
	}

	activation := map[string]any{
		"entity_key":         in.Aggregate.EntityKey,
		"entity_kind":        string(in.Aggregate.EntityKind),
		"total_points":       int64(in.Aggregate.Total),
		"violation_count":    int64(in.Aggregate.ViolationCount),
		"severe_count":       int64(in.Aggregate.SevereCount),
		"night_fraction":     in.Aggregate.NightFraction(),
		"jurisdiction_count": int64(len(in.Aggregate.Jurisdictions)),
		"risk_score":         in.RiskScore,
		"tier":               string(in.Tier),
		"super_speeder":      in.SuperSpeeder,
	}

	matched := make([]bool, len(ruleList))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range ruleList {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			out, _, err := r.Program.Eval(activation)
			if err != nil {
				return
			}
			if b, ok := out.(types.Bool); ok && bool(b) {
				matched[idx] = true
			}
		}(i, rule)
	}

	wg.Wait()

	var flags []domain.Flag
	for i, rule := range ruleList {
		if matched[i] {
			flags = append(flags, domain.Flag{
				RuleID:   rule.Config.ID,
				Name:     rule.Config.Name,
				Severity: rule.Config.Severity,
			})
		}
	}
	return flags
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.FlagRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.FlagRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		out = append(out, compiled.Config)
	}
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.FlagRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
