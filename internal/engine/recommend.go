package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/patterns"
)

// RuleEngine turns findings into operator recommendations from a yaml rule pack.
type RuleEngine struct {
	path   string
	rules  atomic.Pointer[[]Rule]
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match anything.
type RuleMatch struct {
	Kinds            []string `yaml:"kinds"`
	MinSeverity      string   `yaml:"min_severity"`
	EndpointContains []string `yaml:"endpoint_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from path. An empty path returns a nil engine; a
// missing file yields an engine with no rules that Reload can fill later.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &RuleEngine{path: path, logger: logger}
	rules, err := loadRules(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logger.Info("rule pack not found, starting without rules", slog.String("path", path))
		rules = nil
	}
	e.rules.Store(&rules)
	return e, nil
}

// Path returns the rule pack location.
func (e *RuleEngine) Path() string {
	if e == nil {
		return ""
	}
	return e.path
}

// Rules returns the active rule set.
func (e *RuleEngine) Rules() []Rule {
	if e == nil {
		return nil
	}
	if p := e.rules.Load(); p != nil {
		return *p
	}
	return nil
}

// Reload re-reads the rule pack. On failure the previous rules stay active.
func (e *RuleEngine) Reload() error {
	if e == nil {
		return nil
	}
	rules, err := loadRules(e.path)
	if err != nil {
		return err
	}
	e.rules.Store(&rules)
	e.logger.Info("rule pack reloaded", slog.String("path", e.path), slog.Int("rules", len(rules)))
	return nil
}

func loadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rule pack %s: %w", path, err)
	}
	for i, r := range cfg.Rules {
		if r.Match.MinSeverity == "" {
			continue
		}
		if _, ok := models.ParseSeverity(strings.ToLower(r.Match.MinSeverity)); !ok {
			return nil, fmt.Errorf("rule %d (%s): unknown min_severity %q", i, r.ID, r.Match.MinSeverity)
		}
	}
	return cfg.Rules, nil
}

// Recommend returns the recommendations of every rule matched by at least one
// finding, in rule order without duplicates.
func (e *RuleEngine) Recommend(findings []models.Finding) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.Rules() {
		for _, f := range findings {
			if rule.Match.matches(f) {
				matched = appendUnique(matched, rule.Recommendations...)
				break
			}
		}
	}
	return matched
}

func (m RuleMatch) matches(f models.Finding) bool {
	if len(m.Kinds) > 0 && !kindMatches(m.Kinds, f.Kind) {
		return false
	}
	if m.MinSeverity != "" {
		floor, _ := models.ParseSeverity(strings.ToLower(m.MinSeverity))
		if f.Severity.Rank() < floor.Rank() {
			return false
		}
	}
	if len(m.EndpointContains) > 0 && !endpointContains(m.EndpointContains, patterns.FindingEndpoint(f)) {
		return false
	}
	return true
}

func kindMatches(kinds []string, kind models.Kind) bool {
	for _, k := range kinds {
		if strings.EqualFold(k, string(kind)) {
			return true
		}
	}
	return false
}

func endpointContains(keywords []string, endpoint string) bool {
	endpoint = strings.ToLower(endpoint)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(endpoint, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
