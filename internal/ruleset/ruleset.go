// Package ruleset loads automation rules and sequence templates from YAML (or
// JSON) files and imports them into a tenant.
package ruleset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"fieldflow/internal/models"
	"fieldflow/internal/rules"
)

// File is the on-disk layout of a rule file.
type File struct {
	Tenant    string                           `yaml:"tenant" json:"tenant"`
	Rules     []Rule                           `yaml:"rules" json:"rules"`
	Sequences map[string][]models.SequenceStep `yaml:"sequences" json:"sequences"`
}

// Rule is a rule definition whose Active flag defaults to true.
type Rule struct {
	Name        string                 `yaml:"name" json:"name"`
	Active      *bool                  `yaml:"active" json:"active"`
	TestMode    bool                   `yaml:"test_mode" json:"test_mode"`
	Trigger     models.Trigger         `yaml:"trigger" json:"trigger"`
	Actions     []models.RuleAction    `yaml:"actions" json:"actions"`
	Constraints models.RuleConstraints `yaml:"constraints" json:"constraints"`
}

// Definition converts the entry into a rules.Definition.
func (r Rule) Definition() rules.Definition {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return rules.Definition{
		Name:        r.Name,
		Active:      &active,
		TestMode:    r.TestMode,
		Trigger:     r.Trigger,
		Actions:     r.Actions,
		Constraints: r.Constraints,
	}
}

// Parse decodes YAML or JSON rule file content.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("parse rule file: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return File{}, fmt.Errorf("rules[%d]: name is required", i)
		}
		if seen[name] {
			return File{}, fmt.Errorf("rules[%d]: duplicate rule name %q", i, name)
		}
		seen[name] = true
	}
	return f, nil
}

// Load reads and parses the file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data)
}

// Template returns the steps of the named sequence template.
func (f File) Template(name string) ([]models.SequenceStep, bool) {
	steps, ok := f.Sequences[name]
	if !ok {
		return nil, false
	}
	out := make([]models.SequenceStep, len(steps))
	copy(out, steps)
	return out, true
}

// RuleManager is the subset of rules.Service the importer drives.
type RuleManager interface {
	ListRules(ctx context.Context, tenant string, includeInactive bool) ([]models.AutomationRule, error)
	CreateRule(ctx context.Context, tenant string, def rules.Definition) (models.AutomationRule, error)
	UpdateRule(ctx context.Context, tenant, id string, def rules.Definition) (models.AutomationRule, error)
}

// Report summarizes an import.
type Report struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// Import upserts every rule of f into tenant, matching existing rules by name.
// A rule whose definition is unchanged keeps its current version. An empty
// tenant falls back to f.Tenant.
func Import(ctx context.Context, mgr RuleManager, tenant string, f File, logger kitlog.Logger) (Report, error) {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	if tenant == "" {
		tenant = f.Tenant
	}
	if tenant == "" {
		return Report{}, fmt.Errorf("import rules: tenant is required")
	}
	existing, err := mgr.ListRules(ctx, tenant, true)
	if err != nil {
		return Report{}, fmt.Errorf("list rules: %w", err)
	}
	byName := make(map[string]models.AutomationRule, len(existing))
	for _, r := range existing {
		byName[r.Name] = r
	}

	var rep Report
	for _, entry := range f.Rules {
		def := entry.Definition()
		def.Name = strings.TrimSpace(def.Name)
		cur, ok := byName[def.Name]
		switch {
		case !ok:
			created, err := mgr.CreateRule(ctx, tenant, def)
			if err != nil {
				return rep, fmt.Errorf("create rule %q: %w", def.Name, err)
			}
			rep.Created = append(rep.Created, created.VersionKey())
		case sameDefinition(cur, def):
			rep.Unchanged = append(rep.Unchanged, cur.VersionKey())
		default:
			updated, err := mgr.UpdateRule(ctx, tenant, cur.ID, def)
			if err != nil {
				return rep, fmt.Errorf("update rule %q: %w", def.Name, err)
			}
			rep.Updated = append(rep.Updated, updated.VersionKey())
		}
	}
	level.Info(logger).Log("msg", "rules imported", "tenant", tenant,
		"created", len(rep.Created), "updated", len(rep.Updated), "unchanged", len(rep.Unchanged))
	return rep, nil
}

// sameDefinition compares through JSON so YAML ints and stored float64 values match.
func sameDefinition(cur models.AutomationRule, def rules.Definition) bool {
	active := cur.Active
	stored := rules.Definition{
		Name:        cur.Name,
		Active:      &active,
		TestMode:    cur.TestMode,
		Trigger:     cur.Trigger,
		Actions:     cur.Actions,
		Constraints: cur.Constraints,
	}
	a, errA := canonical(stored)
	b, errB := canonical(def)
	return errA == nil && errB == nil && a == b
}

func canonical(def rules.Definition) (string, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(generic)
	return string(out), err
}
