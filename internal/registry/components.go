package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gobwas/glob"
)

type componentRule struct {
	name     string
	patterns []string
	globs    []glob.Glob
}

// Classifier maps paths to component names by glob pattern. Rules are
// tried in name order and the first match wins.
type Classifier struct {
	rules []componentRule
}

// NewClassifier compiles the component patterns. '/' is the separator, so
// "*" stays within one directory and "**" crosses directories.
func NewClassifier(components map[string][]string) (*Classifier, error) {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	c := &Classifier{}
	for _, name := range names {
		rule := componentRule{name: name, patterns: components[name]}
		for _, pattern := range components[name] {
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				return nil, fmt.Errorf("component %q: compile %q: %w", name, pattern, err)
			}
			rule.globs = append(rule.globs, g)
		}
		c.rules = append(c.rules, rule)
	}
	return c, nil
}

// Classify returns the component for a canonical path, or "".
func (c *Classifier) Classify(path string) string {
	for _, rule := range c.rules {
		for _, g := range rule.globs {
			if g.Match(path) {
				return rule.name
			}
		}
	}
	return ""
}

// syncComponents replaces the components table with the configured rules.
func (r *Registry) syncComponents(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync components: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM components`); err != nil {
		return fmt.Errorf("sync components: %w", err)
	}
	for _, rule := range r.classifier.rules {
		patterns, err := json.Marshal(rule.patterns)
		if err != nil {
			return fmt.Errorf("sync components: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO components (name, patterns) VALUES (?, ?)`,
			rule.name, string(patterns),
		); err != nil {
			return fmt.Errorf("sync components: %w", err)
		}
	}
	return tx.Commit()
}

// Components lists the configured components with their live file counts.
func (r *Registry) Components(ctx context.Context) ([]Component, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.name, c.patterns,
		       (SELECT COUNT(*) FROM files f WHERE f.component = c.name AND f.deleted = 0)
		FROM components c
		ORDER BY c.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query components: %w", err)
	}
	defer rows.Close()

	var out []Component
	for rows.Next() {
		var c Component
		var patterns string
		if err := rows.Scan(&c.Name, &patterns, &c.Files); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		if err := json.Unmarshal([]byte(patterns), &c.Patterns); err != nil {
			return nil, fmt.Errorf("decode component %q: %w", c.Name, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
