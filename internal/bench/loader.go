// Package bench loads benchmark definitions from YAML files and expands
// them into work units, one per (test, agent) pair.
package bench

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/bhanudas/sf-agentbench/internal/domain"
)

// defaultTimeoutSeconds applies to tests that specify none
const defaultTimeoutSeconds = 300

type benchmarkFile struct {
	Name        string       `yaml:"name"`
	Version     string       `yaml:"version"`
	Description string       `yaml:"description"`
	QA          []qaTest     `yaml:"qa"`
	Coding      []codingTest `yaml:"coding"`
}

type qaTest struct {
	ID             string           `yaml:"id"`
	Name           string           `yaml:"name"`
	Domain         string           `yaml:"domain"`
	TimeoutSeconds int              `yaml:"timeout_seconds"`
	Questions      []map[string]any `yaml:"questions"`
}

type codingTest struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Tier           string   `yaml:"tier"`
	Categories     []string `yaml:"categories"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RequiresOrg    *bool    `yaml:"requires_scratch_org"`
	TaskPath       string   `yaml:"task_path"`
}

// Load parses a single benchmark YAML file
func Load(path string) (*domain.Benchmark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var bf benchmarkFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if bf.Name == "" {
		return nil, fmt.Errorf("parsing %s: benchmark name is required", filepath.Base(path))
	}
	if bf.Version == "" {
		bf.Version = "1.0.0"
	}

	b := &domain.Benchmark{
		ID:          uuid.NewString()[:12],
		Name:        bf.Name,
		Version:     bf.Version,
		Description: bf.Description,
		CreatedAt:   time.Now().UTC(),
	}

	for _, q := range bf.QA {
		timeout := q.TimeoutSeconds
		if timeout <= 0 {
			timeout = defaultTimeoutSeconds
		}
		b.Tests = append(b.Tests, domain.Test{
			ID:             orGenerated(q.ID),
			Type:           domain.TestQA,
			Name:           q.Name,
			TimeoutSeconds: timeout,
			Config: map[string]any{
				"domain":    q.Domain,
				"questions": q.Questions,
			},
		})
	}

	for _, c := range bf.Coding {
		timeout := c.TimeoutSeconds
		if timeout <= 0 {
			timeout = defaultTimeoutSeconds
		}
		requiresOrg := true
		if c.RequiresOrg != nil {
			requiresOrg = *c.RequiresOrg
		}
		tier := c.Tier
		if tier == "" {
			tier = "tier-1"
		}
		b.Tests = append(b.Tests, domain.Test{
			ID:             orGenerated(c.ID),
			Type:           domain.TestCoding,
			Name:           c.Name,
			TimeoutSeconds: timeout,
			RequiresOrg:    requiresOrg,
			Config: map[string]any{
				"tier":       tier,
				"categories": c.Categories,
				"task_path":  c.TaskPath,
			},
		})
	}

	return b, nil
}

// LoadDir parses every .yaml/.yml file in dir into one merged benchmark
func LoadDir(dir string) (*domain.Benchmark, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("no benchmark definitions in %s", dir)
	}

	merged := &domain.Benchmark{
		ID:        uuid.NewString()[:12],
		Name:      filepath.Base(dir),
		Version:   "1.0.0",
		CreatedAt: time.Now().UTC(),
	}
	for _, name := range names {
		b, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		merged.Tests = append(merged.Tests, b.Tests...)
	}
	return merged, nil
}

// WorkUnits expands a benchmark into one work unit per (test, agent) pair
func WorkUnits(b *domain.Benchmark, agents []domain.Agent) []*domain.WorkUnit {
	var units []*domain.WorkUnit
	for _, test := range b.Tests {
		for _, agent := range agents {
			units = append(units, domain.NewWorkUnit(test, agent))
		}
	}
	return units
}

func orGenerated(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()[:12]
}
