// Package plan loads the decomposed task list a session starts from.
//
// A plan is a YAML, JSON or TOML document:
//
//	summary: Add rate limiting
//	tasks:
//	  - id: task-1-middleware
//	    title: Add limiter middleware
//	    description: ...
//	    files: [internal/http/limit.go]
//	  - id: task-2-config
//	    title: Wire limiter config
//	    depends_on: [task-1-middleware]
//
// In TOML the tasks are an array of tables ([[tasks]]). YAML and JSON also
// accept a bare list of tasks. "subject" and "blocked_by" are
// accepted as synonyms of "title" and "depends_on".
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/taskqueue"
)

// Format is the encoding of a plan document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// Task is one entry of a plan.
type Task struct {
	ID            string   `json:"id" yaml:"id" toml:"id"`
	Title         string   `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	Subject       string   `json:"subject,omitempty" yaml:"subject,omitempty" toml:"subject,omitempty"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Files         []string `json:"files,omitempty" yaml:"files,omitempty" toml:"files,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" toml:"depends_on,omitempty"`
	BlockedBy     []string `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty" toml:"blocked_by,omitempty"`
	Priority      int      `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority,omitempty"`
	EstComplexity string   `json:"est_complexity,omitempty" yaml:"est_complexity,omitempty" toml:"est_complexity,omitempty"`
}

// Plan is a decomposed objective.
type Plan struct {
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty" toml:"summary,omitempty"`
	Tasks   []Task `json:"tasks" yaml:"tasks" toml:"tasks"`
}

var validComplexity = []string{"", "low", "medium", "high"}

// FormatForPath picks the format from a file extension. Anything other than
// .json or .toml is read as YAML.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// Load reads and parses the plan at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read plan %s", path)
	}
	p, err := Parse(data, FormatForPath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return p, nil
}

// Parse decodes and validates a plan document.
func Parse(data []byte, format Format) (*Plan, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.NewValidationError("plan is empty")
	}

	var p Plan
	var err error
	switch format {
	case FormatJSON:
		if data[0] == '[' {
			err = json.Unmarshal(data, &p.Tasks)
		} else {
			err = json.Unmarshal(data, &p)
		}
	case FormatTOML:
		_, err = toml.Decode(string(data), &p)
	default:
		err = decodeYAML(data, &p)
	}
	if err != nil {
		return nil, errors.NewValidationError("decode plan: " + err.Error())
	}

	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// decodeYAML accepts a mapping with a tasks key or a bare sequence.
func decodeYAML(data []byte, p *Plan) error {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	if len(node.Content) == 1 && node.Content[0].Kind == yaml.SequenceNode {
		return node.Content[0].Decode(&p.Tasks)
	}
	return node.Decode(p)
}

// normalize folds synonyms and fills default ids.
func (p *Plan) normalize() {
	for i := range p.Tasks {
		t := &p.Tasks[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
		}
		if t.Title == "" {
			t.Title = strings.TrimSpace(t.Subject)
		}
		t.Subject = ""
		for _, dep := range t.BlockedBy {
			if !slices.Contains(t.DependsOn, dep) {
				t.DependsOn = append(t.DependsOn, dep)
			}
		}
		t.BlockedBy = nil
		t.EstComplexity = strings.ToLower(strings.TrimSpace(t.EstComplexity))
	}
}

// Validate checks ids, titles and dependency references. Cycles are left to
// the task queue, which rejects them on creation.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return errors.NewValidationError("plan has no tasks").WithField("tasks")
	}
	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if seen[t.ID] {
			return errors.NewValidationError("duplicate task id").WithField("id").WithValue(t.ID)
		}
		seen[t.ID] = true
		if strings.TrimSpace(t.Title) == "" {
			return errors.NewValidationError("task has no title").WithField("title").WithValue(t.ID)
		}
		if !slices.Contains(validComplexity, t.EstComplexity) {
			return errors.NewValidationError("est_complexity must be low, medium or high").
				WithField("est_complexity").WithValue(t.EstComplexity)
		}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return errors.NewValidationError(fmt.Sprintf("task %s depends on unknown task", t.ID)).
					WithField("depends_on").WithValue(dep)
			}
		}
	}
	return nil
}

// NewTasks converts the plan into task queue input, preserving order. Files
// are appended to the description so the worker command sees them.
func (p *Plan) NewTasks() []taskqueue.NewTask {
	out := make([]taskqueue.NewTask, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		desc := t.Description
		if len(t.Files) > 0 {
			if desc != "" {
				desc += "\n\n"
			}
			desc += "Files: " + strings.Join(t.Files, ", ")
		}
		out = append(out, taskqueue.NewTask{
			ID:          t.ID,
			Subject:     t.Title,
			Description: desc,
			BlockedBy:   slices.Clone(t.DependsOn),
			Priority:    t.Priority,
		})
	}
	return out
}
