// Package workflow parses, validates, and executes DAGs of steps with
// dependency ordering, bounded concurrency, per-step retries, and resume
// after restart. The engine owns workflow records; step work runs through
// an injected StepRunner, which in production spawns agents via the
// registry.
package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// Definition is the YAML shape of a workflow.
type Definition struct {
	Name           string               `yaml:"name"`
	TeamID         string               `yaml:"team_id,omitempty"`
	OnError        models.OnErrorPolicy `yaml:"on_error,omitempty"`
	MaxConcurrency int                  `yaml:"max_concurrency,omitempty"`
	Timeout        time.Duration        `yaml:"timeout,omitempty"`
	Context        map[string]any       `yaml:"context,omitempty"`
	Steps          []models.Step        `yaml:"steps"`
}

// ParseDefinition decodes a YAML workflow definition. Defaults are not
// applied here; the engine fills them at Create.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	return &def, nil
}
