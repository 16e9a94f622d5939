package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cordum/teamflow/core/workflow"
)

// WorkflowSeeds is the on-disk shape of a workflow seed file.
type WorkflowSeeds struct {
	Workflows []*workflow.Workflow `yaml:"workflows"`
}

// LoadWorkflowSeeds reads workflow definitions from a YAML file. An empty
// path yields no seeds.
func LoadWorkflowSeeds(path string) ([]*workflow.Workflow, error) {
	if path == "" {
		return nil, nil
	}
	// #nosec G304 -- seed path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow seeds: %w", err)
	}
	return ParseWorkflowSeeds(data)
}

// ParseWorkflowSeeds validates data against the seed schema and decodes it.
func ParseWorkflowSeeds(data []byte) ([]*workflow.Workflow, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if err := validateConfigSchema("workflow seeds", workflowsSchemaFile, data); err != nil {
		return nil, err
	}
	var seeds WorkflowSeeds
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parse workflow seeds: %w", err)
	}
	for i, wf := range seeds.Workflows {
		if wf == nil {
			return nil, fmt.Errorf("workflow seed %d is empty", i)
		}
	}
	return seeds.Workflows, nil
}
