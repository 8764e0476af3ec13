package config

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cordum/evaluator/core/infra/schema"
)

var runnerSchema = sync.OnceValues(func() (*schema.Schema, error) {
	raw, err := configSchemaFS.ReadFile(runnerSchemaFile)
	if err != nil {
		return nil, err
	}
	return schema.Compile("runner.schema.json", raw)
})

// validateRunner decodes YAML runner config into a generic tree and checks
// it against the embedded schema.
func validateRunner(data []byte) error {
	s, err := runnerSchema()
	if err != nil {
		return fmt.Errorf("load runner schema: %w", err)
	}
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parse runner config: %w", err)
	}
	if tree == nil {
		return nil
	}
	if err := s.Validate(tree); err != nil {
		return fmt.Errorf("validate runner config: %w", err)
	}
	return nil
}
