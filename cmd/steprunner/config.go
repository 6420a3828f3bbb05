package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunConfig is the YAML shape a `steprunner run` invocation loads: the
// embedder-facing knobs (staging location, flush threshold,
// concurrency, schema validation) plus where to upload to.
type RunConfig struct {
	APIBaseURL             string `yaml:"apiBaseURL"`
	IntegrationInstanceID  string `yaml:"integrationInstanceId"`
	StagingRoot            string `yaml:"stagingRoot"`
	FlushThreshold         int    `yaml:"flushThreshold"`
	Concurrency            int    `yaml:"concurrency"`
	EnableSchemaValidation bool   `yaml:"enableSchemaValidation"`
	DisableLegacyReports   bool   `yaml:"disableLegacyReports"`
	UploadSource           string `yaml:"uploadSource"`
}

// LoadRunConfig reads and applies defaults to a RunConfig from path.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := &RunConfig{
		StagingRoot:  ".steprunner-staging",
		UploadSource: "integration-managed",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}
