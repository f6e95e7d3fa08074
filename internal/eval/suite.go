package eval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Suite is a named set of test cases loaded from a YAML or JSON file.
type Suite struct {
	Name          string     `yaml:"name" json:"name"`
	PassThreshold float64    `yaml:"pass_threshold,omitempty" json:"pass_threshold,omitempty"`
	Cases         []TestCase `yaml:"cases" json:"cases"`
}

// LoadSuite reads a suite file. JSON is accepted as YAML.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite: %w", err)
	}
	s, err := ParseSuite(data)
	if err != nil {
		return nil, fmt.Errorf("suite %s: %w", path, err)
	}
	return s, nil
}

// ParseSuite decodes and validates a suite. Cases without an ID are numbered
// case_1, case_2, ... by position.
func ParseSuite(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse suite: %w", err)
	}
	if len(s.Cases) == 0 {
		return nil, ErrNoTestCases
	}
	if s.PassThreshold < 0 || s.PassThreshold > 1 {
		return nil, fmt.Errorf("pass_threshold %.2f out of range [0,1]", s.PassThreshold)
	}

	seen := make(map[string]bool, len(s.Cases))
	for i := range s.Cases {
		tc := &s.Cases[i]
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("case_%d", i+1)
		}
		if seen[tc.ID] {
			return nil, fmt.Errorf("duplicate case id %q", tc.ID)
		}
		seen[tc.ID] = true
		if err := tc.Validate(); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
