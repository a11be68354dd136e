package engagement

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the operator-authored engagement definition.
//
//	name: acme-external
//	objective: Identify exposed services on the DMZ
//	scope:
//	  targets: [203.0.113.0/28, acme.example]
//	  exclusions: [203.0.113.1]
//	  passive_only: false
type File struct {
	Name         string `yaml:"name"`
	Objective    string `yaml:"objective"`
	Scope        Scope  `yaml:"scope"`
	Phase        string `yaml:"phase"`
	HistoryLimit int    `yaml:"history_limit"`
}

// LoadFile reads an engagement definition and returns a new
// engagement ready to run. Environment variables are expanded the same
// way as in the main configuration.
func LoadFile(path string) (*Engagement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(f.Name) == "" {
		return nil, fmt.Errorf("%s: name is required", path)
	}

	e, err := New(f.Name, f.Objective, f.Scope)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Phase != "" {
		p, err := ParsePhase(f.Phase)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		e.Phase = p
	}
	if f.HistoryLimit > 0 {
		e.HistoryLimit = f.HistoryLimit
	}
	return e, nil
}
