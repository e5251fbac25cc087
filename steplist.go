package eolstation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepDescriptor is the immutable definition of one test step. Expected, LSL and
// USL are only set for measured families.
type StepDescriptor struct {
	Name      string `yaml:"name"`
	ID        string `yaml:"-"`
	Parameter string `yaml:"parameter,omitempty"`
	Expected  string `yaml:"expected,omitempty"`
	LSL       string `yaml:"lsl,omitempty"`
	USL       string `yaml:"usl,omitempty"`
}

type stepListFile struct {
	Steps []StepDescriptor `yaml:"steps"`
}

// stepID maps a display name to an executable id.
func stepID(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// LoadStepList reads the ordered step list for a family from dir/file.
func LoadStepList(dir, file string, fam *Family) ([]StepDescriptor, error) {
	p := filepath.Join(dir, file)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found", ErrStepListMissing, p)
	}
	if err != nil {
		return nil, fmt.Errorf("reading step list %s: %w", p, err)
	}

	var f stepListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing step list %s: %w", p, err)
	}

	steps := make([]StepDescriptor, 0, len(f.Steps))
	for _, s := range f.Steps {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			continue
		}
		s.ID = stepID(s.Name)
		if !fam.Measured {
			s.Expected, s.LSL, s.USL = "", "", ""
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %s has no steps", ErrStepListMissing, p)
	}
	return steps, nil
}
