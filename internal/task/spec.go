package task

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var ErrInvalidSpec = errors.New("invalid bundle definition")

// BundleSpec is the declarative form of a bundle. Solver parameters are shared by every task;
// Prepare holds the default preparation that each task may partially override.
type BundleSpec struct {
	Solver  SolverParams  `yaml:"solver"`
	Prepare PrepareParams `yaml:"prepare"`
	Tasks   []TaskSpec    `yaml:"tasks"`
}

type TaskSpec struct {
	DataProducts  []string             `yaml:"data_products"`
	InitialLabels []map[string]float64 `yaml:"initial_labels"`
	// Prepare overrides individual fields of the bundle's preparation.
	Prepare       yaml.Node            `yaml:"prepare"`
}

// ParseBundleSpec reads a bundle definition written in YAML or JSON. Missing parameters take
// their defaults.
func ParseBundleSpec(data []byte) (*BundleSpec, error) {
	spec := &BundleSpec{
		Solver:  DefaultSolverParams(),
		Prepare: DefaultPrepareParams(),
	}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *BundleSpec) Validate() error {
	if s.Solver.HeaderPath == "" {
		return fmt.Errorf("%w: solver.header_path is required", ErrInvalidSpec)
	}
	if len(s.Tasks) == 0 {
		return fmt.Errorf("%w: at least one task is required", ErrInvalidSpec)
	}
	for i, t := range s.Tasks {
		if len(t.DataProducts) == 0 {
			return fmt.Errorf("%w: task %d has no data products", ErrInvalidSpec, i)
		}
		if len(t.InitialLabels) > 0 && len(t.InitialLabels) != len(t.DataProducts) {
			return fmt.Errorf("%w: task %d has %d initial label sets for %d data products",
				ErrInvalidSpec, i, len(t.InitialLabels), len(t.DataProducts))
		}
	}
	return nil
}

// NewTasks creates one pending task per entry, in order.
func (s *BundleSpec) NewTasks() ([]*Task, error) {
	tasks := make([]*Task, 0, len(s.Tasks))
	for i, t := range s.Tasks {
		prepare := s.Prepare
		if !t.Prepare.IsZero() {
			if err := t.Prepare.Decode(&prepare); err != nil {
				return nil, fmt.Errorf("%w: task %d prepare: %w", ErrInvalidSpec, i, err)
			}
		}
		tasks = append(tasks, NewTask(t.DataProducts, t.InitialLabels, s.Solver, prepare))
	}
	return tasks, nil
}
