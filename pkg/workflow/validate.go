package workflow

import (
	"errors"
	"fmt"

	"github.com/hiveplane/hiveplane/pkg/models"
)

// DAG validation errors.
var (
	ErrNoName             = errors.New("workflow name is required")
	ErrDuplicateStep      = errors.New("duplicate step id")
	ErrSelfLoop           = errors.New("step depends on itself")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrCycle              = errors.New("dependency cycle")
	ErrInvalidConcurrency = errors.New("max concurrency must be >= 1")
)

// ValidateSteps rejects malformed DAGs: duplicate ids, self-loops, unknown
// dependencies, and cycles.
func ValidateSteps(steps []models.Step) error {
	byID := make(map[string]*models.Step, len(steps))
	for i := range steps {
		s := &steps[i]
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateStep, s.ID)
		}
		byID[s.ID] = s
	}
	for _, s := range byID {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("%w: %q", ErrSelfLoop, s.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on %q", ErrUnknownDependency, s.ID, dep)
			}
		}
	}
	return detectCycle(byID)
}

// detectCycle runs a colored DFS over the dependency edges.
func detectCycle(byID map[string]*models.Step) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // done
	)
	color := make(map[string]int, len(byID))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("%w: involving step %q", ErrCycle, id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
