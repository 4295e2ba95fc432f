package pipeline

import (
	"errors"
	"fmt"

	"agent-orchestrator/backend/pkg/models"
)

// Catalog is the fixed, ordered list of stages. Algorithms iterate it and
// never assume a stage count.
type Catalog struct {
	stages []models.Stage
	index  map[string]int
}

// NewCatalog validates stages and builds a catalog.
func NewCatalog(stages []models.Stage) (*Catalog, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: empty stage catalog")
	}
	c := &Catalog{stages: make([]models.Stage, len(stages)), index: make(map[string]int, len(stages))}
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline: stage %d has no name", i)
		}
		if _, dup := c.index[s.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage %q", s.Name)
		}
		if s.Channel == "" {
			s.Channel = models.DeliverableChannel(s.Name)
		}
		c.stages[i] = s
		c.index[s.Name] = i
	}
	return c, nil
}

// MustCatalog is NewCatalog for static catalogs; it panics on error.
func MustCatalog(stages []models.Stage) *Catalog {
	c, err := NewCatalog(stages)
	if err != nil {
		panic(err)
	}
	return c
}

// Len is the number of stages, N. A workflow at stage N is done.
func (c *Catalog) Len() int { return len(c.stages) }

// Stage returns the stage at index i.
func (c *Catalog) Stage(i int) (models.Stage, bool) {
	if i < 0 || i >= len(c.stages) {
		return models.Stage{}, false
	}
	return c.stages[i], true
}

// Name returns the name of stage i, or "" past the end.
func (c *Catalog) Name(i int) string {
	s, _ := c.Stage(i)
	return s.Name
}

// Index returns the position of the named stage.
func (c *Catalog) Index(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// Stages returns a copy of the catalog.
func (c *Catalog) Stages() []models.Stage {
	out := make([]models.Stage, len(c.stages))
	copy(out, c.stages)
	return out
}
