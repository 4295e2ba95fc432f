package models

// Stage is one named unit of work in the ordered pipeline. Channel is the bus
// channel its deliverables are published on.
type Stage struct {
	Name    string `json:"name" mapstructure:"name"`
	Channel string `json:"channel" mapstructure:"channel"`
}

// Stage names of the default catalog.
const (
	StageResearch   = "research"
	StageCritique   = "critique"
	StageBackend    = "backend"
	StageFrontend   = "frontend"
	StageQA         = "qa"
	StageAnalytics  = "analytics"
	StageDeployment = "deployment"
)

// DeliverableChannel is the channel a stage's deliverables are published on.
func DeliverableChannel(stage string) string {
	return "deliverables." + stage
}

// DefaultStages returns the standard seven stage catalog.
func DefaultStages() []Stage {
	names := []string{
		StageResearch,
		StageCritique,
		StageBackend,
		StageFrontend,
		StageQA,
		StageAnalytics,
		StageDeployment,
	}
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = Stage{Name: n, Channel: DeliverableChannel(n)}
	}
	return stages
}
