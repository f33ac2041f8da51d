// Package pipeline defines the ordered steps a run goes through.
package pipeline

import "fmt"

// Kind selects how the orchestrator executes a step. The set is closed.
type Kind string

const (
	KindDetection Kind = "detection"
	KindAgent     Kind = "agent"
	KindCoding    Kind = "coding"
	KindSecurity  Kind = "security"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDetection, KindAgent, KindCoding, KindSecurity:
		return true
	}
	return false
}

// Agent roles, used to pick prompts and allowed tools.
const (
	RoleRequirements = "requirements"
	RolePlanning     = "planning"
	RoleTestWriter   = "test_writer"
	RoleCoder        = "coder"
	RoleSecurity     = "security"
	RoleReviewer     = "reviewer"
)

// Step names are persisted in run state and must stay stable.
const (
	StepDetect       = "detect"
	StepRequirements = "requirements"
	StepPlanning     = "planning"
	StepTestWriting  = "test_writing"
	StepCoding       = "coding"
	StepSecurity     = "security"
	StepReview       = "review"
)

type Step struct {
	Name            string
	Kind            Kind
	Agent           string
	CheckpointAfter bool
	// MandatoryCheckpoint keeps the checkpoint even when checkpoints are disabled.
	MandatoryCheckpoint bool
	Description         string
}

type Definition struct {
	Name  string
	Steps []Step
}

func Default() *Definition {
	return &Definition{
		Name: "tdd",
		Steps: []Step{
			{Name: StepDetect, Kind: KindDetection, Description: "Detect project language, framework and test runner"},
			{Name: StepRequirements, Kind: KindAgent, Agent: RoleRequirements, CheckpointAfter: true, Description: "Turn the task into structured requirements"},
			{Name: StepPlanning, Kind: KindAgent, Agent: RolePlanning, Description: "Plan the implementation"},
			{Name: StepTestWriting, Kind: KindAgent, Agent: RoleTestWriter, CheckpointAfter: true, Description: "Write failing tests first"},
			{Name: StepCoding, Kind: KindCoding, Agent: RoleCoder, Description: "Implement until the tests pass"},
			{Name: StepSecurity, Kind: KindSecurity, Agent: RoleSecurity, CheckpointAfter: true, MandatoryCheckpoint: true, Description: "Audit the change for security issues"},
			{Name: StepReview, Kind: KindAgent, Agent: RoleReviewer, CheckpointAfter: true, Description: "Review the change"},
		},
	}
}

// Index returns the position of the named step, or -1.
func (d *Definition) Index(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func (d *Definition) Step(name string) (Step, bool) {
	if i := d.Index(name); i >= 0 {
		return d.Steps[i], true
	}
	return Step{}, false
}

func (d *Definition) Names() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}

// WithoutCheckpoints returns a copy whose only checkpoints are mandatory ones.
func (d *Definition) WithoutCheckpoints() *Definition {
	out := &Definition{Name: d.Name, Steps: make([]Step, len(d.Steps))}
	for i, s := range d.Steps {
		s.CheckpointAfter = s.MandatoryCheckpoint
		out.Steps[i] = s
	}
	return out
}

func Validate(d *Definition) error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("pipeline %q has no steps", d.Name)
	}
	seen := make(map[string]bool)
	coding := false
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step %q", s.Name)
		}
		seen[s.Name] = true
		if !s.Kind.Valid() {
			return fmt.Errorf("step %q has unknown kind %q", s.Name, s.Kind)
		}
		if s.Kind != KindDetection && s.Agent == "" {
			return fmt.Errorf("step %q needs an agent role", s.Name)
		}
		if s.Kind == KindDetection && i != 0 {
			return fmt.Errorf("detection step %q must come first", s.Name)
		}
		if s.Kind == KindCoding {
			coding = true
		}
		if s.Kind == KindSecurity && !coding {
			return fmt.Errorf("security step %q must follow a coding step", s.Name)
		}
		if s.MandatoryCheckpoint && !s.CheckpointAfter {
			return fmt.Errorf("step %q has a mandatory checkpoint that is switched off", s.Name)
		}
	}
	return nil
}
