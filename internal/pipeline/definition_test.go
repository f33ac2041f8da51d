package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPipeline(t *testing.T) {
	d := Default()
	require.NoError(t, Validate(d))
	assert.Equal(t, []string{"detect", "requirements", "planning", "test_writing", "coding", "security", "review"}, d.Names())

	var checkpoints []string
	for _, s := range d.Steps {
		if s.CheckpointAfter {
			checkpoints = append(checkpoints, s.Name)
		}
	}
	assert.Equal(t, []string{"requirements", "test_writing", "security", "review"}, checkpoints)

	assert.Equal(t, 4, d.Index(StepCoding))
	assert.Equal(t, -1, d.Index("deploy"))
	s, ok := d.Step(StepSecurity)
	require.True(t, ok)
	assert.Equal(t, KindSecurity, s.Kind)
}

func TestWithoutCheckpointsKeepsMandatory(t *testing.T) {
	d := Default().WithoutCheckpoints()
	require.NoError(t, Validate(d))
	for _, s := range d.Steps {
		assert.Equal(t, s.Name == StepSecurity, s.CheckpointAfter, s.Name)
	}
	assert.True(t, Default().Steps[1].CheckpointAfter, "original is not modified")
}

func TestValidateRejectsBrokenDefinitions(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
	}{
		{"empty", nil},
		{"duplicate", []Step{{Name: "a", Kind: KindAgent, Agent: "x"}, {Name: "a", Kind: KindAgent, Agent: "x"}}},
		{"unknown kind", []Step{{Name: "a", Kind: "magic", Agent: "x"}}},
		{"agent without role", []Step{{Name: "a", Kind: KindAgent}}},
		{"late detection", []Step{{Name: "a", Kind: KindAgent, Agent: "x"}, {Name: "d", Kind: KindDetection}}},
		{"security before coding", []Step{{Name: "s", Kind: KindSecurity, Agent: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Validate(&Definition{Name: "t", Steps: tt.steps}))
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	doc := `
name: strict
checkpoints:
  planning: true
  review: false
descriptions:
  coding: Implement in small commits
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", d.Name)
	planning, _ := d.Step(StepPlanning)
	review, _ := d.Step(StepReview)
	coding, _ := d.Step(StepCoding)
	assert.True(t, planning.CheckpointAfter)
	assert.False(t, review.CheckpointAfter)
	assert.Equal(t, "Implement in small commits", coding.Description)
}

func TestParseRejectsBadOverrides(t *testing.T) {
	_, err := Parse([]byte("checkpoints:\n  deploy: true\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("checkpoints:\n  security: false\n"))
	assert.Error(t, err, "the security checkpoint cannot be disabled")
	_, err = Parse([]byte(":::"))
	assert.Error(t, err)
	_, err = Parse([]byte("- coding\n- review\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("checkpoint:\n  review: false\n"))
	assert.ErrorContains(t, err, "checkpoint")
}

func TestParseEmptyKeepsDefault(t *testing.T) {
	d, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Names(), d.Names())
}
