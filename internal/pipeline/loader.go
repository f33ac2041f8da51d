package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// overrides is the YAML shape of a pipeline file:
//
//	name: strict
//	checkpoints:
//	  planning: true
//	  review: false
//	descriptions:
//	  coding: Implement with small commits
type overrides struct {
	Name         string            `yaml:"name"`
	Checkpoints  map[string]bool   `yaml:"checkpoints"`
	Descriptions map[string]string `yaml:"descriptions"`
}

// Load applies the overrides in path to the default pipeline. Step order and
// kinds are fixed; only checkpoint placement and descriptions can change.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Definition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline YAML: %w", err)
	}
	var o overrides
	if len(root.Content) > 0 {
		if doc := root.Content[0]; doc.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("pipeline YAML must be a mapping (line %d)", doc.Line)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse pipeline YAML: %w", err)
		}
	}

	d := Default()
	if o.Name != "" {
		d.Name = o.Name
	}
	for name, on := range o.Checkpoints {
		i := d.Index(name)
		if i < 0 {
			return nil, fmt.Errorf("checkpoint override for unknown step %q", name)
		}
		d.Steps[i].CheckpointAfter = on
	}
	for name, desc := range o.Descriptions {
		i := d.Index(name)
		if i < 0 {
			return nil, fmt.Errorf("description override for unknown step %q", name)
		}
		d.Steps[i].Description = desc
	}

	if err := Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}
