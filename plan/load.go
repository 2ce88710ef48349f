package plan

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentplan/internal/util"
)

// Parse decodes a YAML (or JSON) plan and validates it. Task inputs are
// normalized to JSON value types.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	for i := range p.Tasks {
		if p.Tasks[i].Input == nil {
			continue
		}

		in, err := util.NormalizeMap(p.Tasks[i].Input)
		if err != nil {
			return nil, fmt.Errorf("task %s input: %w", p.Tasks[i].ID, err)
		}

		p.Tasks[i].Input = in
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Load reads a plan from r.
func Load(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// LoadFile reads a plan from path.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}
