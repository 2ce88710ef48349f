package packet

import (
	"fmt"
	"sort"

	"github.com/hupe1980/agentplan/internal/util"
)

// Builder accumulates packet content. It is not safe for concurrent use.
type Builder struct {
	sources       []string
	facts         map[string]any
	factOrder     []string
	dupFacts      []string
	assumptions   []string
	augmentations []Augmentation
	provenance    map[string]any
	parent        string
	baseVersion   int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{facts: map[string]any{}, provenance: map[string]any{}}
}

// Derive starts a builder seeded with the content of p. The built packet gets
// p.Version()+1 and records p as its parent.
func Derive(p *Packet) *Builder {
	b := NewBuilder()
	b.sources = p.Sources()

	for _, k := range p.FactKeys() {
		v, _ := p.Fact(k)
		b.facts[k] = v
		b.factOrder = append(b.factOrder, k)
	}

	b.assumptions = p.Assumptions()
	b.augmentations = p.Augmentations()
	b.provenance = p.Provenance()
	b.parent = p.ID()
	b.baseVersion = p.Version()

	return b
}

// AddSource records a source reference.
func (b *Builder) AddSource(src string) *Builder {
	b.sources = append(b.sources, src)
	return b
}

// AddFact records a fact. Keys must be unique; a repeated key fails Build.
func (b *Builder) AddFact(key string, value any) *Builder {
	if _, exists := b.facts[key]; exists {
		b.dupFacts = append(b.dupFacts, key)
		return b
	}

	b.facts[key] = value
	b.factOrder = append(b.factOrder, key)

	return b
}

// AddAssumption records an assumption.
func (b *Builder) AddAssumption(a string) *Builder {
	b.assumptions = append(b.assumptions, a)
	return b
}

// AddAugmentation records a promoted artifact.
func (b *Builder) AddAugmentation(typ string, artifact any) *Builder {
	b.augmentations = append(b.augmentations, Augmentation{Type: typ, Artifact: artifact})
	return b
}

// SetProvenance sets a provenance attribute. Provenance never affects the ID.
func (b *Builder) SetProvenance(key string, value any) *Builder {
	b.provenance[key] = value
	return b
}

// Build produces the immutable packet. The optional version overrides the
// default (1, or parent version + 1 for derived builders).
func (b *Builder) Build(version ...int) (*Packet, error) {
	if len(b.dupFacts) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateFact, b.dupFacts)
	}

	facts, err := util.NormalizeMap(b.facts)
	if err != nil {
		return nil, fmt.Errorf("normalize facts: %w", err)
	}

	augs, err := canonicalAugmentations(b.augmentations)
	if err != nil {
		return nil, err
	}

	prov, err := util.NormalizeMap(b.provenance)
	if err != nil {
		return nil, fmt.Errorf("normalize provenance: %w", err)
	}

	sources := sortedUnique(b.sources)
	assumptions := sortedUnique(b.assumptions)

	id, err := computeRef(sources, facts, assumptions, augs)
	if err != nil {
		return nil, err
	}

	v := b.baseVersion + 1
	if len(version) > 0 && version[0] > 0 {
		v = version[0]
	}

	return &Packet{
		id:            id,
		version:       v,
		parent:        b.parent,
		sources:       sources,
		facts:         facts,
		assumptions:   assumptions,
		augmentations: augs,
		provenance:    prov,
	}, nil
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))

	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	sort.Strings(out)

	return out
}

// canonicalAugmentations normalizes artifacts and orders augmentations by
// their canonical encoding so insertion order never changes the ID.
func canonicalAugmentations(in []Augmentation) ([]Augmentation, error) {
	type keyed struct {
		key string
		aug Augmentation
	}

	items := make([]keyed, 0, len(in))

	for _, a := range in {
		art, err := util.Normalize(a.Artifact)
		if err != nil {
			return nil, fmt.Errorf("normalize augmentation %q: %w", a.Type, err)
		}

		norm := Augmentation{Type: a.Type, Artifact: art}

		enc, err := util.CanonicalJSON(norm)
		if err != nil {
			return nil, err
		}

		items = append(items, keyed{key: string(enc), aug: norm})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].key < items[j].key })

	out := make([]Augmentation, len(items))
	for i, it := range items {
		out[i] = it.aug
	}

	return out, nil
}
