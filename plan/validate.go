package plan

import (
	"fmt"
	"sort"
)

// Validate checks ids, references, error routes, guards, retry policies
// and acyclicity. All problems are reported together.
func (p *Plan) Validate() error {
	var problems []string

	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.ID == "" {
		add("plan id is required")
	}

	if len(p.Tasks) == 0 {
		add("plan has no tasks")
	}

	seen := make(map[string]bool, len(p.Tasks))

	for i, t := range p.Tasks {
		switch {
		case t.ID == "":
			add("task %d: id is required", i)
		case seen[t.ID]:
			add("task %s: duplicate id", t.ID)
		}

		seen[t.ID] = true

		if t.CapabilityRef == "" {
			add("task %s: capabilityRef is required", t.ID)
		}

		if rp := t.RetryPolicy; rp != nil {
			if rp.MaxAttempts < 0 {
				add("task %s: maxAttempts must not be negative", t.ID)
			}

			for _, b := range rp.BackoffSeconds {
				if b < 0 {
					add("task %s: backoff must not be negative", t.ID)
					break
				}
			}
		}
	}

	for i, e := range p.Edges {
		if !seen[e.From] {
			add("edge %d: unknown source %q", i, e.From)
		}

		if !seen[e.To] {
			add("edge %d: unknown target %q", i, e.To)
		}

		if e.From == e.To && e.From != "" {
			add("edge %d: self loop on %q", i, e.From)
		}

		switch e.OnError {
		case "", OnErrorFatal, OnErrorCompensation, OnErrorAny:
		default:
			add("edge %d: unknown onError %q", i, e.OnError)
		}

		if e.Guard != "" {
			if _, err := compileGuard(e.Guard); err != nil {
				add("edge %d: %v", i, err)
			}
		}
	}

	if len(problems) == 0 {
		if _, err := p.Order(); err != nil {
			add("%v", err)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{PlanID: p.ID, Problems: problems}
	}

	return nil
}

// Order returns the task ids in dependency order. Ties are broken by
// position in Tasks, so the order is deterministic.
func (p *Plan) Order() ([]string, error) {
	pos := make(map[string]int, len(p.Tasks))
	for i, t := range p.Tasks {
		pos[t.ID] = i
	}

	indeg := make(map[string]int, len(p.Tasks))
	next := make(map[string][]string, len(p.Tasks))

	for _, e := range p.Edges {
		if _, ok := pos[e.From]; !ok {
			continue
		}

		if _, ok := pos[e.To]; !ok {
			continue
		}

		indeg[e.To]++
		next[e.From] = append(next[e.From], e.To)
	}

	var ready []string

	for _, t := range p.Tasks {
		if indeg[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}

	order := make([]string, 0, len(p.Tasks))

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, to := range next[id] {
			indeg[to]--
			if indeg[to] == 0 {
				ready = append(ready, to)
			}
		}

		sort.SliceStable(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
	}

	if len(order) != len(p.Tasks) {
		return nil, ErrCycle
	}

	return order, nil
}
