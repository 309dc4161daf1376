package build

import (
	"github.com/sofmeright/stagecraft/src/manifest"
)

// Plan is the resolved execution order for a build.
type Plan struct {
	Manifest *manifest.Manifest
	Stages   []*PlannedStage // execution order; the last one is the target
}

// PlannedStage is a stage with its resolved dependencies.
type PlannedStage struct {
	*manifest.Stage
	Deps     []string // stages copied from
	Position int      // declaration index
}

// Target returns the stage whose filesystem becomes the image.
func (p *Plan) Target() *PlannedStage {
	return p.Stages[len(p.Stages)-1]
}

// Names returns the stage names in execution order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// PinViolations reports the pin violations of the planned stages only.
// Repository pins always count since any install step may use them.
func (p *Plan) PinViolations() []string {
	sub := *p.Manifest
	sub.Stages = nil
	for _, ps := range p.Stages {
		sub.Stages = append(sub.Stages, *ps.Stage)
	}
	return sub.PinViolations()
}

// NewPlan orders the stages needed to build target ("" means the last declared
// stage). Stages run after every stage they copy from; among stages that are
// ready at the same time, declaration order wins. Unknown stages, undeclared
// artifacts and cycles are rejected.
func NewPlan(m *manifest.Manifest, target string) (*Plan, error) {
	if len(m.Stages) == 0 {
		return nil, &UnknownStage{Ref: target}
	}

	index := make(map[string]int, len(m.Stages))
	for i, s := range m.Stages {
		index[s.Name] = i
	}

	if target == "" {
		target = m.Stages[len(m.Stages)-1].Name
	}
	if _, ok := index[target]; !ok {
		return nil, &UnknownStage{Ref: target}
	}

	for i := range m.Stages {
		st := &m.Stages[i]
		for _, step := range st.Steps {
			c := step.Copy
			if c == nil || c.From == "" {
				continue
			}
			src, ok := index[c.From]
			if !ok {
				return nil, &UnknownStage{Stage: st.Name, Ref: c.From}
			}
			if c.From == st.Name {
				return nil, &CycleError{Stages: []string{st.Name, st.Name}}
			}
			if c.Artifact != "" {
				if _, ok := m.Stages[src].Outputs[c.Artifact]; !ok {
					return nil, &MissingArtifact{Stage: st.Name, From: c.From, Artifact: c.Artifact}
				}
			}
		}
	}

	// Restrict to the target and its transitive dependencies.
	needed := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		if needed[name] {
			return
		}
		needed[name] = true
		for _, dep := range m.Stages[index[name]].Dependencies() {
			visit(dep)
		}
	}
	visit(target)

	order, err := topoSort(m, needed)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Manifest: m}
	for _, name := range order {
		i := index[name]
		plan.Stages = append(plan.Stages, &PlannedStage{
			Stage:    &m.Stages[i],
			Deps:     m.Stages[i].Dependencies(),
			Position: i,
		})
	}
	return plan, nil
}

// topoSort is Kahn's algorithm choosing the earliest-declared ready stage at
// every step, so the order is deterministic and matches the manifest when the
// manifest is already ordered.
func topoSort(m *manifest.Manifest, needed map[string]bool) ([]string, error) {
	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, s := range m.Stages {
		if !needed[s.Name] {
			continue
		}
		inDegree[s.Name] += 0
		for _, dep := range s.Dependencies() {
			inDegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	done := map[string]bool{}
	var order []string
	for len(order) < len(inDegree) {
		next := ""
		for _, s := range m.Stages {
			if needed[s.Name] && !done[s.Name] && inDegree[s.Name] == 0 {
				next = s.Name
				break
			}
		}
		if next == "" {
			var cycle []string
			for _, s := range m.Stages {
				if needed[s.Name] && !done[s.Name] {
					cycle = append(cycle, s.Name)
				}
			}
			return nil, &CycleError{Stages: cycle}
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			inDegree[d]--
		}
	}
	return order, nil
}
