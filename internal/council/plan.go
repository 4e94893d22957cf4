package council

import (
	"ModuleCouncil/internal/module"
)

// Plan 是一次运行的依赖图调度状态，只在调度协程内使用。
type Plan struct {
	steps      map[string]module.Step
	order      []string
	pending    map[string]int
	dependents map[string][]string
	done       map[string]bool
}

// NewPlan 根据步骤列表构造依赖图。调用方需保证模块已通过 Validate。
func NewPlan(steps []module.Step) *Plan {
	p := &Plan{
		steps:      make(map[string]module.Step, len(steps)),
		order:      make([]string, 0, len(steps)),
		pending:    make(map[string]int, len(steps)),
		dependents: make(map[string][]string, len(steps)),
		done:       make(map[string]bool, len(steps)),
	}
	for _, s := range steps {
		p.steps[s.Name] = s
		p.order = append(p.order, s.Name)
		p.pending[s.Name] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			p.dependents[dep] = append(p.dependents[dep], s.Name)
		}
	}
	return p
}

// Ready 返回初始就绪的步骤，按声明顺序。
func (p *Plan) Ready() []module.Step {
	var out []module.Step
	for _, name := range p.order {
		if p.pending[name] == 0 {
			out = append(out, p.steps[name])
		}
	}
	return out
}

// Done 标记步骤完成并返回因此就绪的步骤。
func (p *Plan) Done(name string) []module.Step {
	if p.done[name] {
		return nil
	}
	p.done[name] = true
	var out []module.Step
	for _, next := range p.dependents[name] {
		p.pending[next]--
		if p.pending[next] == 0 {
			out = append(out, p.steps[next])
		}
	}
	return out
}

// Finished 判断全部步骤是否完成。
func (p *Plan) Finished() bool {
	return len(p.done) == len(p.order)
}

// Len 返回步骤数量。
func (p *Plan) Len() int { return len(p.order) }
