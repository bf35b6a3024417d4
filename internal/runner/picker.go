package runner

import (
	"math/rand"
)

// taskPicker selects tasks with probability proportional to their weight.
// Each user owns its picker, so no locking is required.
type taskPicker struct {
	tasks       []Task
	totalWeight int
	rnd         *rand.Rand
}

func newTaskPicker(tasks []Task, rnd *rand.Rand) *taskPicker {
	kept := make([]Task, 0, len(tasks))
	total := 0
	for _, t := range tasks {
		if t.Weight <= 0 || t.Run == nil {
			continue
		}
		kept = append(kept, t)
		total += t.Weight
	}
	return &taskPicker{tasks: kept, totalWeight: total, rnd: rnd}
}

func (p *taskPicker) pick() (Task, bool) {
	if p == nil || len(p.tasks) == 0 || p.totalWeight <= 0 {
		return Task{}, false
	}
	n := p.rnd.Intn(p.totalWeight)
	cumulative := 0
	for _, t := range p.tasks {
		cumulative += t.Weight
		if n < cumulative {
			return t, true
		}
	}
	return p.tasks[len(p.tasks)-1], true
}
