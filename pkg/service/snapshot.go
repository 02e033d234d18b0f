package service

import (
	"sort"

	"github.com/ignatij/crewflow/pkg/models"
)

// BuildSnapshot projects a crew with its agents and tasks into the
// configuration handed to the worker. Agents and tasks keep their
// configured order. A crew without agents or tasks, or with a task owned
// by an agent outside the crew, cannot be executed.
func BuildSnapshot(crew models.Crew) (models.Snapshot, error) {
	if len(crew.Agents) == 0 {
		return models.Snapshot{}, runErrorf(ConfigErrorKind, nil, "crew %s has no agents", crew.Name)
	}
	if len(crew.Tasks) == 0 {
		return models.Snapshot{}, runErrorf(ConfigErrorKind, nil, "crew %s has no tasks", crew.Name)
	}

	agents := append([]models.Agent(nil), crew.Agents...)
	sort.SliceStable(agents, func(i, j int) bool { return agents[i].Order < agents[j].Order })
	tasks := append([]models.Task(nil), crew.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })

	processType := crew.ProcessType
	if processType == "" {
		processType = models.SequentialProcessType
	}
	snapshot := models.Snapshot{
		ID:          crew.ID,
		Name:        crew.Name,
		ProcessType: processType,
		Agents:      make([]models.SnapshotAgent, 0, len(agents)),
		Tasks:       make([]models.SnapshotTask, 0, len(tasks)),
	}

	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.ID] = true
		snapshot.Agents = append(snapshot.Agents, models.SnapshotAgent{
			ID:              a.ID,
			Name:            a.Name,
			Role:            a.Role,
			Goal:            a.Goal,
			Backstory:       a.Backstory,
			AllowDelegation: a.AllowDelegation,
			Verbose:         a.Verbose,
			MaxIterations:   a.MaxIterations,
			Tools:           listOrEmpty(a.Tools),
			LLMConfig:       mapOrEmpty(a.LLMConfig),
		})
	}
	for _, t := range tasks {
		if t.AgentID != nil && !known[*t.AgentID] {
			return models.Snapshot{}, runErrorf(ConfigErrorKind, nil, "task %s is assigned to unknown agent %s", t.Name, *t.AgentID)
		}
		snapshot.Tasks = append(snapshot.Tasks, models.SnapshotTask{
			ID:             t.ID,
			Name:           t.Name,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			AgentID:        t.AgentID,
			Context:        listOrEmpty(t.Context),
			Dependencies:   listOrEmpty(t.Dependencies),
		})
	}
	return snapshot, nil
}

func listOrEmpty(l models.JSONList) models.JSONList {
	if l == nil {
		return models.JSONList{}
	}
	return l.Clone()
}

func mapOrEmpty(m models.JSONMap) models.JSONMap {
	if m == nil {
		return models.JSONMap{}
	}
	return m.Clone()
}
