package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/crewflow/pkg/models"
	"github.com/pkg/errors"
)

type mockData struct {
	tenants    map[string]models.Tenant
	crews      map[string]models.Crew
	agents     map[string]models.Agent
	tasks      map[string]models.Task
	executions map[string]models.Execution
	logs       map[string][]models.ExecutionLog
	logSeq     int64
}

func newMockData() *mockData {
	return &mockData{
		tenants:    make(map[string]models.Tenant),
		crews:      make(map[string]models.Crew),
		agents:     make(map[string]models.Agent),
		tasks:      make(map[string]models.Task),
		executions: make(map[string]models.Execution),
		logs:       make(map[string][]models.ExecutionLog),
	}
}

func (d *mockData) clone() *mockData {
	c := newMockData()
	for k, v := range d.tenants {
		c.tenants[k] = v
	}
	for k, v := range d.crews {
		c.crews[k] = v
	}
	for k, v := range d.agents {
		c.agents[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for k, v := range d.executions {
		c.executions[k] = v
	}
	for k, v := range d.logs {
		c.logs[k] = append([]models.ExecutionLog(nil), v...)
	}
	c.logSeq = d.logSeq
	return c
}

// mockStore implements storage.Store with in-memory storage. A
// transaction holds the store lock until Commit or Rollback and works on a
// private copy of the data, so other writers wait rather than interleave.
type mockStore struct {
	mu   *sync.Mutex
	data **mockData
	tx   *mockData // non-nil inside a transaction
	done bool
}

func NewMockStore() Store {
	data := newMockData()
	return &mockStore{mu: &sync.Mutex{}, data: &data}
}

func (m *mockStore) with(fn func(d *mockData) error) error {
	if m.tx != nil {
		if m.done {
			return errors.New("transaction already finished")
		}
		return fn(m.tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(*m.data)
}

func (m *mockStore) Begin() (Store, error) {
	if m.tx != nil {
		return nil, errors.New("nested transactions are not supported")
	}
	m.mu.Lock()
	return &mockStore{mu: m.mu, data: m.data, tx: (*m.data).clone()}, nil
}

func (m *mockStore) Commit() error {
	if m.tx == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("already committed")
	}
	*m.data = m.tx
	m.done = true
	m.mu.Unlock()
	return nil
}

func (m *mockStore) Rollback() error {
	if m.tx == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("cannot rollback finished transaction")
	}
	m.done = true
	m.mu.Unlock()
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveTenant(t models.Tenant) error {
	return m.with(func(d *mockData) error {
		if _, ok := d.tenants[t.ID]; ok {
			return errors.New("tenant already exists")
		}
		d.tenants[t.ID] = t
		return nil
	})
}

func (m *mockStore) GetTenant(id string) (t models.Tenant, err error) {
	err = m.with(func(d *mockData) error {
		var ok bool
		if t, ok = d.tenants[id]; !ok {
			return ErrNotFound
		}
		return nil
	})
	return t, err
}

func (m *mockStore) IncrementTenantTokens(id string, delta int64) error {
	return m.with(func(d *mockData) error {
		t, ok := d.tenants[id]
		if !ok {
			return ErrNotFound
		}
		t.TokensUsedCurrent += delta
		t.UpdatedAt = time.Now()
		d.tenants[id] = t
		return nil
	})
}

func (m *mockStore) SaveCrew(c models.Crew) error {
	return m.with(func(d *mockData) error {
		if _, ok := d.crews[c.ID]; ok {
			return errors.New("crew already exists")
		}
		c.Agents, c.Tasks = nil, nil
		d.crews[c.ID] = c
		return nil
	})
}

func (m *mockStore) SaveAgent(a models.Agent) error {
	return m.with(func(d *mockData) error {
		if _, ok := d.crews[a.CrewID]; !ok {
			return errors.Wrapf(ErrNotFound, "crew %s", a.CrewID)
		}
		d.agents[a.ID] = a
		return nil
	})
}

func (m *mockStore) SaveTask(t models.Task) error {
	return m.with(func(d *mockData) error {
		if _, ok := d.crews[t.CrewID]; !ok {
			return errors.Wrapf(ErrNotFound, "crew %s", t.CrewID)
		}
		d.tasks[t.ID] = t
		return nil
	})
}

func (m *mockStore) GetCrew(id string) (c models.Crew, err error) {
	err = m.with(func(d *mockData) error {
		var ok bool
		if c, ok = d.crews[id]; !ok {
			return ErrNotFound
		}
		for _, a := range d.agents {
			if a.CrewID == id {
				c.Agents = append(c.Agents, a)
			}
		}
		for _, t := range d.tasks {
			if t.CrewID == id {
				c.Tasks = append(c.Tasks, t)
			}
		}
		sort.SliceStable(c.Agents, func(i, j int) bool {
			if c.Agents[i].Order != c.Agents[j].Order {
				return c.Agents[i].Order < c.Agents[j].Order
			}
			return c.Agents[i].CreatedAt.Before(c.Agents[j].CreatedAt)
		})
		sort.SliceStable(c.Tasks, func(i, j int) bool {
			if c.Tasks[i].Order != c.Tasks[j].Order {
				return c.Tasks[i].Order < c.Tasks[j].Order
			}
			return c.Tasks[i].CreatedAt.Before(c.Tasks[j].CreatedAt)
		})
		return nil
	})
	return c, err
}

func (m *mockStore) RecordCrewSuccess(id string, durationSeconds float64, at time.Time) error {
	return m.with(func(d *mockData) error {
		c, ok := d.crews[id]
		if !ok {
			return ErrNotFound
		}
		c.TotalExecutions++
		c.SuccessfulExecutions++
		c.AverageExecutionTime = (c.AverageExecutionTime*float64(c.TotalExecutions-1) + durationSeconds) / float64(c.TotalExecutions)
		c.LastExecutionAt = &at
		c.UpdatedAt = time.Now()
		d.crews[id] = c
		return nil
	})
}

func (m *mockStore) RecordCrewFailure(id string) error {
	return m.with(func(d *mockData) error {
		c, ok := d.crews[id]
		if !ok {
			return ErrNotFound
		}
		c.TotalExecutions++
		c.FailedExecutions++
		c.UpdatedAt = time.Now()
		d.crews[id] = c
		return nil
	})
}

func (m *mockStore) SaveExecution(e models.Execution) error {
	return m.with(func(d *mockData) error {
		if _, ok := d.executions[e.ID]; ok {
			return errors.New("execution already exists")
		}
		d.executions[e.ID] = e
		return nil
	})
}

func (m *mockStore) GetExecution(id string) (e models.Execution, err error) {
	err = m.with(func(d *mockData) error {
		var ok bool
		if e, ok = d.executions[id]; !ok {
			return ErrNotFound
		}
		return nil
	})
	return e, err
}

func (m *mockStore) ListExecutions(tenantID string) ([]models.Execution, error) {
	executions := []models.Execution{}
	err := m.with(func(d *mockData) error {
		for _, e := range d.executions {
			if tenantID == "" || e.TenantID == tenantID {
				executions = append(executions, e)
			}
		}
		return nil
	})
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].CreatedAt.After(executions[j].CreatedAt)
	})
	return executions, err
}

// transition applies fn to the execution if its current status is one of
// from, and returns ErrConflict otherwise.
func (m *mockStore) transition(id string, fn func(e *models.Execution), from ...models.ExecutionStatus) error {
	return m.with(func(d *mockData) error {
		e, ok := d.executions[id]
		if !ok {
			return ErrNotFound
		}
		for _, s := range from {
			if e.Status == s {
				fn(&e)
				e.UpdatedAt = time.Now()
				d.executions[id] = e
				return nil
			}
		}
		return ErrConflict
	})
}

func (m *mockStore) MarkExecutionRunning(id string, startedAt time.Time) error {
	return m.transition(id, func(e *models.Execution) {
		e.Status = models.RunningExecutionStatus
		e.StartedAt = &startedAt
		e.Progress = 0
	}, models.QueuedExecutionStatus)
}

func (m *mockStore) UpdateExecutionProgress(id string, progress int) error {
	return m.transition(id, func(e *models.Execution) {
		e.Progress = progress
	}, models.RunningExecutionStatus)
}

func (m *mockStore) CompleteExecution(id string, c Completion) error {
	return m.transition(id, func(e *models.Execution) {
		e.Status = models.CompletedExecutionStatus
		e.Progress = 100
		e.CompletedAt = &c.CompletedAt
		e.TotalTokensUsed = c.TotalTokensUsed
		e.Cost = c.Cost
		e.Results = c.Results
	}, models.RunningExecutionStatus)
}

func (m *mockStore) FailExecution(id string, errMsg string, completedAt time.Time) error {
	return m.transition(id, func(e *models.Execution) {
		e.Status = models.FailedExecutionStatus
		e.Progress = 0
		e.CompletedAt = &completedAt
		e.ErrorMessage = errMsg
	}, models.QueuedExecutionStatus, models.RunningExecutionStatus)
}

func (m *mockStore) AppendExecutionLog(l models.ExecutionLog) error {
	return m.with(func(d *mockData) error {
		if _, ok := d.executions[l.ExecutionID]; !ok {
			return errors.Wrapf(ErrNotFound, "execution %s", l.ExecutionID)
		}
		d.logSeq++
		l.Seq = d.logSeq
		d.logs[l.ExecutionID] = append(d.logs[l.ExecutionID], l)
		return nil
	})
}

func (m *mockStore) ListExecutionLogs(executionID string) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := m.with(func(d *mockData) error {
		logs = append(logs, d.logs[executionID]...)
		return nil
	})
	return logs, err
}
