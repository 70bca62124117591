package pool

import (
	"context"

	"agentfleet/pkg/models"
)

// Metrics is an aggregate snapshot of the pool. Capacity figures count only
// agents that are not offline.
type Metrics struct {
	TotalAgents        int
	ActiveAgents       int
	OfflineAgents      int
	ByStatus           map[models.AgentStatus]int
	ByType             map[string]int
	TotalCapacity      int
	UsedCapacity       int
	AvailableCapacity  int
	UtilizationPercent float64
	AvgCompletionRate  float64
}

// Metrics computes the current pool snapshot and publishes it to the recorder.
func (p *Pool) Metrics(ctx context.Context) (*Metrics, error) {
	agents, err := p.store.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	m := Summarize(agents)

	byStatus := make(map[string]int, len(m.ByStatus))
	for s, n := range m.ByStatus {
		byStatus[string(s)] = n
	}
	p.recorder.SetPoolState(byStatus, m.UtilizationPercent)
	return m, nil
}

// Summarize aggregates a list of active agents.
func Summarize(agents []models.Agent) *Metrics {
	m := &Metrics{
		ByStatus: make(map[models.AgentStatus]int),
		ByType:   make(map[string]int),
	}
	var (
		rateSum   float64
		rateCount int
	)
	for i := range agents {
		a := &agents[i]
		m.TotalAgents++
		m.ByStatus[a.Status]++
		m.ByType[a.AgentType]++

		if a.Status == models.AgentOffline {
			m.OfflineAgents++
		} else {
			m.ActiveAgents++
			m.TotalCapacity += a.MaxCapacity
			m.UsedCapacity += a.CurrentLoad
		}

		if a.TotalAssigned > 0 {
			rateSum += float64(a.TotalCompleted) / float64(a.TotalAssigned)
			rateCount++
		}
	}
	m.AvailableCapacity = m.TotalCapacity - m.UsedCapacity
	if m.TotalCapacity > 0 {
		m.UtilizationPercent = float64(m.UsedCapacity) / float64(m.TotalCapacity) * 100
	}
	if rateCount > 0 {
		m.AvgCompletionRate = rateSum / float64(rateCount)
	}
	return m
}
